package domain

import "time"

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Metric is a derived aggregate over the interaction log for one subject
// within a window. Not a source of truth: recomputable from interactions,
// and two computations over the same log and window are identical.
type Metric struct {
	Subject   string  `json:"subject"`
	Window    Window  `json:"window"`
	Exposures int64   `json:"exposures"`
	DwellMs   int64   `json:"dwell_ms"`
	Skips     int64   `json:"skips"`
	SkipRatio float64 `json:"skip_ratio"`
}

// MetricBucket is one precomputed fixed-size aggregation bucket. Custom
// range queries sum buckets instead of scanning raw interactions.
type MetricBucket struct {
	Subject     string
	BucketStart time.Time
	Exposures   int64
	DwellMs     int64
	Skips       int64
}
