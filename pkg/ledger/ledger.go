// Package ledger records attention interactions against content items and
// derives time-windowed metrics from them. Metrics are pure functions of the
// interaction log: recomputable, never a source of truth.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/fnakasako/illunis/pkg/domain"
)

// InteractionStore is the slice of the store the ledger writes through
type InteractionStore interface {
	Append(ctx context.Context, interaction *domain.Interaction) error
	ListWindow(ctx context.Context, subject string, window domain.Window) ([]*domain.Interaction, error)
}

// BucketStore is the precomputed bucket cache the ledger aggregates over
type BucketStore interface {
	Upsert(ctx context.Context, buckets []domain.MetricBucket) error
	SumRange(ctx context.Context, subject string, window domain.Window) (*domain.Metric, error)
	Subjects(ctx context.Context) ([]string, error)
}

// bounds on the in-memory per-item tracking tables
const (
	maxTrackedItems = 4096
	seenHorizon     = time.Hour
)

// Config holds ledger tuning, externally supplied with documented defaults
type Config struct {
	BucketSize time.Duration // fixed aggregation bucket size, default 24h
	Debounce   time.Duration // exposure coalescing interval, default 1s
}

// Ledger is the attention ledger. Stateless regarding durable data; the only
// in-memory state is the exposure debounce table and per-item monotonicity
// tracking for the current session.
type Ledger struct {
	interactions InteractionStore
	buckets      BucketStore
	bucketSize   time.Duration
	debounce     time.Duration

	mu           sync.Mutex
	lastExposure map[string]time.Time // item id -> last recorded exposure
	lastSeen     map[string]time.Time // item id -> newest interaction timestamp this session
	now          func() time.Time
}

// New creates a ledger over the given store slices
func New(interactions InteractionStore, buckets BucketStore, cfg Config) *Ledger {
	if cfg.BucketSize == 0 {
		cfg.BucketSize = 24 * time.Hour
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = time.Second
	}
	return &Ledger{
		interactions: interactions,
		buckets:      buckets,
		bucketSize:   cfg.BucketSize,
		debounce:     cfg.Debounce,
		lastExposure: map[string]time.Time{},
		lastSeen:     map[string]time.Time{},
		now:          time.Now,
	}
}

// RecordExposure records that an item was actually surfaced to the user.
// Duplicate exposures within the debounce interval coalesce into one; the
// return value reports whether an interaction was appended.
func (l *Ledger) RecordExposure(ctx context.Context, itemID string) (bool, error) {
	now := l.now().UTC()

	l.mu.Lock()
	if last, ok := l.lastExposure[itemID]; ok && now.Sub(last) < l.debounce {
		l.mu.Unlock()
		return false, nil
	}
	l.lastExposure[itemID] = now
	l.pruneDebounceLocked(now)
	l.mu.Unlock()

	_, err := l.RecordInteraction(ctx, itemID, domain.InteractionExposure, now, 0, "")
	if err != nil {
		// failed append must not suppress the retry
		l.mu.Lock()
		delete(l.lastExposure, itemID)
		l.mu.Unlock()
		return false, err
	}
	return true, nil
}

// RecordInteraction appends an interaction to the log. Timestamps are
// expected monotonic per item within a session; late arrivals are accepted
// but flagged so aggregation can account for them.
func (l *Ledger) RecordInteraction(ctx context.Context, itemID string, kind domain.InteractionKind,
	ts time.Time, durationMs int64, signal string) (*domain.Interaction, error) {
	if ts.IsZero() {
		ts = l.now().UTC()
	}

	l.mu.Lock()
	late := false
	if last, ok := l.lastSeen[itemID]; ok && ts.Before(last) {
		late = true
	} else {
		l.lastSeen[itemID] = ts
	}
	l.pruneSeenLocked(l.now().UTC())
	l.mu.Unlock()

	interaction := &domain.Interaction{
		ItemID:      itemID,
		Kind:        kind,
		DurationMs:  durationMs,
		Signal:      signal,
		LateArrival: late,
		Timestamp:   ts.UTC(),
	}
	if err := l.interactions.Append(ctx, interaction); err != nil {
		return nil, err
	}
	if late {
		lgr.Printf("[DEBUG] late arrival interaction %s for item %s", interaction.ID, itemID)
	}
	return interaction, nil
}

// Aggregate computes the subject's metric for the window by summing
// precomputed buckets; raw interactions are never scanned here. The window
// is widened to bucket boundaries. Reads are snapshot-at-call-time:
// concurrent writes never surface a partial bucket.
func (l *Ledger) Aggregate(ctx context.Context, subject string, window domain.Window) (*domain.Metric, error) {
	aligned := l.AlignWindow(window)
	metric, err := l.buckets.SumRange(ctx, subject, aligned)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", subject, err)
	}
	metric.Window = aligned
	return metric, nil
}

// AlignWindow widens a window outward to bucket boundaries
func (l *Ledger) AlignWindow(window domain.Window) domain.Window {
	start := window.Start.UTC().Truncate(l.bucketSize)
	end := window.End.UTC().Truncate(l.bucketSize)
	if end.Before(window.End.UTC()) {
		end = end.Add(l.bucketSize)
	}
	return domain.Window{Start: start, End: end}
}

// BucketSize returns the configured fixed bucket size
func (l *Ledger) BucketSize() time.Duration {
	return l.bucketSize
}

// ComputeBuckets recomputes the subject's buckets within the window from the
// raw interaction log. Deterministic: two computations over the same log and
// window yield identical buckets.
func (l *Ledger) ComputeBuckets(ctx context.Context, subject string, window domain.Window) ([]domain.MetricBucket, error) {
	aligned := l.AlignWindow(window)
	interactions, err := l.interactions.ListWindow(ctx, subject, aligned)
	if err != nil {
		return nil, fmt.Errorf("load interactions for %s: %w", subject, err)
	}

	byStart := map[time.Time]*domain.MetricBucket{}
	for _, in := range interactions {
		start := in.Timestamp.UTC().Truncate(l.bucketSize)
		b, ok := byStart[start]
		if !ok {
			b = &domain.MetricBucket{Subject: subject, BucketStart: start}
			byStart[start] = b
		}
		switch in.Kind {
		case domain.InteractionExposure:
			b.Exposures++
		case domain.InteractionDwell:
			b.DwellMs += in.DurationMs
		case domain.InteractionSkip:
			b.Skips++
		case domain.InteractionExplicit:
			// explicit signals carry no aggregate weight yet
		}
	}

	// emit every bucket in the window, zero-valued ones included, so a
	// refresh overwrites stale counts after erasure or cleanup
	var out []domain.MetricBucket
	for start := aligned.Start; start.Before(aligned.End); start = start.Add(l.bucketSize) {
		if b, ok := byStart[start]; ok {
			out = append(out, *b)
		} else {
			out = append(out, domain.MetricBucket{Subject: subject, BucketStart: start})
		}
	}
	return out, nil
}

// RefreshBuckets recomputes and stores the subject's buckets for the window
func (l *Ledger) RefreshBuckets(ctx context.Context, subject string, window domain.Window) error {
	buckets, err := l.ComputeBuckets(ctx, subject, window)
	if err != nil {
		return err
	}
	if err := l.buckets.Upsert(ctx, buckets); err != nil {
		return fmt.Errorf("store buckets for %s: %w", subject, err)
	}
	return nil
}

// RebuildAll recomputes buckets for every subject seen in the log within the
// window. Used on recovery: the bucket cache is fully reconstructable.
// Cancellation is cooperative, checked between subjects.
func (l *Ledger) RebuildAll(ctx context.Context, window domain.Window) error {
	subjects, err := l.buckets.Subjects(ctx)
	if err != nil {
		return fmt.Errorf("list subjects: %w", err)
	}

	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.RefreshBuckets(ctx, subject, window); err != nil {
			return err
		}
	}
	lgr.Printf("[INFO] rebuilt metric buckets for %d subjects", len(subjects))
	return nil
}

// pruneDebounceLocked drops stale debounce entries; called with mu held
func (l *Ledger) pruneDebounceLocked(now time.Time) {
	if len(l.lastExposure) < maxTrackedItems {
		return
	}
	for id, ts := range l.lastExposure {
		if now.Sub(ts) >= l.debounce {
			delete(l.lastExposure, id)
		}
	}
}

// pruneSeenLocked drops idle monotonicity entries; called with mu held.
// A pruned item loses late-arrival detection after an hour of silence, the
// accepted trade for bounded memory.
func (l *Ledger) pruneSeenLocked(now time.Time) {
	if len(l.lastSeen) < maxTrackedItems {
		return
	}
	for id, ts := range l.lastSeen {
		if now.Sub(ts) > seenHorizon {
			delete(l.lastSeen, id)
		}
	}
}
