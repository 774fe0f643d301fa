// Package exchange is the reputation boundary: it converts local metrics
// into anonymized aggregate scores and merges scores received from peers.
// Raw interactions and content payloads never cross this boundary; transport
// and peer discovery are the host application's problem.
package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fnakasako/illunis/pkg/domain"
)

// MetricSource provides locally derived metrics; the exchange reads nothing
// else from the core
type MetricSource interface {
	Aggregate(ctx context.Context, subject string, window domain.Window) (*domain.Metric, error)
	AlignWindow(window domain.Window) domain.Window
	BucketSize() time.Duration
}

// Config holds exchange tuning
type Config struct {
	TrustWeights map[string]float64 // per-peer trust, default applies to unknown peers
	DefaultTrust float64            // default 0.5
	RefDwellMs   int64              // dwell per exposure treated as full engagement, default 30s
	ConfidenceK  float64            // exposures at which confidence reaches 0.5, default 20
}

// Exchange derives outbound reputation scores and keeps the trust-weighted
// merge of inbound peer scores. The merge state is a set of sums, so merging
// is commutative and associative: receipt order never changes the result.
type Exchange struct {
	metrics MetricSource
	cfg     Config

	mu     sync.Mutex
	merged map[string]*accumulator // by subject
}

// accumulator holds the running sums of the peer-score merge
type accumulator struct {
	scoreSum   float64 // sum of trust * confidence * score
	weightSum  float64 // sum of trust * confidence
	trustSum   float64 // sum of trust
	confSum    float64 // sum of trust * confidence
	samples    int64
	windowLow  time.Time
	windowHigh time.Time
}

// New creates an exchange over the given metric source
func New(metrics MetricSource, cfg Config) *Exchange {
	if cfg.DefaultTrust == 0 {
		cfg.DefaultTrust = 0.5
	}
	if cfg.RefDwellMs == 0 {
		cfg.RefDwellMs = 30000
	}
	if cfg.ConfidenceK == 0 {
		cfg.ConfidenceK = 20
	}
	return &Exchange{metrics: metrics, cfg: cfg, merged: map[string]*accumulator{}}
}

// Publish derives the subject's reputation score for the window from local
// metric aggregates only. The produced score is checked against the
// leakage contract before it is returned.
func (e *Exchange) Publish(ctx context.Context, subject string, window domain.Window) (*domain.ReputationScore, error) {
	aligned := e.metrics.AlignWindow(window)
	metric, err := e.metrics.Aggregate(ctx, subject, aligned)
	if err != nil {
		return nil, fmt.Errorf("aggregate for publish: %w", err)
	}

	score := &domain.ReputationScore{
		Subject:    subject,
		Window:     metric.Window,
		Score:      scoreFromMetric(metric, e.cfg.RefDwellMs),
		Confidence: float64(metric.Exposures) / (float64(metric.Exposures) + e.cfg.ConfidenceK),
	}

	if err := e.checkOutbound(score); err != nil {
		return nil, err
	}
	return score, nil
}

// Ingest merges a peer's score into the local trust-weighted aggregate.
// Out-of-bound scores are rejected before touching the merge state.
func (e *Exchange) Ingest(peer string, score domain.ReputationScore) error {
	if score.Subject == "" {
		return fmt.Errorf("peer score missing subject")
	}
	if score.Score < -1 || score.Score > 1 {
		return fmt.Errorf("peer score %v out of [-1,1]", score.Score)
	}
	if score.Confidence < 0 || score.Confidence > 1 {
		return fmt.Errorf("peer confidence %v out of [0,1]", score.Confidence)
	}

	trust := e.cfg.DefaultTrust
	if w, ok := e.cfg.TrustWeights[peer]; ok {
		trust = w
	}
	weight := trust * score.Confidence

	e.mu.Lock()
	defer e.mu.Unlock()

	acc, ok := e.merged[score.Subject]
	if !ok {
		acc = &accumulator{windowLow: score.Window.Start, windowHigh: score.Window.End}
		e.merged[score.Subject] = acc
	}
	acc.scoreSum += weight * score.Score
	acc.weightSum += weight
	acc.trustSum += trust
	acc.confSum += trust * score.Confidence
	acc.samples++
	if score.Window.Start.Before(acc.windowLow) {
		acc.windowLow = score.Window.Start
	}
	if score.Window.End.After(acc.windowHigh) {
		acc.windowHigh = score.Window.End
	}
	return nil
}

// Merged returns the current trust-weighted aggregate for a subject
func (e *Exchange) Merged(subject string) (*domain.ReputationScore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acc, ok := e.merged[subject]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", subject, domain.ErrNotFound)
	}

	score := 0.0
	if acc.weightSum > 0 {
		score = acc.scoreSum / acc.weightSum
	}
	confidence := 0.0
	if acc.trustSum > 0 {
		// weighted mean confidence, discounted for sample breadth
		confidence = (acc.confSum / acc.trustSum) * float64(acc.samples) / float64(acc.samples+1)
	}

	return &domain.ReputationScore{
		Subject:    subject,
		Score:      clamp(score, -1, 1),
		Confidence: clamp(confidence, 0, 1),
		Window:     domain.Window{Start: acc.windowLow, End: acc.windowHigh},
	}, nil
}

// checkOutbound asserts the aggregate-only contract on a score about to
// leave the node. Unreachable in correct code; a failure here means a bug
// upstream, surfaced as ErrReputationLeakage rather than shipped.
func (e *Exchange) checkOutbound(score *domain.ReputationScore) error {
	if score.Score < -1 || score.Score > 1 || math.IsNaN(score.Score) {
		return fmt.Errorf("score %v out of bounds: %w", score.Score, domain.ErrReputationLeakage)
	}
	if score.Confidence < 0 || score.Confidence > 1 || math.IsNaN(score.Confidence) {
		return fmt.Errorf("confidence %v out of bounds: %w", score.Confidence, domain.ErrReputationLeakage)
	}
	// windows must sit on bucket boundaries: a raw event timestamp here
	// would leak interaction times
	size := e.metrics.BucketSize()
	if !score.Window.Start.Equal(score.Window.Start.Truncate(size)) ||
		!score.Window.End.Equal(score.Window.End.Truncate(size)) {
		return fmt.Errorf("window not bucket-aligned: %w", domain.ErrReputationLeakage)
	}
	return nil
}

func scoreFromMetric(m *domain.Metric, refDwellMs int64) float64 {
	if m.Exposures == 0 {
		return 0
	}
	dwellPerExposure := float64(m.DwellMs) / float64(m.Exposures)
	engagement := math.Min(dwellPerExposure/float64(refDwellMs), 1)
	return clamp(engagement-m.SkipRatio, -1, 1)
}

func clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(high, v))
}
