package exchange

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnakasako/illunis/pkg/domain"
	"github.com/fnakasako/illunis/pkg/ledger"
)

// fakeMetrics serves canned metrics with 24h buckets
type fakeMetrics struct {
	metric     domain.Metric
	misaligned bool // skip window alignment to simulate an upstream bug
}

func (f *fakeMetrics) Aggregate(_ context.Context, subject string, window domain.Window) (*domain.Metric, error) {
	m := f.metric
	m.Subject = subject
	m.Window = window
	return &m, nil
}

func (f *fakeMetrics) AlignWindow(window domain.Window) domain.Window {
	if f.misaligned {
		return window
	}
	size := f.BucketSize()
	start := window.Start.UTC().Truncate(size)
	end := window.End.UTC().Truncate(size)
	if end.Before(window.End.UTC()) {
		end = end.Add(size)
	}
	return domain.Window{Start: start, End: end}
}

func (f *fakeMetrics) BucketSize() time.Duration { return 24 * time.Hour }

// memStore is a minimal in-memory log and bucket table backing a real ledger
type memStore struct {
	subject      string
	interactions []*domain.Interaction
	buckets      map[time.Time]domain.MetricBucket
}

func (m *memStore) Append(_ context.Context, in *domain.Interaction) error {
	stored := *in
	m.interactions = append(m.interactions, &stored)
	return nil
}

func (m *memStore) ListWindow(_ context.Context, subject string, window domain.Window) ([]*domain.Interaction, error) {
	if subject != m.subject {
		return nil, nil
	}
	var out []*domain.Interaction
	for _, in := range m.interactions {
		if window.Contains(in.Timestamp) {
			out = append(out, in)
		}
	}
	return out, nil
}

func (m *memStore) Upsert(_ context.Context, buckets []domain.MetricBucket) error {
	for _, b := range buckets {
		m.buckets[b.BucketStart] = b
	}
	return nil
}

func (m *memStore) SumRange(_ context.Context, subject string, window domain.Window) (*domain.Metric, error) {
	metric := &domain.Metric{Subject: subject, Window: window}
	for start, b := range m.buckets {
		if window.Contains(start) {
			metric.Exposures += b.Exposures
			metric.DwellMs += b.DwellMs
			metric.Skips += b.Skips
		}
	}
	if metric.Exposures > 0 {
		metric.SkipRatio = float64(metric.Skips) / float64(metric.Exposures)
	}
	return metric, nil
}

func (m *memStore) Subjects(context.Context) ([]string, error) {
	return []string{m.subject}, nil
}

func testWindow() domain.Window {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return domain.Window{Start: start, End: start.Add(24 * time.Hour)}
}

func TestExchange_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("engaged subject scores positive", func(t *testing.T) {
		// 10 exposures, full reference dwell each, one skip
		metrics := &fakeMetrics{metric: domain.Metric{
			Exposures: 10, DwellMs: 300000, Skips: 1, SkipRatio: 0.1,
		}}
		exch := New(metrics, Config{RefDwellMs: 30000, ConfidenceK: 20})

		score, err := exch.Publish(ctx, "example.com", testWindow())
		require.NoError(t, err)
		assert.InDelta(t, 0.9, score.Score, 1e-9)
		assert.InDelta(t, 10.0/30.0, score.Confidence, 1e-9)
		assert.Equal(t, "example.com", score.Subject)
	})

	t.Run("skipped subject scores negative", func(t *testing.T) {
		metrics := &fakeMetrics{metric: domain.Metric{
			Exposures: 10, DwellMs: 0, Skips: 9, SkipRatio: 0.9,
		}}
		exch := New(metrics, Config{})

		score, err := exch.Publish(ctx, "example.com", testWindow())
		require.NoError(t, err)
		assert.InDelta(t, -0.9, score.Score, 1e-9)
	})

	t.Run("no exposures scores zero with zero confidence", func(t *testing.T) {
		exch := New(&fakeMetrics{}, Config{})

		score, err := exch.Publish(ctx, "example.com", testWindow())
		require.NoError(t, err)
		assert.Zero(t, score.Score)
		assert.Zero(t, score.Confidence)
	})

	t.Run("window aligned to bucket boundaries", func(t *testing.T) {
		exch := New(&fakeMetrics{}, Config{})

		ragged := testWindow()
		ragged.Start = ragged.Start.Add(5 * time.Hour)
		score, err := exch.Publish(ctx, "example.com", ragged)
		require.NoError(t, err)
		assert.Equal(t, testWindow().Start, score.Window.Start)
	})

	t.Run("published bytes carry aggregates only", func(t *testing.T) {
		store := &memStore{subject: "example.com", buckets: map[time.Time]domain.MetricBucket{}}
		led := ledger.New(store, store, ledger.Config{BucketSize: 24 * time.Hour})

		// raw attention data with recognizable markers
		rawTS := time.Date(2025, 6, 1, 9, 17, 33, 0, time.UTC)
		_, err := led.RecordInteraction(ctx, "item-under-embargo", domain.InteractionExposure, rawTS, 0, "")
		require.NoError(t, err)
		_, err = led.RecordInteraction(ctx, "item-under-embargo", domain.InteractionDwell,
			rawTS.Add(time.Second), 45000, "thumbs-up-private")
		require.NoError(t, err)
		require.NoError(t, led.RefreshBuckets(ctx, "example.com", testWindow()))

		exch := New(led, Config{})
		score, err := exch.Publish(ctx, "example.com", testWindow())
		require.NoError(t, err)

		data, err := json.Marshal(score)
		require.NoError(t, err)
		encoded := string(data)
		assert.NotContains(t, encoded, "item-under-embargo", "item identity stays local")
		assert.NotContains(t, encoded, "thumbs-up-private", "raw signals stay local")
		assert.NotContains(t, encoded, "09:17:33", "raw event times stay local")
		assert.NotContains(t, encoded, "45000", "raw dwell totals stay local")
	})

	t.Run("misaligned window never leaves the node", func(t *testing.T) {
		metrics := &fakeMetrics{misaligned: true}
		exch := New(metrics, Config{})

		ragged := testWindow()
		ragged.Start = ragged.Start.Add(37 * time.Minute)
		_, err := exch.Publish(ctx, "example.com", ragged)
		require.ErrorIs(t, err, domain.ErrReputationLeakage)
	})
}

func TestExchange_Ingest(t *testing.T) {
	peerScore := func(score, confidence float64) domain.ReputationScore {
		return domain.ReputationScore{
			Subject:    "example.com",
			Score:      score,
			Confidence: confidence,
			Window:     testWindow(),
		}
	}

	t.Run("bounds enforced", func(t *testing.T) {
		exch := New(&fakeMetrics{}, Config{})
		require.Error(t, exch.Ingest("peer-a", peerScore(1.5, 0.5)))
		require.Error(t, exch.Ingest("peer-a", peerScore(-1.5, 0.5)))
		require.Error(t, exch.Ingest("peer-a", peerScore(0.5, 1.5)))
		require.Error(t, exch.Ingest("peer-a", peerScore(0.5, -0.1)))

		s := peerScore(0.5, 0.5)
		s.Subject = ""
		require.Error(t, exch.Ingest("peer-a", s))

		_, err := exch.Merged("example.com")
		require.ErrorIs(t, err, domain.ErrNotFound, "rejected scores never touch the merge")
	})

	t.Run("merge order does not matter", func(t *testing.T) {
		cfg := Config{TrustWeights: map[string]float64{"peer-a": 0.9, "peer-b": 0.2}}
		scores := []struct {
			peer  string
			score domain.ReputationScore
		}{
			{"peer-a", peerScore(0.8, 0.9)},
			{"peer-b", peerScore(-0.6, 0.4)},
			{"peer-c", peerScore(0.1, 0.7)},
		}

		forward := New(&fakeMetrics{}, cfg)
		for _, s := range scores {
			require.NoError(t, forward.Ingest(s.peer, s.score))
		}

		backward := New(&fakeMetrics{}, cfg)
		for i := len(scores) - 1; i >= 0; i-- {
			require.NoError(t, backward.Ingest(scores[i].peer, scores[i].score))
		}

		a, err := forward.Merged("example.com")
		require.NoError(t, err)
		b, err := backward.Merged("example.com")
		require.NoError(t, err)
		assert.InDelta(t, a.Score, b.Score, 1e-12)
		assert.InDelta(t, a.Confidence, b.Confidence, 1e-12)
	})

	t.Run("trust weights the merge", func(t *testing.T) {
		exch := New(&fakeMetrics{}, Config{TrustWeights: map[string]float64{
			"trusted": 1.0, "distrusted": 0.01,
		}})
		require.NoError(t, exch.Ingest("trusted", peerScore(0.9, 0.9)))
		require.NoError(t, exch.Ingest("distrusted", peerScore(-0.9, 0.9)))

		merged, err := exch.Merged("example.com")
		require.NoError(t, err)
		assert.Positive(t, merged.Score, "trusted peer dominates")
	})

	t.Run("unknown peer gets default trust", func(t *testing.T) {
		exch := New(&fakeMetrics{}, Config{DefaultTrust: 0.5})
		require.NoError(t, exch.Ingest("stranger", peerScore(0.4, 0.8)))

		merged, err := exch.Merged("example.com")
		require.NoError(t, err)
		assert.InDelta(t, 0.4, merged.Score, 1e-9)
	})

	t.Run("merged window spans all inputs", func(t *testing.T) {
		exch := New(&fakeMetrics{}, Config{})
		early := peerScore(0.1, 0.5)
		late := peerScore(0.2, 0.5)
		late.Window.Start = late.Window.Start.Add(24 * time.Hour)
		late.Window.End = late.Window.End.Add(24 * time.Hour)

		require.NoError(t, exch.Ingest("peer-a", early))
		require.NoError(t, exch.Ingest("peer-b", late))

		merged, err := exch.Merged("example.com")
		require.NoError(t, err)
		assert.Equal(t, early.Window.Start, merged.Window.Start)
		assert.Equal(t, late.Window.End, merged.Window.End)
	})
}

func TestScoreFromMetric(t *testing.T) {
	t.Run("engagement capped at full dwell", func(t *testing.T) {
		m := &domain.Metric{Exposures: 1, DwellMs: 500000}
		assert.InDelta(t, 1.0, scoreFromMetric(m, 30000), 1e-9)
	})

	t.Run("clamped to bounds", func(t *testing.T) {
		m := &domain.Metric{Exposures: 10, Skips: 10, SkipRatio: 1.0}
		assert.GreaterOrEqual(t, scoreFromMetric(m, 30000), -1.0)

		m = &domain.Metric{Exposures: 1, DwellMs: 30000, SkipRatio: 0}
		assert.LessOrEqual(t, scoreFromMetric(m, 30000), 1.0)
	})
}
