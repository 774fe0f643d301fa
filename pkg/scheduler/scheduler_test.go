package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnakasako/illunis/pkg/domain"
)

type fakeAggregator struct {
	mu        sync.Mutex
	refreshed []string
}

func (f *fakeAggregator) RefreshBuckets(_ context.Context, subject string, _ domain.Window) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, subject)
	return nil
}

func (f *fakeAggregator) AlignWindow(w domain.Window) domain.Window { return w }

type fakeReevaluator struct {
	mu   sync.Mutex
	runs int
}

func (f *fakeReevaluator) Run(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return 5, nil
}

func (f *fakeReevaluator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeRuleStore struct {
	version int64
}

func (f *fakeRuleStore) GetActiveSet(context.Context) (*domain.RuleSet, error) {
	return &domain.RuleSet{Version: f.version}, nil
}

type fakeSubjects struct {
	subjects []string
}

func (f *fakeSubjects) Subjects(context.Context) ([]string, error) { return f.subjects, nil }

type fakeRetention struct {
	mu      sync.Mutex
	removed int64
	calls   int
}

func (f *fakeRetention) Cleanup(_ context.Context, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.removed, nil
}

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSettings() *fakeSettings { return &fakeSettings{values: map[string]string{}} }

func (f *fakeSettings) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key], nil
}

func (f *fakeSettings) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func newTestScheduler(rules *fakeRuleStore, reeval *fakeReevaluator, settings *fakeSettings) *Scheduler {
	return New(&fakeAggregator{}, reeval, rules, &fakeSubjects{},
		&fakeRetention{}, &fakeRetention{}, settings, Config{})
}

func TestScheduler_ReevalIfChanged(t *testing.T) {
	ctx := context.Background()

	t.Run("runs when version advances", func(t *testing.T) {
		rules := &fakeRuleStore{version: 3}
		reeval := &fakeReevaluator{}
		settings := newFakeSettings()
		s := newTestScheduler(rules, reeval, settings)

		s.ReevalNow(ctx)
		assert.Equal(t, 1, reeval.count())

		got, err := settings.Get(ctx, lastReevalKey)
		require.NoError(t, err)
		assert.Equal(t, "3", got, "handled version persisted")
	})

	t.Run("skips when version unchanged", func(t *testing.T) {
		rules := &fakeRuleStore{version: 3}
		reeval := &fakeReevaluator{}
		settings := newFakeSettings()
		settings.values[lastReevalKey] = "3"
		s := newTestScheduler(rules, reeval, settings)

		s.ReevalNow(ctx)
		s.ReevalNow(ctx)
		assert.Zero(t, reeval.count())
	})

	t.Run("resumes from persisted version after restart", func(t *testing.T) {
		rules := &fakeRuleStore{version: 7}
		reeval := &fakeReevaluator{}
		settings := newFakeSettings()
		settings.values[lastReevalKey] = "5"
		s := newTestScheduler(rules, reeval, settings)

		s.ReevalNow(ctx)
		assert.Equal(t, 1, reeval.count())

		// now caught up, another check is a no-op
		s.ReevalNow(ctx)
		assert.Equal(t, 1, reeval.count())
	})
}

func TestScheduler_RefreshAllSubjects(t *testing.T) {
	agg := &fakeAggregator{}
	subjects := &fakeSubjects{subjects: []string{"a.com", "b.com", "c.com"}}
	s := New(agg, &fakeReevaluator{}, &fakeRuleStore{}, subjects,
		&fakeRetention{}, &fakeRetention{}, newFakeSettings(), Config{MaxWorkers: 2})

	s.refreshAllSubjects(context.Background())

	assert.ElementsMatch(t, []string{"a.com", "b.com", "c.com"}, agg.refreshed)
}

func TestScheduler_RunCleanup(t *testing.T) {
	interactions := &fakeRetention{removed: 12}
	buckets := &fakeRetention{removed: 2}
	s := New(&fakeAggregator{}, &fakeReevaluator{}, &fakeRuleStore{}, &fakeSubjects{},
		interactions, buckets, newFakeSettings(), Config{RetentionDays: 30})

	s.runCleanup(context.Background())

	assert.Equal(t, 1, interactions.calls)
	assert.Equal(t, 1, buckets.calls)
}

func TestScheduler_StartStop(t *testing.T) {
	rules := &fakeRuleStore{version: 1}
	reeval := &fakeReevaluator{}
	agg := &fakeAggregator{}
	subjects := &fakeSubjects{subjects: []string{"a.com"}}
	s := New(agg, reeval, rules, subjects, &fakeRetention{}, &fakeRetention{},
		newFakeSettings(), Config{
			AggregateInterval: 20 * time.Millisecond,
			ReevalInterval:    20 * time.Millisecond,
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	agg.mu.Lock()
	refreshed := len(agg.refreshed)
	agg.mu.Unlock()
	assert.Positive(t, refreshed, "aggregate worker ran")
	assert.Positive(t, reeval.count(), "reeval worker caught the version change")
}
