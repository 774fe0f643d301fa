package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnakasako/illunis/pkg/domain"
)

type fakeRuleStore struct {
	set *domain.RuleSet
}

func (f *fakeRuleStore) GetActiveSet(context.Context) (*domain.RuleSet, error) {
	return f.set, nil
}

type fakeItemStore struct {
	items []*domain.ContentItem
}

func (f *fakeItemStore) GetRecent(_ context.Context, _ time.Time, limit int) ([]*domain.ContentItem, error) {
	if len(f.items) > limit {
		return f.items[:limit], nil
	}
	return f.items, nil
}

type fakeDecisionStore struct {
	mu      sync.Mutex
	batches [][]domain.FilterDecision
	failOn  int // batch index to fail on, -1 never
}

func (f *fakeDecisionStore) SaveBatch(_ context.Context, decisions []domain.FilterDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == len(f.batches) {
		return fmt.Errorf("simulated store failure")
	}
	batch := make([]domain.FilterDecision, len(decisions))
	copy(batch, decisions)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeDecisionStore) saved() []domain.FilterDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []domain.FilterDecision
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func makeItems(n int) []*domain.ContentItem {
	items := make([]*domain.ContentItem, n)
	for i := range items {
		payload := map[string]string{"text": "fine"}
		if i%3 == 0 {
			payload["text"] = "spam offer"
		}
		items[i] = domain.NewContentItem("example.com", fmt.Sprintf("guid-%d", i), payload, time.Now().UTC())
	}
	return items
}

func TestReevaluator_Run(t *testing.T) {
	set := &domain.RuleSet{Version: 2, Rules: []domain.Rule{
		{ID: 1, Priority: 10, Enabled: true, Action: domain.ActionBlock,
			Predicate: domain.Predicate{Field: "text", Op: domain.OpContains, Value: "spam"}},
	}}

	t.Run("decides every item within the cap", func(t *testing.T) {
		decisions := &fakeDecisionStore{failOn: -1}
		reeval := NewReevaluator(New(), &fakeRuleStore{set: set}, &fakeItemStore{items: makeItems(25)},
			decisions, ReevalConfig{Workers: 4, BatchSize: 10})

		count, err := reeval.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 25, count)

		saved := decisions.saved()
		require.Len(t, saved, 25)
		blocked := 0
		for _, d := range saved {
			assert.EqualValues(t, 2, d.RulesetVersion)
			if d.Action == domain.ActionBlock {
				blocked++
			}
		}
		assert.Equal(t, 9, blocked, "every third item matched the block rule")
	})

	t.Run("batches sized by config", func(t *testing.T) {
		decisions := &fakeDecisionStore{failOn: -1}
		reeval := NewReevaluator(New(), &fakeRuleStore{set: set}, &fakeItemStore{items: makeItems(25)},
			decisions, ReevalConfig{Workers: 2, BatchSize: 10})

		_, err := reeval.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, decisions.batches, 3)
		assert.Len(t, decisions.batches[0], 10)
		assert.Len(t, decisions.batches[2], 5)
	})

	t.Run("max items caps the run", func(t *testing.T) {
		decisions := &fakeDecisionStore{failOn: -1}
		reeval := NewReevaluator(New(), &fakeRuleStore{set: set}, &fakeItemStore{items: makeItems(25)},
			decisions, ReevalConfig{MaxItems: 10, BatchSize: 100})

		count, err := reeval.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 10, count)
	})

	t.Run("store failure reports progress", func(t *testing.T) {
		decisions := &fakeDecisionStore{failOn: 1}
		reeval := NewReevaluator(New(), &fakeRuleStore{set: set}, &fakeItemStore{items: makeItems(25)},
			decisions, ReevalConfig{BatchSize: 10})

		count, err := reeval.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, 10, count, "first committed batch counted")
	})

	t.Run("no items is a no-op", func(t *testing.T) {
		decisions := &fakeDecisionStore{failOn: -1}
		reeval := NewReevaluator(New(), &fakeRuleStore{set: set}, &fakeItemStore{}, decisions, ReevalConfig{})

		count, err := reeval.Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.Empty(t, decisions.batches)
	})

	t.Run("cancelled context stops between batches", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		decisions := &fakeDecisionStore{failOn: -1}
		reeval := NewReevaluator(New(), &fakeRuleStore{set: set}, &fakeItemStore{items: makeItems(5)},
			decisions, ReevalConfig{BatchSize: 10})

		_, err := reeval.Run(ctx)
		require.Error(t, err)
	})
}

func TestDecider_Decide(t *testing.T) {
	set := &domain.RuleSet{Version: 4, Rules: []domain.Rule{
		{ID: 1, Priority: 10, Enabled: true, Action: domain.ActionBlock,
			Predicate: domain.Predicate{Field: "text", Op: domain.OpContains, Value: "spam"}},
	}}
	decisions := &fakeDecisionStore{failOn: -1}
	decider := NewDecider(New(), &fakeRuleStore{set: set}, decisions)

	item := domain.NewContentItem("example.com", "guid-1",
		map[string]string{"text": "spam offer"}, time.Now().UTC())
	decision, err := decider.Decide(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBlock, decision.Action)
	assert.EqualValues(t, 4, decision.RulesetVersion)

	saved := decisions.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, item.ID, saved[0].ItemID)
}
