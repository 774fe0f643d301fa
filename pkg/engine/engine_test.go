package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnakasako/illunis/pkg/domain"
)

func testItem(payload map[string]string) *domain.ContentItem {
	return domain.NewContentItem("example.com", "guid-1", payload, time.Now().UTC())
}

func TestEngine_Evaluate(t *testing.T) {
	eng := New()

	t.Run("default allow when no rules", func(t *testing.T) {
		decision, diags := eng.Evaluate(testItem(nil), &domain.RuleSet{Version: 3})
		assert.Empty(t, diags)
		assert.EqualValues(t, 0, decision.RuleID)
		assert.Equal(t, domain.ActionAllow, decision.Action)
		assert.EqualValues(t, 3, decision.RulesetVersion)
		assert.True(t, decision.Visible())
	})

	t.Run("first matching rule wins", func(t *testing.T) {
		set := &domain.RuleSet{Version: 1, Rules: []domain.Rule{
			{ID: 2, Priority: 10, Enabled: true, Action: domain.ActionBlock,
				Predicate: domain.Predicate{Field: "text", Op: domain.OpContains, Value: "spam"}},
			{ID: 1, Priority: 5, Enabled: true, Action: domain.ActionAllow,
				Predicate: domain.Predicate{Field: "text", Op: domain.OpContains, Value: "spam"}},
		}}
		decision, diags := eng.Evaluate(testItem(map[string]string{"text": "buy SPAM now"}), set)
		assert.Empty(t, diags)
		assert.EqualValues(t, 2, decision.RuleID)
		assert.Equal(t, domain.ActionBlock, decision.Action)
	})

	t.Run("disabled rules skipped", func(t *testing.T) {
		set := &domain.RuleSet{Version: 1, Rules: []domain.Rule{
			{ID: 1, Priority: 10, Enabled: false, Action: domain.ActionBlock,
				Predicate: domain.Predicate{Field: "text", Op: domain.OpContains, Value: "spam"}},
		}}
		decision, _ := eng.Evaluate(testItem(map[string]string{"text": "spam"}), set)
		assert.EqualValues(t, 0, decision.RuleID)
		assert.Equal(t, domain.ActionAllow, decision.Action)
	})

	t.Run("deprioritize carries weight", func(t *testing.T) {
		set := &domain.RuleSet{Version: 1, Rules: []domain.Rule{
			{ID: 1, Priority: 1, Enabled: true, Action: domain.ActionDeprioritize, Weight: 0.3,
				Predicate: domain.Predicate{Field: "source", Op: domain.OpEquals, Value: "example.com"}},
		}}
		decision, _ := eng.Evaluate(testItem(nil), set)
		assert.Equal(t, domain.ActionDeprioritize, decision.Action)
		assert.InDelta(t, 0.3, decision.Weight, 1e-9)
		assert.True(t, decision.Visible())
	})

	t.Run("failing rule reported and skipped", func(t *testing.T) {
		set := &domain.RuleSet{Version: 1, Rules: []domain.Rule{
			{ID: 1, Priority: 10, Enabled: true, Action: domain.ActionBlock,
				Predicate: domain.Predicate{Field: "text", Op: "bogus", Value: "x"}},
			{ID: 2, Priority: 5, Enabled: true, Action: domain.ActionBlock,
				Predicate: domain.Predicate{Field: "text", Op: domain.OpContains, Value: "spam"}},
		}}
		decision, diags := eng.Evaluate(testItem(map[string]string{"text": "spam"}), set)
		require.Len(t, diags, 1)
		assert.EqualValues(t, 1, diags[0].RuleID)
		assert.EqualValues(t, 2, decision.RuleID, "later rule still evaluated")
		assert.Equal(t, domain.ActionBlock, decision.Action)
	})

	t.Run("unknown field reported as diagnostic", func(t *testing.T) {
		set := &domain.RuleSet{Version: 1, Rules: []domain.Rule{
			{ID: 1, Priority: 10, Enabled: true, Action: domain.ActionBlock,
				Predicate: domain.Predicate{Field: "bogus", Op: domain.OpContains, Value: "x"}},
		}}
		decision, diags := eng.Evaluate(testItem(map[string]string{"text": "spam"}), set)
		require.Len(t, diags, 1)
		assert.Contains(t, diags[0].Reason, "unknown field")
		assert.Equal(t, domain.ActionAllow, decision.Action, "bad rule treated as non-matching")
	})

	t.Run("deterministic for identical inputs", func(t *testing.T) {
		set := &domain.RuleSet{Version: 7, Rules: []domain.Rule{
			{ID: 1, Priority: 1, Enabled: true, Action: domain.ActionBlock,
				Predicate: domain.Predicate{Field: "title", Op: domain.OpPrefix, Value: "ad:"}},
		}}
		item := testItem(map[string]string{"title": "AD: great deal"})
		for i := 0; i < 10; i++ {
			decision, diags := eng.Evaluate(item, set)
			assert.Empty(t, diags)
			assert.EqualValues(t, 1, decision.RuleID)
			assert.Equal(t, domain.ActionBlock, decision.Action)
		}
	})
}

func TestEngine_Match(t *testing.T) {
	eng := New()
	item := testItem(map[string]string{
		"text":   "The Quick Brown Fox",
		"title":  "Daily News",
		"author": "jane",
		"tags":   "tech,go",
	})

	match := func(t *testing.T, p domain.Predicate) bool {
		t.Helper()
		ok, err := eng.match(&p, item)
		require.NoError(t, err)
		return ok
	}

	t.Run("contains is case-insensitive", func(t *testing.T) {
		assert.True(t, match(t, domain.Predicate{Field: "text", Op: domain.OpContains, Value: "quick brown"}))
		assert.False(t, match(t, domain.Predicate{Field: "text", Op: domain.OpContains, Value: "lazy dog"}))
	})

	t.Run("equals is case-insensitive", func(t *testing.T) {
		assert.True(t, match(t, domain.Predicate{Field: "title", Op: domain.OpEquals, Value: "daily news"}))
		assert.False(t, match(t, domain.Predicate{Field: "title", Op: domain.OpEquals, Value: "daily"}))
	})

	t.Run("prefix", func(t *testing.T) {
		assert.True(t, match(t, domain.Predicate{Field: "title", Op: domain.OpPrefix, Value: "daily"}))
		assert.False(t, match(t, domain.Predicate{Field: "title", Op: domain.OpPrefix, Value: "news"}))
	})

	t.Run("matches uses regex", func(t *testing.T) {
		assert.True(t, match(t, domain.Predicate{Field: "tags", Op: domain.OpMatches, Value: `(^|,)go(,|$)`}))
		assert.False(t, match(t, domain.Predicate{Field: "tags", Op: domain.OpMatches, Value: `(^|,)rust(,|$)`}))
	})

	t.Run("source is addressable", func(t *testing.T) {
		assert.True(t, match(t, domain.Predicate{Field: "source", Op: domain.OpEquals, Value: "example.com"}))
	})

	t.Run("absent field never matches contains", func(t *testing.T) {
		bare := testItem(map[string]string{"text": "body only"})
		p := domain.Predicate{Field: "author", Op: domain.OpContains, Value: "jane"}
		ok, err := eng.match(&p, bare)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown field surfaces an error", func(t *testing.T) {
		p := domain.Predicate{Field: "bogus", Op: domain.OpContains, Value: "x"}
		_, err := eng.match(&p, item)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown field")
	})

	t.Run("all requires every part", func(t *testing.T) {
		assert.True(t, match(t, domain.Predicate{All: []domain.Predicate{
			{Field: "author", Op: domain.OpEquals, Value: "jane"},
			{Field: "tags", Op: domain.OpContains, Value: "tech"},
		}}))
		assert.False(t, match(t, domain.Predicate{All: []domain.Predicate{
			{Field: "author", Op: domain.OpEquals, Value: "jane"},
			{Field: "tags", Op: domain.OpContains, Value: "cooking"},
		}}))
	})

	t.Run("any requires one part", func(t *testing.T) {
		assert.True(t, match(t, domain.Predicate{Any: []domain.Predicate{
			{Field: "author", Op: domain.OpEquals, Value: "bob"},
			{Field: "tags", Op: domain.OpContains, Value: "tech"},
		}}))
		assert.False(t, match(t, domain.Predicate{Any: []domain.Predicate{
			{Field: "author", Op: domain.OpEquals, Value: "bob"},
			{Field: "tags", Op: domain.OpContains, Value: "cooking"},
		}}))
	})

	t.Run("bad regex surfaces an error", func(t *testing.T) {
		p := domain.Predicate{Field: "text", Op: domain.OpMatches, Value: "[unclosed"}
		_, err := eng.match(&p, item)
		require.Error(t, err)
	})
}
