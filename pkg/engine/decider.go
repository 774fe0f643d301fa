package engine

import (
	"context"
	"fmt"

	"github.com/go-pkgz/lgr"

	"github.com/fnakasako/illunis/pkg/domain"
)

// Decider evaluates single items against the active rule set and persists
// the resulting decisions. It is the online counterpart of the batch
// Reevaluator: ingestion paths call it once per new item.
type Decider struct {
	engine    *Engine
	rules     RuleStore
	decisions DecisionStore
}

// NewDecider creates a single-item decision service
func NewDecider(engine *Engine, rules RuleStore, decisions DecisionStore) *Decider {
	return &Decider{engine: engine, rules: rules, decisions: decisions}
}

// Decide evaluates one item against the current rule set and stores the
// decision. Diagnostics from invalid rules are logged, never fatal.
func (d *Decider) Decide(ctx context.Context, item *domain.ContentItem) (domain.FilterDecision, error) {
	set, err := d.rules.GetActiveSet(ctx)
	if err != nil {
		return domain.FilterDecision{}, fmt.Errorf("load rule set: %w", err)
	}

	decision, diags := d.engine.Evaluate(item, set)
	for _, diag := range diags {
		lgr.Printf("[WARN] rule diagnostic: %s", diag.String())
	}

	if err := d.decisions.SaveBatch(ctx, []domain.FilterDecision{decision}); err != nil {
		return domain.FilterDecision{}, fmt.Errorf("save decision: %w", err)
	}
	return decision, nil
}
