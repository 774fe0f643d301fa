package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/lgr"
	"golang.org/x/sync/errgroup"

	"github.com/fnakasako/illunis/pkg/domain"
)

// RuleStore provides the current rule-set snapshot
type RuleStore interface {
	GetActiveSet(ctx context.Context) (*domain.RuleSet, error)
}

// ItemStore provides items within the re-evaluation horizon
type ItemStore interface {
	GetRecent(ctx context.Context, since time.Time, limit int) ([]*domain.ContentItem, error)
}

// DecisionStore persists decision batches
type DecisionStore interface {
	SaveBatch(ctx context.Context, decisions []domain.FilterDecision) error
}

// ReevalConfig bounds a batch re-evaluation run
type ReevalConfig struct {
	Horizon   time.Duration // how far back items are re-decided
	MaxItems  int           // hard cap on items per run
	Workers   int           // concurrent evaluation workers
	BatchSize int           // decisions per store commit
}

// Reevaluator recomputes decisions for recently seen items after the rule
// set changes. Decisions are recomputed wholesale, not patched, so the
// outcome is deterministic for the new rule-set version.
type Reevaluator struct {
	engine    *Engine
	rules     RuleStore
	items     ItemStore
	decisions DecisionStore
	cfg       ReevalConfig
}

// NewReevaluator creates a re-evaluator over the given stores
func NewReevaluator(eng *Engine, rules RuleStore, items ItemStore, decisions DecisionStore, cfg ReevalConfig) *Reevaluator {
	if cfg.Horizon == 0 {
		cfg.Horizon = 14 * 24 * time.Hour
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = 10000
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &Reevaluator{engine: eng, rules: rules, items: items, decisions: decisions, cfg: cfg}
}

// Run re-evaluates every item within the horizon against the current rule
// set and stores the resulting decisions in batches. Cancellation is
// cooperative: checked between items, a committed batch is never torn.
// Returns the number of items decided.
func (r *Reevaluator) Run(ctx context.Context) (int, error) {
	set, err := r.rules.GetActiveSet(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rule set: %w", err)
	}

	since := time.Now().Add(-r.cfg.Horizon)
	items, err := r.items.GetRecent(ctx, since, r.cfg.MaxItems)
	if err != nil {
		return 0, fmt.Errorf("load items for re-evaluation: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	lgr.Printf("[INFO] re-evaluating %d items against ruleset v%d", len(items), set.Version)

	results := make([]domain.FilterDecision, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for i := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			decision, diags := r.engine.Evaluate(items[i], set)
			for _, d := range diags {
				lgr.Printf("[WARN] evaluation diagnostic: %s", d)
			}
			results[i] = decision
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("re-evaluation cancelled: %w", err)
	}

	// commit in batches; each batch is a single transaction
	saved := 0
	for start := 0; start < len(results); start += r.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			lgr.Printf("[WARN] re-evaluation stopped after %d of %d decisions", saved, len(results))
			return saved, err
		}
		end := min(start+r.cfg.BatchSize, len(results))
		if err := r.decisions.SaveBatch(ctx, results[start:end]); err != nil {
			return saved, fmt.Errorf("save decision batch: %w", err)
		}
		saved = end
	}

	lgr.Printf("[INFO] re-evaluation completed, %d decisions at ruleset v%d", saved, set.Version)
	return saved, nil
}
