package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fnakasako/illunis/pkg/domain"
)

// DecisionRepository handles filter decision database operations
type DecisionRepository struct {
	store *store
}

// decisionSQL represents a filter decision for SQL operations
type decisionSQL struct {
	ItemID         string    `db:"item_id"`
	RuleID         int64     `db:"rule_id"`
	Action         string    `db:"action"`
	Weight         float64   `db:"weight"`
	RulesetVersion int64     `db:"ruleset_version"`
	EvaluatedAt    time.Time `db:"evaluated_at"`
}

// SaveBatch stores a batch of decisions in one transaction. A decision
// replaces any earlier one for the same (item, ruleset version), keeping
// exactly one current decision per item per version.
func (r *DecisionRepository) SaveBatch(ctx context.Context, decisions []domain.FilterDecision) error {
	if len(decisions) == 0 {
		return nil
	}

	return r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO decisions (item_id, rule_id, action, weight, ruleset_version, evaluated_at)
			VALUES (:item_id, :rule_id, :action, :weight, :ruleset_version, :evaluated_at)
			ON CONFLICT (item_id, ruleset_version) DO UPDATE SET
				rule_id = excluded.rule_id,
				action = excluded.action,
				weight = excluded.weight,
				evaluated_at = excluded.evaluated_at
		`
		for i := range decisions {
			d := &decisions[i]
			if _, err := tx.NamedExecContext(ctx, query, &decisionSQL{
				ItemID:         d.ItemID,
				RuleID:         d.RuleID,
				Action:         string(d.Action),
				Weight:         d.Weight,
				RulesetVersion: d.RulesetVersion,
				EvaluatedAt:    d.EvaluatedAt.UTC(),
			}); err != nil {
				return fmt.Errorf("save decision for %s: %w", d.ItemID, err)
			}
		}
		return nil
	})
}

// GetCurrent retrieves the item's decision under the newest ruleset version
// it was evaluated against
func (r *DecisionRepository) GetCurrent(ctx context.Context, itemID string) (*domain.FilterDecision, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	var row decisionSQL
	query := "SELECT * FROM decisions WHERE item_id = ? ORDER BY ruleset_version DESC LIMIT 1"
	err := r.store.db.GetContext(ctx, &row, query, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision for %s: %w", itemID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get current decision: %w", err)
	}
	return toDomainDecision(&row), nil
}

// ListByVersion retrieves decisions produced under one ruleset version,
// newest evaluation first
func (r *DecisionRepository) ListByVersion(ctx context.Context, version int64, limit int) ([]*domain.FilterDecision, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	query := `
		SELECT * FROM decisions
		WHERE ruleset_version = ?
		ORDER BY evaluated_at DESC
		LIMIT ?
	`
	var rows []decisionSQL
	if err := r.store.db.SelectContext(ctx, &rows, query, version, limit); err != nil {
		return nil, fmt.Errorf("list decisions by version: %w", err)
	}

	out := make([]*domain.FilterDecision, len(rows))
	for i := range rows {
		out[i] = toDomainDecision(&rows[i])
	}
	return out, nil
}

// PruneBefore drops decisions of ruleset versions older than keepVersion.
// Superseded decisions are recomputable, only the current set matters.
func (r *DecisionRepository) PruneBefore(ctx context.Context, keepVersion int64) (int64, error) {
	var removed int64
	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM decisions WHERE ruleset_version < ?", keepVersion)
		if err != nil {
			return fmt.Errorf("prune decisions: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return nil
	})
	return removed, err
}

func toDomainDecision(row *decisionSQL) *domain.FilterDecision {
	return &domain.FilterDecision{
		ItemID:         row.ItemID,
		RuleID:         row.RuleID,
		Action:         domain.Action(row.Action),
		Weight:         row.Weight,
		RulesetVersion: row.RulesetVersion,
		EvaluatedAt:    row.EvaluatedAt,
	}
}
