package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fnakasako/illunis/pkg/domain"
)

// InteractionRepository handles the append-only attention log
type InteractionRepository struct {
	store *store
}

// interactionSQL represents an interaction for SQL operations
type interactionSQL struct {
	ID          string    `db:"id"`
	ItemID      string    `db:"item_id"`
	Kind        string    `db:"kind"`
	DurationMs  int64     `db:"duration_ms"`
	Signal      string    `db:"signal"`
	LateArrival bool      `db:"late_arrival"`
	Timestamp   time.Time `db:"timestamp"`
	CreatedAt   time.Time `db:"created_at"`
}

// Append adds an interaction to the log. Writers racing on the same item
// serialize on the item key, so the per-item order equals commit order.
// Interactions referencing an unknown item are rejected as orphans.
func (r *InteractionRepository) Append(ctx context.Context, interaction *domain.Interaction) error {
	if !interaction.Kind.Valid() {
		return fmt.Errorf("unknown interaction kind %q", interaction.Kind)
	}
	if interaction.ID == "" {
		interaction.ID = uuid.NewString()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = time.Now().UTC()
	}
	interaction.CreatedAt = time.Now().UTC()

	unlock := r.store.lockKey(interaction.ItemID)
	defer unlock()

	var subject string
	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &subject,
			"SELECT source FROM content_items WHERE id = ?", interaction.ItemID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %s: %w", interaction.ItemID, domain.ErrOrphanInteraction)
		}
		if err != nil {
			return fmt.Errorf("resolve interaction subject: %w", err)
		}

		query := `
			INSERT INTO interactions (id, item_id, kind, duration_ms, signal, late_arrival, timestamp, created_at)
			VALUES (:id, :item_id, :kind, :duration_ms, :signal, :late_arrival, :timestamp, :created_at)
		`
		if _, err := tx.NamedExecContext(ctx, query, &interactionSQL{
			ID:          interaction.ID,
			ItemID:      interaction.ItemID,
			Kind:        string(interaction.Kind),
			DurationMs:  interaction.DurationMs,
			Signal:      interaction.Signal,
			LateArrival: interaction.LateArrival,
			Timestamp:   interaction.Timestamp.UTC(),
			CreatedAt:   interaction.CreatedAt,
		}); err != nil {
			return fmt.Errorf("append interaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// committed interactions change the subject's derived buckets; cached
	// range sums carry a window suffix, so drop the whole subject prefix
	r.store.cache.InvalidatePrefix(cacheKeyBucketPrefix + subject + ":")
	return nil
}

// ListForItem retrieves the interactions of one item in timestamp order
func (r *InteractionRepository) ListForItem(ctx context.Context, itemID string) ([]*domain.Interaction, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	query := "SELECT * FROM interactions WHERE item_id = ? ORDER BY timestamp, created_at"
	var rows []interactionSQL
	if err := r.store.db.SelectContext(ctx, &rows, query, itemID); err != nil {
		return nil, fmt.Errorf("list interactions for item: %w", err)
	}
	return toDomainInteractions(rows), nil
}

// ListWindow retrieves a subject's interactions within [start, end), oldest
// first. Used for bucket rebuilds, not for serving range queries.
func (r *InteractionRepository) ListWindow(ctx context.Context, subject string, window domain.Window) ([]*domain.Interaction, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	query := `
		SELECT i.* FROM interactions i
		JOIN content_items c ON i.item_id = c.id
		WHERE c.source = ? AND i.timestamp >= ? AND i.timestamp < ?
		ORDER BY i.timestamp, i.created_at
	`
	var rows []interactionSQL
	if err := r.store.db.SelectContext(ctx, &rows, query, subject, window.Start.UTC(), window.End.UTC()); err != nil {
		return nil, fmt.Errorf("list interactions in window: %w", err)
	}
	return toDomainInteractions(rows), nil
}

// Count returns the total number of stored interactions
func (r *InteractionRepository) Count(ctx context.Context) (int64, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	var count int64
	if err := r.store.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM interactions"); err != nil {
		return 0, fmt.Errorf("count interactions: %w", err)
	}
	return count, nil
}

// Cleanup removes interactions older than the cutoff. Retention only; the
// log is otherwise append-only.
func (r *InteractionRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM interactions WHERE timestamp < ?", olderThan.UTC())
		if err != nil {
			return fmt.Errorf("cleanup interactions: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cleanup rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.store.cache.InvalidatePrefix(cacheKeyBucketPrefix)
	}
	return removed, nil
}

func toDomainInteractions(rows []interactionSQL) []*domain.Interaction {
	out := make([]*domain.Interaction, len(rows))
	for i := range rows {
		out[i] = &domain.Interaction{
			ID:          rows[i].ID,
			ItemID:      rows[i].ItemID,
			Kind:        domain.InteractionKind(rows[i].Kind),
			DurationMs:  rows[i].DurationMs,
			Signal:      rows[i].Signal,
			LateArrival: rows[i].LateArrival,
			Timestamp:   rows[i].Timestamp,
			CreatedAt:   rows[i].CreatedAt,
		}
	}
	return out
}
