package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fnakasako/illunis/pkg/domain"
)

// ItemRepository handles content item database operations
type ItemRepository struct {
	store *store
}

// itemSQL represents a content item for SQL operations
type itemSQL struct {
	ID         string     `db:"id"`
	Source     string     `db:"source"`
	ExternalID string     `db:"external_id"`
	Payload    payloadSQL `db:"payload"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// payloadSQL is a JSON object of normalized item attributes for SQL operations
type payloadSQL map[string]string

// Value implements driver.Valuer for database storage
func (p payloadSQL) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner for database retrieval
func (p *payloadSQL) Scan(value interface{}) error {
	if value == nil {
		*p = payloadSQL{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return json.Unmarshal([]byte("{}"), p)
	}

	return json.Unmarshal(data, p)
}

// Upsert stores a content item. Re-ingestion of the same (source, external id)
// is idempotent: the payload and update timestamp may change, the identity and
// creation timestamp are fixed.
func (r *ItemRepository) Upsert(ctx context.Context, item *domain.ContentItem) error {
	if item.ID == "" {
		item.ID = domain.ContentID(item.Source, item.ExternalID)
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	unlock := r.store.lockKey(item.ID)
	defer unlock()

	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO content_items (id, source, external_id, payload, created_at, updated_at)
			VALUES (:id, :source, :external_id, :payload, :created_at, :updated_at)
			ON CONFLICT (source, external_id) DO UPDATE SET
				payload = excluded.payload,
				updated_at = excluded.updated_at
		`
		if _, err := tx.NamedExecContext(ctx, query, &itemSQL{
			ID:         item.ID,
			Source:     item.Source,
			ExternalID: item.ExternalID,
			Payload:    payloadSQL(item.Payload),
			CreatedAt:  item.CreatedAt.UTC(),
			UpdatedAt:  item.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("upsert content item: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.store.cache.Invalidate(cacheKeyItemPrefix + item.ID)
	return nil
}

// Get retrieves a content item by id, served from the read cache when hot
func (r *ItemRepository) Get(ctx context.Context, id string) (*domain.ContentItem, error) {
	if v, ok := r.store.cache.Get(cacheKeyItemPrefix + id); ok {
		return v.(*domain.ContentItem), nil
	}

	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	var sqlItem itemSQL
	err := r.store.db.GetContext(ctx, &sqlItem, "SELECT * FROM content_items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content item %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get content item: %w", err)
	}

	item := toDomainItem(&sqlItem)
	r.store.cache.Set(cacheKeyItemPrefix+id, item)
	return item, nil
}

// Exists checks whether a content item is stored
func (r *ItemRepository) Exists(ctx context.Context, id string) (bool, error) {
	if _, ok := r.store.cache.Get(cacheKeyItemPrefix + id); ok {
		return true, nil
	}

	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	var exists bool
	err := r.store.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM content_items WHERE id = ?)", id)
	if err != nil {
		return false, fmt.Errorf("check content item exists: %w", err)
	}
	return exists, nil
}

// GetRecent retrieves items created within the horizon, newest first, capped
// at limit. Used by batch re-evaluation after rule-set changes.
func (r *ItemRepository) GetRecent(ctx context.Context, since time.Time, limit int) ([]*domain.ContentItem, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	query := `
		SELECT * FROM content_items
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	var sqlItems []itemSQL
	if err := r.store.db.SelectContext(ctx, &sqlItems, query, since.UTC(), limit); err != nil {
		return nil, fmt.Errorf("get recent content items: %w", err)
	}

	items := make([]*domain.ContentItem, len(sqlItems))
	for i := range sqlItems {
		items[i] = toDomainItem(&sqlItems[i])
	}
	return items, nil
}

// Erase removes an item and, through cascade, its interactions and decisions.
// Only for explicit user-initiated erasure.
func (r *ItemRepository) Erase(ctx context.Context, id string) error {
	unlock := r.store.lockKey(id)
	defer unlock()

	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM content_items WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("erase content item: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("erase rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("content item %s: %w", id, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.store.cache.Invalidate(cacheKeyItemPrefix + id)
	// erased interactions change derived aggregates
	r.store.cache.InvalidatePrefix(cacheKeyBucketPrefix)
	return nil
}

// toDomainItem converts itemSQL to domain.ContentItem
func toDomainItem(sqlItem *itemSQL) *domain.ContentItem {
	return &domain.ContentItem{
		ID:         sqlItem.ID,
		Source:     sqlItem.Source,
		ExternalID: sqlItem.ExternalID,
		Payload:    map[string]string(sqlItem.Payload),
		CreatedAt:  sqlItem.CreatedAt,
		UpdatedAt:  sqlItem.UpdatedAt,
	}
}
