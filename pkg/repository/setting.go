package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SettingRepository handles engine bookkeeping key/values (the rule-set
// version counter lives here, bumped transactionally by rule writes)
type SettingRepository struct {
	store *store
}

// Get retrieves a setting value, empty string when unset
func (r *SettingRepository) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	var value string
	err := r.store.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// Set stores a setting value
func (r *SettingRepository) Set(ctx context.Context, key, value string) error {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	query := `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := r.store.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
