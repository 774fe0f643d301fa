package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fnakasako/illunis/pkg/domain"
)

// rulesetVersionKey is the settings key holding the global rule-set version.
// Any rule change bumps it in the same transaction, so the new rule set and
// the new version are published atomically.
const rulesetVersionKey = "ruleset_version"

// RuleRepository handles versioned rule database operations
type RuleRepository struct {
	store *store
}

// ruleSQL represents a rule version for SQL operations
type ruleSQL struct {
	ID        int64        `db:"id"`
	Version   int64        `db:"version"`
	Name      string       `db:"name"`
	Predicate predicateSQL `db:"predicate"`
	Action    string       `db:"action"`
	Weight    float64      `db:"weight"`
	Priority  int          `db:"priority"`
	Enabled   bool         `db:"enabled"`
	Deleted   bool         `db:"deleted"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

// predicateSQL stores a predicate tree as a JSON column. A wrapper struct
// rather than a named predicate type: the predicate's own Value field would
// collide with the driver.Valuer method.
type predicateSQL struct {
	tree domain.Predicate
}

// Value implements driver.Valuer for database storage
func (p predicateSQL) Value() (driver.Value, error) {
	return json.Marshal(p.tree)
}

// Scan implements sql.Scanner for database retrieval
func (p *predicateSQL) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		p.tree = domain.Predicate{}
		return nil
	default:
		return fmt.Errorf("unsupported predicate column type %T", value)
	}
	return json.Unmarshal(data, &p.tree)
}

// Create validates and stores a new rule as version 1 and bumps the global
// rule-set version. The assigned id is written back into the rule.
func (r *RuleRepository) Create(ctx context.Context, rule *domain.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	unlock := r.store.lockKey("rules")
	defer unlock()

	now := time.Now().UTC()
	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		var maxID sql.NullInt64
		if err := tx.GetContext(ctx, &maxID, "SELECT MAX(id) FROM rules"); err != nil {
			return fmt.Errorf("next rule id: %w", err)
		}
		rule.ID = maxID.Int64 + 1
		rule.Version = 1
		rule.CreatedAt = now
		rule.UpdatedAt = now

		if err := insertRuleVersion(ctx, tx, rule); err != nil {
			return err
		}
		return bumpRulesetVersion(ctx, tx)
	})
	if err != nil {
		return err
	}

	r.store.cache.Invalidate(cacheKeyRuleSet)
	return nil
}

// Update validates and stores a new version of an existing rule; prior
// versions are retained for audit.
func (r *RuleRepository) Update(ctx context.Context, rule *domain.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	unlock := r.store.lockKey("rules")
	defer unlock()

	now := time.Now().UTC()
	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		current, err := latestRuleVersion(ctx, tx, rule.ID)
		if err != nil {
			return err
		}
		rule.Version = current.Version + 1
		rule.CreatedAt = current.CreatedAt
		rule.UpdatedAt = now

		if err := insertRuleVersion(ctx, tx, rule); err != nil {
			return err
		}
		return bumpRulesetVersion(ctx, tx)
	})
	if err != nil {
		return err
	}

	r.store.cache.Invalidate(cacheKeyRuleSet)
	return nil
}

// SetEnabled stores a new version toggling the enabled flag
func (r *RuleRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return r.amend(ctx, id, func(rule *domain.Rule) { rule.Enabled = enabled })
}

// Delete marks the rule deleted with a tombstone version; history stays
func (r *RuleRepository) Delete(ctx context.Context, id int64) error {
	return r.amend(ctx, id, func(rule *domain.Rule) { rule.Deleted = true })
}

// amend writes a new version derived from the latest one
func (r *RuleRepository) amend(ctx context.Context, id int64, change func(*domain.Rule)) error {
	unlock := r.store.lockKey("rules")
	defer unlock()

	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		current, err := latestRuleVersion(ctx, tx, id)
		if err != nil {
			return err
		}
		rule := toDomainRule(current)
		change(rule)
		rule.Version = current.Version + 1
		rule.UpdatedAt = time.Now().UTC()

		if err := insertRuleVersion(ctx, tx, rule); err != nil {
			return err
		}
		return bumpRulesetVersion(ctx, tx)
	})
	if err != nil {
		return err
	}

	r.store.cache.Invalidate(cacheKeyRuleSet)
	return nil
}

// Get retrieves the latest version of a rule
func (r *RuleRepository) Get(ctx context.Context, id int64) (*domain.Rule, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	var sqlRule ruleSQL
	query := "SELECT * FROM rules WHERE id = ? ORDER BY version DESC LIMIT 1"
	err := r.store.db.GetContext(ctx, &sqlRule, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return toDomainRule(&sqlRule), nil
}

// GetVersions retrieves the full audit history of a rule, oldest first
func (r *RuleRepository) GetVersions(ctx context.Context, id int64) ([]*domain.Rule, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	var sqlRules []ruleSQL
	query := "SELECT * FROM rules WHERE id = ? ORDER BY version"
	if err := r.store.db.SelectContext(ctx, &sqlRules, query, id); err != nil {
		return nil, fmt.Errorf("get rule versions: %w", err)
	}
	if len(sqlRules) == 0 {
		return nil, fmt.Errorf("rule %d: %w", id, domain.ErrNotFound)
	}

	rules := make([]*domain.Rule, len(sqlRules))
	for i := range sqlRules {
		rules[i] = toDomainRule(&sqlRules[i])
	}
	return rules, nil
}

// GetActiveSet returns the current rule-set snapshot: the latest version of
// every non-deleted rule, ordered by priority descending with ties broken by
// id ascending. The snapshot is cached until the next rule commit.
func (r *RuleRepository) GetActiveSet(ctx context.Context) (*domain.RuleSet, error) {
	if v, ok := r.store.cache.Get(cacheKeyRuleSet); ok {
		return v.(*domain.RuleSet), nil
	}

	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	query := `
		SELECT r.* FROM rules r
		JOIN (SELECT id, MAX(version) AS version FROM rules GROUP BY id) latest
			ON r.id = latest.id AND r.version = latest.version
		WHERE r.deleted = 0
	`
	var sqlRules []ruleSQL
	if err := r.store.db.SelectContext(ctx, &sqlRules, query); err != nil {
		return nil, fmt.Errorf("get active rules: %w", err)
	}

	version, err := r.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	rules := make([]domain.Rule, len(sqlRules))
	for i := range sqlRules {
		rules[i] = *toDomainRule(&sqlRules[i])
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	set := &domain.RuleSet{Version: version, Rules: rules}
	r.store.cache.Set(cacheKeyRuleSet, set)
	return set, nil
}

// currentVersion reads the global rule-set version, 0 when no rule was ever written
func (r *RuleRepository) currentVersion(ctx context.Context) (int64, error) {
	var value string
	err := r.store.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", rulesetVersionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get ruleset version: %w", err)
	}
	version, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ruleset version: %w", err)
	}
	return version, nil
}

func insertRuleVersion(ctx context.Context, tx *sqlx.Tx, rule *domain.Rule) error {
	query := `
		INSERT INTO rules (id, version, name, predicate, action, weight, priority, enabled, deleted, created_at, updated_at)
		VALUES (:id, :version, :name, :predicate, :action, :weight, :priority, :enabled, :deleted, :created_at, :updated_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, &ruleSQL{
		ID:        rule.ID,
		Version:   rule.Version,
		Name:      rule.Name,
		Predicate: predicateSQL{tree: rule.Predicate},
		Action:    string(rule.Action),
		Weight:    rule.Weight,
		Priority:  rule.Priority,
		Enabled:   rule.Enabled,
		Deleted:   rule.Deleted,
		CreatedAt: rule.CreatedAt,
		UpdatedAt: rule.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("insert rule version: %w", err)
	}
	return nil
}

func latestRuleVersion(ctx context.Context, tx *sqlx.Tx, id int64) (*ruleSQL, error) {
	var sqlRule ruleSQL
	query := "SELECT * FROM rules WHERE id = ? ORDER BY version DESC LIMIT 1"
	err := tx.GetContext(ctx, &sqlRule, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest rule version: %w", err)
	}
	return &sqlRule, nil
}

func bumpRulesetVersion(ctx context.Context, tx *sqlx.Tx) error {
	query := `
		INSERT INTO settings (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
	`
	if _, err := tx.ExecContext(ctx, query, rulesetVersionKey); err != nil {
		return fmt.Errorf("bump ruleset version: %w", err)
	}
	return nil
}

// toDomainRule converts ruleSQL to domain.Rule
func toDomainRule(sqlRule *ruleSQL) *domain.Rule {
	return &domain.Rule{
		ID:        sqlRule.ID,
		Version:   sqlRule.Version,
		Name:      sqlRule.Name,
		Predicate: sqlRule.Predicate.tree,
		Action:    domain.Action(sqlRule.Action),
		Weight:    sqlRule.Weight,
		Priority:  sqlRule.Priority,
		Enabled:   sqlRule.Enabled,
		Deleted:   sqlRule.Deleted,
		CreatedAt: sqlRule.CreatedAt,
		UpdatedAt: sqlRule.UpdatedAt,
	}
}
