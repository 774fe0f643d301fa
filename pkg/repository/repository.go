package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/fnakasako/illunis/pkg/domain"
)

//go:embed schema.sql
var schemaFS embed.FS

// Config represents database configuration
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	OpTimeout       time.Duration // bound on any single store operation
	CacheSize       int           // entries in the read cache
}

// Repositories contains all repository instances sharing one database
// connection, read cache and per-key write serialization.
type Repositories struct {
	Rule        *RuleRepository
	Item        *ItemRepository
	Interaction *InteractionRepository
	Decision    *DecisionRepository
	Bucket      *BucketRepository
	Setting     *SettingRepository
	DB          *sqlx.DB

	store *store
}

// store is the shared state behind all repositories
type store struct {
	db        *sqlx.DB
	cache     *Cache
	locks     keyedLocks
	opTimeout time.Duration
}

// NewRepositories creates all repositories with a shared database connection
func NewRepositories(ctx context.Context, cfg Config) (*Repositories, error) {
	if cfg.DSN == "" {
		cfg.DSN = "file:illunis.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 1024
	}

	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// enable foreign keys
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// optimize SQLite settings
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000", // 5 second timeout for locks
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	// initialize schema
	if err := initSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	cache, err := NewCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	st := &store{db: db, cache: cache, opTimeout: cfg.OpTimeout}

	repos := &Repositories{
		Rule:        &RuleRepository{store: st},
		Item:        &ItemRepository{store: st},
		Interaction: &InteractionRepository{store: st},
		Decision:    &DecisionRepository{store: st},
		Bucket:      &BucketRepository{store: st},
		Setting:     &SettingRepository{store: st},
		DB:          db,
		store:       st,
	}

	return repos, nil
}

// Close closes the database connection
func (r *Repositories) Close() error {
	return r.DB.Close()
}

// Ping verifies the database connection
func (r *Repositories) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

// Cache exposes the shared read cache, mainly for tests and recovery checks
func (r *Repositories) Cache() *Cache {
	return r.store.cache
}

// initSchema creates tables if they don't exist
func initSchema(ctx context.Context, db *sqlx.DB) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	return nil
}

// opCtx bounds a store operation's wait; on expiry the operation fails with
// a retryable error instead of blocking indefinitely.
func (s *store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// inTx runs fn inside a transaction, retrying the whole transaction on
// SQLite busy/lock errors with bounded backoff. The batch fully commits or
// fully rolls back; concurrent readers never observe intermediate state.
func (s *store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	err := retrier.Do(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("begin transaction: %w", err)}
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			if isLockError(err) {
				return err
			}
			return &criticalError{err: err}
		}

		if err := tx.Commit(); err != nil {
			if isLockError(err) {
				return err
			}
			return &criticalError{err: fmt.Errorf("commit transaction: %w", err)}
		}
		return nil
	})

	var ce *criticalError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce.err
	case isLockError(err):
		// retries exhausted on a live lock, surfaced as retryable conflict
		return fmt.Errorf("%w: %v", domain.ErrStoreConflict, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: operation timed out", domain.ErrStoreIO)
	default:
		return fmt.Errorf("%w: %v", domain.ErrStoreIO, err)
	}
}

// lockKey serializes writers to the same entity key; writers to disjoint
// keys proceed on independent shards.
func (s *store) lockKey(key string) func() {
	return s.locks.lock(key)
}

// keyedLocks is a fixed shard set of mutexes hashed by entity key
type keyedLocks struct {
	shards [64]sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.shards[h.Sum32()%uint32(len(k.shards))]
	m.Lock()
	return m.Unlock
}

// criticalError wraps an error to signal repeater to stop retrying
type criticalError struct {
	err error
}

func (e *criticalError) Error() string {
	return e.err.Error()
}

// isLockError checks if an error is a SQLite lock/busy error
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}
