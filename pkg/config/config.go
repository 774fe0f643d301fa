package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Server configuration"`

	Database struct {
		DSN             string        `yaml:"dsn" json:"dsn" jsonschema:"default=file:illunis.db?cache=shared&mode=rwc,description=Database connection string"`
		MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int           `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
		OpTimeout       time.Duration `yaml:"op_timeout" json:"op_timeout" jsonschema:"default=10s,description=Bound on any single store operation"`
		CacheSize       int           `yaml:"cache_size" json:"cache_size" jsonschema:"default=1024,description=Entries in the bounded read cache"`
	} `yaml:"database" json:"database" jsonschema:"description=Database configuration"`

	Engine EngineConfig `yaml:"engine" json:"engine" jsonschema:"description=Rule engine configuration"`

	Ledger LedgerConfig `yaml:"ledger" json:"ledger" jsonschema:"description=Attention ledger configuration"`

	Exchange ExchangeConfig `yaml:"exchange" json:"exchange" jsonschema:"description=Reputation exchange configuration"`

	Schedule ScheduleConfig `yaml:"schedule" json:"schedule" jsonschema:"description=Background scheduler configuration"`

	Ingest IngestConfig `yaml:"ingest" json:"ingest" jsonschema:"description=Sample feed adapter configuration"`
}

// EngineConfig holds rule evaluation settings
type EngineConfig struct {
	ReevalHorizon  time.Duration `yaml:"reeval_horizon" json:"reeval_horizon" jsonschema:"default=336h,description=How far back items are re-decided after a rule change"`
	ReevalMaxItems int           `yaml:"reeval_max_items" json:"reeval_max_items" jsonschema:"default=10000,description=Hard cap on items per re-evaluation run"`
	Workers        int           `yaml:"workers" json:"workers" jsonschema:"default=4,description=Concurrent evaluation workers"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size" jsonschema:"default=100,minimum=1,description=Decisions per store commit"`
}

// LedgerConfig holds attention tracking settings
type LedgerConfig struct {
	BucketSize time.Duration `yaml:"bucket_size" json:"bucket_size" jsonschema:"default=24h,description=Fixed metric aggregation bucket size"`
	Debounce   time.Duration `yaml:"debounce" json:"debounce" jsonschema:"default=1s,description=Exposure coalescing interval"`
}

// ExchangeConfig holds reputation exchange settings
type ExchangeConfig struct {
	DefaultTrust float64            `yaml:"default_trust" json:"default_trust" jsonschema:"default=0.5,minimum=0,maximum=1,description=Trust weight for unknown peers"`
	TrustWeights map[string]float64 `yaml:"trust_weights" json:"trust_weights" jsonschema:"description=Per-peer trust weights"`
	RefDwellMs   int64              `yaml:"ref_dwell_ms" json:"ref_dwell_ms" jsonschema:"default=30000,description=Dwell per exposure treated as full engagement"`
}

// ScheduleConfig holds background worker settings
type ScheduleConfig struct {
	AggregateInterval time.Duration `yaml:"aggregate_interval" json:"aggregate_interval" jsonschema:"default=5m,description=Metric bucket refresh cadence"`
	ReevalInterval    time.Duration `yaml:"reeval_interval" json:"reeval_interval" jsonschema:"default=1m,description=Rule-set change poll cadence"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" jsonschema:"default=24h,description=Retention cleanup cadence"`
	RetentionDays     int           `yaml:"retention_days" json:"retention_days" jsonschema:"default=0,description=Days of interactions kept; 0 keeps everything"`
	MaxWorkers        int           `yaml:"max_workers" json:"max_workers" jsonschema:"default=4,description=Maximum concurrent workers"`
}

// IngestConfig holds the sample RSS adapter settings
type IngestConfig struct {
	Feeds     []string      `yaml:"feeds" json:"feeds" jsonschema:"description=Feed URLs to ingest"`
	Interval  time.Duration `yaml:"interval" json:"interval" jsonschema:"default=30m,description=Feed poll interval"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=Fetch timeout per feed"`
	UserAgent string        `yaml:"user_agent" json:"user_agent" jsonschema:"default=Illunis/1.0,description=User agent for HTTP requests"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is given
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 30 * time.Second
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "file:illunis.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.OpTimeout == 0 {
		c.Database.OpTimeout = 10 * time.Second
	}
	if c.Database.CacheSize == 0 {
		c.Database.CacheSize = 1024
	}

	if c.Engine.ReevalHorizon == 0 {
		c.Engine.ReevalHorizon = 14 * 24 * time.Hour
	}
	if c.Engine.ReevalMaxItems == 0 {
		c.Engine.ReevalMaxItems = 10000
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 100
	}

	if c.Ledger.BucketSize == 0 {
		c.Ledger.BucketSize = 24 * time.Hour
	}
	if c.Ledger.Debounce == 0 {
		c.Ledger.Debounce = time.Second
	}

	if c.Exchange.DefaultTrust == 0 {
		c.Exchange.DefaultTrust = 0.5
	}
	if c.Exchange.RefDwellMs == 0 {
		c.Exchange.RefDwellMs = 30000
	}

	if c.Schedule.AggregateInterval == 0 {
		c.Schedule.AggregateInterval = 5 * time.Minute
	}
	if c.Schedule.ReevalInterval == 0 {
		c.Schedule.ReevalInterval = time.Minute
	}
	if c.Schedule.CleanupInterval == 0 {
		c.Schedule.CleanupInterval = 24 * time.Hour
	}
	if c.Schedule.MaxWorkers == 0 {
		c.Schedule.MaxWorkers = 4
	}

	if c.Ingest.Interval == 0 {
		c.Ingest.Interval = 30 * time.Minute
	}
	if c.Ingest.Timeout == 0 {
		c.Ingest.Timeout = 30 * time.Second
	}
	if c.Ingest.UserAgent == "" {
		c.Ingest.UserAgent = "Illunis/1.0"
	}
}

// validate checks configuration for correctness
func validate(cfg *Config) error {
	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}
	if cfg.Ledger.BucketSize < time.Minute {
		return fmt.Errorf("ledger.bucket_size must be at least 1 minute")
	}
	if cfg.Ledger.Debounce <= 0 {
		return fmt.Errorf("ledger.debounce must be positive")
	}
	if cfg.Exchange.DefaultTrust < 0 || cfg.Exchange.DefaultTrust > 1 {
		return fmt.Errorf("exchange.default_trust must be between 0 and 1")
	}
	for peer, w := range cfg.Exchange.TrustWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("exchange.trust_weights[%s] must be between 0 and 1", peer)
		}
	}
	if cfg.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batch_size must be at least 1")
	}
	if cfg.Schedule.RetentionDays < 0 {
		return fmt.Errorf("schedule.retention_days must be non-negative")
	}
	return nil
}

// GetServerConfig returns server configuration
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}
