package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/fnakasako/illunis/pkg/config"
	"github.com/fnakasako/illunis/pkg/domain"
	"github.com/fnakasako/illunis/pkg/engine"
	"github.com/fnakasako/illunis/pkg/exchange"
	"github.com/fnakasako/illunis/pkg/feed"
	"github.com/fnakasako/illunis/pkg/ledger"
	"github.com/fnakasako/illunis/pkg/repository"
	"github.com/fnakasako/illunis/pkg/scheduler"
	"github.com/fnakasako/illunis/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"c" long:"config" env:"CONFIG" description:"config file path"`
	Listen string `short:"l" long:"listen" env:"LISTEN" description:"listen address, overrides config"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	setupLog(opts.Debug)

	log.Printf("[INFO] starting illunis version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	if err := run(ctx, opts); err != nil {
		cancel()
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
	cancel()

	log.Print("[INFO] shutdown complete")
}

// run wires all components and blocks until the context is cancelled
func run(ctx context.Context, opts Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repos, err := repository.NewRepositories(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		OpTimeout:       cfg.Database.OpTimeout,
		CacheSize:       cfg.Database.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("init repositories: %w", err)
	}
	defer func() {
		if err := repos.Close(); err != nil {
			log.Printf("[WARN] failed to close repositories: %v", err)
		}
	}()

	led := ledger.New(repos.Interaction, repos.Bucket, ledger.Config{
		BucketSize: cfg.Ledger.BucketSize,
		Debounce:   cfg.Ledger.Debounce,
	})

	// rebuild metric buckets from the interaction log so derived state is
	// consistent after an unclean shutdown
	recoveryWindow := led.AlignWindow(domain.Window{
		Start: time.Now().Add(-cfg.Engine.ReevalHorizon),
		End:   time.Now().Add(cfg.Ledger.BucketSize),
	})
	if err := led.RebuildAll(ctx, recoveryWindow); err != nil {
		return fmt.Errorf("rebuild metric buckets: %w", err)
	}

	eng := engine.New()
	decider := engine.NewDecider(eng, repos.Rule, repos.Decision)
	reeval := engine.NewReevaluator(eng, repos.Rule, repos.Item, repos.Decision, engine.ReevalConfig{
		Horizon:   cfg.Engine.ReevalHorizon,
		MaxItems:  cfg.Engine.ReevalMaxItems,
		Workers:   cfg.Engine.Workers,
		BatchSize: cfg.Engine.BatchSize,
	})

	exch := exchange.New(led, exchange.Config{
		TrustWeights: cfg.Exchange.TrustWeights,
		DefaultTrust: cfg.Exchange.DefaultTrust,
		RefDwellMs:   cfg.Exchange.RefDwellMs,
	})

	sched := scheduler.New(led, reeval, repos.Rule, repos.Bucket,
		repos.Interaction, repos.Bucket, repos.Setting, scheduler.Config{
			AggregateInterval: cfg.Schedule.AggregateInterval,
			ReevalInterval:    cfg.Schedule.ReevalInterval,
			CleanupInterval:   cfg.Schedule.CleanupInterval,
			RetentionDays:     cfg.Schedule.RetentionDays,
			MaxWorkers:        cfg.Schedule.MaxWorkers,
		})
	sched.Start(ctx)
	defer sched.Stop()

	if len(cfg.Ingest.Feeds) > 0 {
		ingestor := feed.NewIngestor(
			feed.NewParser(cfg.Ingest.Timeout, cfg.Ingest.UserAgent),
			repos.Item, decider, cfg.Ingest.Feeds, cfg.Ingest.Interval)
		ingestor.Start(ctx)
		defer ingestor.Stop()
	}

	srv := server.New(cfg, repos.Rule, repos.Item, repos.Decision, led, exch, decider, sched,
		revision, opts.Debug)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// loadConfig reads the config file or falls back to defaults, then applies
// CLI overrides
func loadConfig(opts Opts) (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	return cfg, nil
}

func setupLog(dbg bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	if len(secs) > 0 {
		logOpts = append(logOpts, lgr.Secret(secs...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
