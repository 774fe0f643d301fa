// Package scheduler runs the background maintenance of the engine: periodic
// metric bucket refreshes, batch re-evaluation after rule-set changes, and
// retention cleanup. All work is cancellable between per-item units; a
// single committed transaction is never interrupted.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/fnakasako/illunis/pkg/domain"
)

// lastReevalKey is the settings key remembering the newest ruleset version
// whose decisions were already recomputed
const lastReevalKey = "last_reeval_version"

// Aggregator refreshes metric buckets from the interaction log
type Aggregator interface {
	RefreshBuckets(ctx context.Context, subject string, window domain.Window) error
	AlignWindow(window domain.Window) domain.Window
}

// Reevaluator recomputes filter decisions against the current rule set
type Reevaluator interface {
	Run(ctx context.Context) (int, error)
}

// RuleStore exposes the current rule-set version
type RuleStore interface {
	GetActiveSet(ctx context.Context) (*domain.RuleSet, error)
}

// SubjectSource lists subjects with recorded interactions
type SubjectSource interface {
	Subjects(ctx context.Context) ([]string, error)
}

// Retention removes aged rows from a collection
type Retention interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// Settings persists scheduler bookkeeping between restarts
type Settings interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Config holds scheduler configuration
type Config struct {
	AggregateInterval time.Duration // bucket refresh cadence
	ReevalInterval    time.Duration // rule-set change poll cadence
	CleanupInterval   time.Duration // retention cadence
	RetentionDays     int           // interactions and buckets kept this long, 0 disables cleanup
	MaxWorkers        int           // concurrent subject refreshes
}

// Scheduler manages the background workers
type Scheduler struct {
	aggregator   Aggregator
	reevaluator  Reevaluator
	rules        RuleStore
	subjects     SubjectSource
	interactions Retention
	buckets      Retention
	settings     Settings
	cfg          Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a scheduler instance
func New(aggregator Aggregator, reevaluator Reevaluator, rules RuleStore, subjects SubjectSource,
	interactions, buckets Retention, settings Settings, cfg Config) *Scheduler {
	if cfg.AggregateInterval == 0 {
		cfg.AggregateInterval = 5 * time.Minute
	}
	if cfg.ReevalInterval == 0 {
		cfg.ReevalInterval = time.Minute
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 4
	}
	return &Scheduler{
		aggregator:   aggregator,
		reevaluator:  reevaluator,
		rules:        rules,
		subjects:     subjects,
		interactions: interactions,
		buckets:      buckets,
		settings:     settings,
		cfg:          cfg,
	}
}

// Start begins the background workers
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.aggregateWorker(ctx)

	s.wg.Add(1)
	go s.reevalWorker(ctx)

	if s.cfg.RetentionDays > 0 {
		s.wg.Add(1)
		go s.cleanupWorker(ctx)
	}

	lgr.Printf("[INFO] scheduler started, aggregate every %v, reeval poll every %v",
		s.cfg.AggregateInterval, s.cfg.ReevalInterval)
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	lgr.Printf("[INFO] stopping scheduler...")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	lgr.Printf("[INFO] scheduler stopped")
}

// aggregateWorker periodically refreshes metric buckets for all subjects
func (s *Scheduler) aggregateWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AggregateInterval)
	defer ticker.Stop()

	// run immediately on start
	s.refreshAllSubjects(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshAllSubjects(ctx)
		}
	}
}

// refreshAllSubjects recomputes recent buckets for every active subject
func (s *Scheduler) refreshAllSubjects(ctx context.Context) {
	subjects, err := s.subjects.Subjects(ctx)
	if err != nil {
		lgr.Printf("[ERROR] failed to list subjects: %v", err)
		return
	}
	if len(subjects) == 0 {
		return
	}

	// refresh the trailing two aggregate intervals plus a day, enough to
	// pick up late arrivals without rescanning the whole log
	window := s.aggregator.AlignWindow(domain.Window{
		Start: time.Now().Add(-24*time.Hour - 2*s.cfg.AggregateInterval),
		End:   time.Now().Add(s.cfg.AggregateInterval),
	})

	sem := make(chan struct{}, s.cfg.MaxWorkers)
	var wg sync.WaitGroup

	for _, subject := range subjects {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if err := s.aggregator.RefreshBuckets(ctx, subject, window); err != nil {
				lgr.Printf("[ERROR] failed to refresh buckets for %s: %v", subject, err)
			}
		}(subject)
	}

	wg.Wait()
	lgr.Printf("[DEBUG] refreshed buckets for %d subjects", len(subjects))
}

// reevalWorker watches the rule-set version and recomputes decisions when it
// changes. A restart resumes from the persisted last handled version.
func (s *Scheduler) reevalWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReevalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reevalIfChanged(ctx)
		}
	}
}

// reevalIfChanged runs a batch re-evaluation when the rule set moved past
// the last handled version
func (s *Scheduler) reevalIfChanged(ctx context.Context) {
	set, err := s.rules.GetActiveSet(ctx)
	if err != nil {
		lgr.Printf("[ERROR] failed to load rule set: %v", err)
		return
	}

	lastStr, err := s.settings.Get(ctx, lastReevalKey)
	if err != nil {
		lgr.Printf("[ERROR] failed to read last reeval version: %v", err)
		return
	}
	last, _ := strconv.ParseInt(lastStr, 10, 64)
	if set.Version <= last {
		return
	}

	count, err := s.reevaluator.Run(ctx)
	if err != nil {
		lgr.Printf("[WARN] re-evaluation for ruleset v%d incomplete: %v", set.Version, err)
		return
	}

	if err := s.settings.Set(ctx, lastReevalKey, strconv.FormatInt(set.Version, 10)); err != nil {
		lgr.Printf("[ERROR] failed to store last reeval version: %v", err)
		return
	}
	lgr.Printf("[INFO] ruleset v%d re-evaluation done, %d decisions", set.Version, count)
}

// cleanupWorker periodically removes aged interactions and buckets
func (s *Scheduler) cleanupWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

// runCleanup applies the retention policy to the log and bucket cache
func (s *Scheduler) runCleanup(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	removed, err := s.interactions.Cleanup(ctx, cutoff)
	if err != nil {
		lgr.Printf("[ERROR] interaction cleanup failed: %v", err)
		return
	}

	bucketsRemoved, err := s.buckets.Cleanup(ctx, cutoff)
	if err != nil {
		lgr.Printf("[ERROR] bucket cleanup failed: %v", err)
		return
	}

	if removed > 0 || bucketsRemoved > 0 {
		lgr.Printf("[INFO] cleanup removed %d interactions, %d buckets older than %s",
			removed, bucketsRemoved, cutoff.Format(time.DateOnly))
	}
}

// ReevalNow triggers an immediate re-evaluation check
func (s *Scheduler) ReevalNow(ctx context.Context) {
	s.reevalIfChanged(ctx)
}
