package feed

import (
	"context"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/fnakasako/illunis/pkg/domain"
)

// ItemSink is where normalized items land, the core's ingestion surface
type ItemSink interface {
	Upsert(ctx context.Context, item *domain.ContentItem) error
}

// Evaluator decides visibility for freshly ingested items
type Evaluator interface {
	Decide(ctx context.Context, item *domain.ContentItem) (domain.FilterDecision, error)
}

// Ingestor polls configured feeds and pushes normalized items through the
// core: upsert, then evaluate. Runs until its context is cancelled.
type Ingestor struct {
	parser    *Parser
	sink      ItemSink
	evaluator Evaluator
	feeds     []string
	interval  time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewIngestor creates a feed ingestor
func NewIngestor(parser *Parser, sink ItemSink, evaluator Evaluator, feeds []string, interval time.Duration) *Ingestor {
	if interval == 0 {
		interval = 30 * time.Minute
	}
	return &Ingestor{parser: parser, sink: sink, evaluator: evaluator, feeds: feeds, interval: interval}
}

// Start begins the poll loop; no-op when no feeds are configured
func (g *Ingestor) Start(ctx context.Context) {
	if len(g.feeds) == 0 {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		g.pollAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.pollAll(ctx)
			}
		}
	}()
	lgr.Printf("[INFO] feed ingestor started for %d feeds, every %v", len(g.feeds), g.interval)
}

// Stop gracefully stops the ingestor
func (g *Ingestor) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// pollAll ingests every configured feed once
func (g *Ingestor) pollAll(ctx context.Context) {
	for _, url := range g.feeds {
		if ctx.Err() != nil {
			return
		}
		g.poll(ctx, url)
	}
}

// poll ingests one feed
func (g *Ingestor) poll(ctx context.Context, url string) {
	items, err := g.parser.Parse(ctx, url)
	if err != nil {
		lgr.Printf("[WARN] failed to ingest feed %s: %v", url, err)
		return
	}

	stored := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if err := g.sink.Upsert(ctx, item); err != nil {
			lgr.Printf("[ERROR] failed to store item %s: %v", item.ID, err)
			continue
		}
		if _, err := g.evaluator.Decide(ctx, item); err != nil {
			lgr.Printf("[ERROR] failed to decide item %s: %v", item.ID, err)
			continue
		}
		stored++
	}
	if stored > 0 {
		lgr.Printf("[INFO] ingested %d items from %s", stored, url)
	}
}
