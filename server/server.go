// Package server exposes the engine over HTTP: rule management, item
// ingestion, interaction recording, metric queries and the reputation
// exchange endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/fnakasako/illunis/pkg/domain"
)

// Server represents HTTP server instance
type Server struct {
	config     ConfigProvider
	rules      RuleStore
	items      ItemStore
	decisions  DecisionStore
	ledger     AttentionLedger
	reputation Reputation
	decider    Decider
	scheduler  Scheduler
	version    string
	debug      bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// RuleStore manages the versioned rule collection
type RuleStore interface {
	Create(ctx context.Context, rule *domain.Rule) error
	Update(ctx context.Context, rule *domain.Rule) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*domain.Rule, error)
	GetVersions(ctx context.Context, id int64) ([]*domain.Rule, error)
	GetActiveSet(ctx context.Context) (*domain.RuleSet, error)
}

// ItemStore manages content items
type ItemStore interface {
	Upsert(ctx context.Context, item *domain.ContentItem) error
	Get(ctx context.Context, id string) (*domain.ContentItem, error)
	Erase(ctx context.Context, id string) error
}

// DecisionStore reads persisted filter decisions
type DecisionStore interface {
	GetCurrent(ctx context.Context, itemID string) (*domain.FilterDecision, error)
	ListByVersion(ctx context.Context, version int64, limit int) ([]*domain.FilterDecision, error)
}

// AttentionLedger records interactions and serves metric aggregates
type AttentionLedger interface {
	RecordExposure(ctx context.Context, itemID string) (bool, error)
	RecordInteraction(ctx context.Context, itemID string, kind domain.InteractionKind,
		ts time.Time, durationMs int64, signal string) (*domain.Interaction, error)
	Aggregate(ctx context.Context, subject string, window domain.Window) (*domain.Metric, error)
	AlignWindow(window domain.Window) domain.Window
}

// Reputation publishes local scores and merges peer scores
type Reputation interface {
	Publish(ctx context.Context, subject string, window domain.Window) (*domain.ReputationScore, error)
	Ingest(peer string, score domain.ReputationScore) error
	Merged(subject string) (*domain.ReputationScore, error)
}

// Decider evaluates a single item against the active rule set
type Decider interface {
	Decide(ctx context.Context, item *domain.ContentItem) (domain.FilterDecision, error)
}

// Scheduler interface for on-demand operations
type Scheduler interface {
	ReevalNow(ctx context.Context)
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// New initializes a new server instance
func New(cfg ConfigProvider, rules RuleStore, items ItemStore, decisions DecisionStore,
	ledger AttentionLedger, reputation Reputation, decider Decider, scheduler Scheduler,
	version string, debug bool) *Server {
	s := &Server{
		config:     cfg,
		rules:      rules,
		items:      items,
		decisions:  decisions,
		ledger:     ledger,
		reputation: reputation,
		decider:    decider,
		scheduler:  scheduler,
		version:    version,
		debug:      debug,
		router:     routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	lgr.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		lgr.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			lgr.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// Router returns the configured handler, used by tests
func (s *Server) Router() http.Handler {
	return s.router
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("illunis", "fnakasako", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)

		r.HandleFunc("POST /rules", s.createRuleHandler)
		r.HandleFunc("GET /rules", s.listRulesHandler)
		r.HandleFunc("GET /rules/{id}", s.getRuleHandler)
		r.HandleFunc("PUT /rules/{id}", s.updateRuleHandler)
		r.HandleFunc("DELETE /rules/{id}", s.deleteRuleHandler)
		r.HandleFunc("POST /rules/{id}/enable", s.enableRuleHandler)
		r.HandleFunc("POST /rules/{id}/disable", s.disableRuleHandler)
		r.HandleFunc("GET /rules/{id}/versions", s.ruleVersionsHandler)

		r.HandleFunc("POST /items", s.ingestItemHandler)
		r.HandleFunc("GET /items/{id}", s.getItemHandler)
		r.HandleFunc("DELETE /items/{id}", s.eraseItemHandler)
		r.HandleFunc("GET /items/{id}/decision", s.getDecisionHandler)
		r.HandleFunc("POST /items/{id}/exposure", s.recordExposureHandler)
		r.HandleFunc("POST /items/{id}/interactions", s.recordInteractionHandler)

		r.HandleFunc("GET /decisions", s.listDecisionsHandler)
		r.HandleFunc("GET /metrics/{subject}", s.metricsHandler)

		r.HandleFunc("GET /reputation/{subject}", s.mergedReputationHandler)
		r.HandleFunc("GET /reputation/{subject}/publish", s.publishReputationHandler)
		r.HandleFunc("POST /reputation/ingest", s.ingestReputationHandler)

		r.HandleFunc("POST /admin/reeval", s.reevalHandler)
	})
}

// statusHandler returns server status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC(),
	}
	RenderJSON(w, r, http.StatusOK, status)
}

// RenderJSON sends JSON response
func RenderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			lgr.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// RenderError sends error response as JSON
func RenderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	RenderJSON(w, r, code, map[string]string{"error": errMsg})
}

// renderStoreError maps domain errors to HTTP status codes
func renderStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *domain.RuleValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		RenderError(w, r, err, http.StatusNotFound)
	case errors.Is(err, domain.ErrOrphanInteraction):
		RenderError(w, r, err, http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrStoreConflict):
		RenderError(w, r, err, http.StatusConflict)
	case errors.As(err, &validationErr):
		RenderError(w, r, err, http.StatusBadRequest)
	default:
		RenderError(w, r, err, http.StatusInternalServerError)
	}
}
