package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fnakasako/illunis/pkg/domain"
)

// createRuleHandler adds a new rule and returns it with the assigned id
func (s *Server) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		RenderError(w, r, fmt.Errorf("decode rule: %w", err), http.StatusBadRequest)
		return
	}

	if err := s.rules.Create(r.Context(), &rule); err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusCreated, rule)
}

// listRulesHandler returns the active rule set in evaluation order
func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	set, err := s.rules.GetActiveSet(r.Context())
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, set)
}

// getRuleHandler returns the latest version of a rule
func (s *Server) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RenderError(w, r, err, http.StatusBadRequest)
		return
	}

	rule, err := s.rules.Get(r.Context(), id)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, rule)
}

// updateRuleHandler replaces a rule's definition, bumping its version
func (s *Server) updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RenderError(w, r, err, http.StatusBadRequest)
		return
	}

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		RenderError(w, r, fmt.Errorf("decode rule: %w", err), http.StatusBadRequest)
		return
	}
	rule.ID = id

	if err := s.rules.Update(r.Context(), &rule); err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, rule)
}

// deleteRuleHandler tombstones a rule; past decisions stay auditable
func (s *Server) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RenderError(w, r, err, http.StatusBadRequest)
		return
	}

	if err := s.rules.Delete(r.Context(), id); err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) enableRuleHandler(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, true)
}

func (s *Server) disableRuleHandler(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, false)
}

func (s *Server) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := pathID(r)
	if err != nil {
		RenderError(w, r, err, http.StatusBadRequest)
		return
	}

	if err := s.rules.SetEnabled(r.Context(), id, enabled); err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, map[string]bool{"enabled": enabled})
}

// ruleVersionsHandler returns the full version history of a rule
func (s *Server) ruleVersionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		RenderError(w, r, err, http.StatusBadRequest)
		return
	}

	versions, err := s.rules.GetVersions(r.Context(), id)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, versions)
}

// itemRequest is the ingestion payload for a content item
type itemRequest struct {
	Source     string            `json:"source"`
	ExternalID string            `json:"external_id"`
	Payload    map[string]string `json:"payload"`
	CreatedAt  time.Time         `json:"created_at,omitempty"`
}

// ingestItemHandler stores an item and evaluates it in one call. Repeated
// ingestion of the same source and external id updates in place.
func (s *Server) ingestItemHandler(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RenderError(w, r, fmt.Errorf("decode item: %w", err), http.StatusBadRequest)
		return
	}
	if req.Source == "" || req.ExternalID == "" {
		RenderError(w, r, fmt.Errorf("source and external_id are required"), http.StatusBadRequest)
		return
	}

	item := domain.NewContentItem(req.Source, req.ExternalID, req.Payload, req.CreatedAt)
	if err := s.items.Upsert(r.Context(), item); err != nil {
		renderStoreError(w, r, err)
		return
	}

	decision, err := s.decider.Decide(r.Context(), item)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}

	RenderJSON(w, r, http.StatusCreated, map[string]interface{}{
		"item":     item,
		"decision": decision,
	})
}

func (s *Server) getItemHandler(w http.ResponseWriter, r *http.Request) {
	item, err := s.items.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, item)
}

// eraseItemHandler removes an item and everything derived from it
func (s *Server) eraseItemHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.items.Erase(r.Context(), r.PathValue("id")); err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, map[string]string{"status": "erased"})
}

// getDecisionHandler returns the item's decision under the newest rule set
// that evaluated it
func (s *Server) getDecisionHandler(w http.ResponseWriter, r *http.Request) {
	decision, err := s.decisions.GetCurrent(r.Context(), r.PathValue("id"))
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, decision)
}

// recordExposureHandler records an exposure; bursts within the debounce
// interval coalesce into one
func (s *Server) recordExposureHandler(w http.ResponseWriter, r *http.Request) {
	recorded, err := s.ledger.RecordExposure(r.Context(), r.PathValue("id"))
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, map[string]bool{"recorded": recorded})
}

// interactionRequest is the recording payload for a single interaction
type interactionRequest struct {
	Kind       domain.InteractionKind `json:"kind"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Signal     string                 `json:"signal,omitempty"`
}

// recordInteractionHandler appends one interaction to the log
func (s *Server) recordInteractionHandler(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RenderError(w, r, fmt.Errorf("decode interaction: %w", err), http.StatusBadRequest)
		return
	}
	if !req.Kind.Valid() {
		RenderError(w, r, fmt.Errorf("unknown interaction kind %q", req.Kind), http.StatusBadRequest)
		return
	}

	interaction, err := s.ledger.RecordInteraction(r.Context(), r.PathValue("id"),
		req.Kind, req.Timestamp, req.DurationMs, req.Signal)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusCreated, interaction)
}

// listDecisionsHandler returns decisions made under a given rule-set version
func (s *Server) listDecisionsHandler(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		RenderError(w, r, fmt.Errorf("version query parameter is required"), http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 100)

	decisions, err := s.decisions.ListByVersion(r.Context(), version, limit)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, decisions)
}

// metricsHandler returns the bucketed aggregate for a subject over a window
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	window, err := queryWindow(r)
	if err != nil {
		RenderError(w, r, err, http.StatusBadRequest)
		return
	}

	metric, err := s.ledger.Aggregate(r.Context(), r.PathValue("subject"), window)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, metric)
}

// mergedReputationHandler returns the trust-weighted merge of peer scores
func (s *Server) mergedReputationHandler(w http.ResponseWriter, r *http.Request) {
	score, err := s.reputation.Merged(r.PathValue("subject"))
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, score)
}

// publishReputationHandler derives the outbound score for a subject
func (s *Server) publishReputationHandler(w http.ResponseWriter, r *http.Request) {
	window, err := queryWindow(r)
	if err != nil {
		RenderError(w, r, err, http.StatusBadRequest)
		return
	}

	score, err := s.reputation.Publish(r.Context(), r.PathValue("subject"), window)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	RenderJSON(w, r, http.StatusOK, score)
}

// peerScoreRequest wraps an inbound peer score with its origin
type peerScoreRequest struct {
	Peer  string                 `json:"peer"`
	Score domain.ReputationScore `json:"score"`
}

// ingestReputationHandler merges a peer's score into the local aggregate
func (s *Server) ingestReputationHandler(w http.ResponseWriter, r *http.Request) {
	var req peerScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RenderError(w, r, fmt.Errorf("decode peer score: %w", err), http.StatusBadRequest)
		return
	}
	if req.Peer == "" {
		RenderError(w, r, fmt.Errorf("peer is required"), http.StatusBadRequest)
		return
	}

	if err := s.reputation.Ingest(req.Peer, req.Score); err != nil {
		RenderError(w, r, err, http.StatusBadRequest)
		return
	}
	RenderJSON(w, r, http.StatusAccepted, map[string]string{"status": "merged"})
}

// reevalHandler triggers an immediate rule-set change check
func (s *Server) reevalHandler(w http.ResponseWriter, r *http.Request) {
	s.scheduler.ReevalNow(r.Context())
	RenderJSON(w, r, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// pathID parses the numeric {id} path segment
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// queryWindow parses start and end RFC3339 query parameters; a missing
// window defaults to the trailing 14 days
func queryWindow(r *http.Request) (domain.Window, error) {
	q := r.URL.Query()
	if q.Get("start") == "" && q.Get("end") == "" {
		now := time.Now().UTC()
		return domain.Window{Start: now.AddDate(0, 0, -14), End: now}, nil
	}

	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		return domain.Window{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		return domain.Window{}, fmt.Errorf("invalid end: %w", err)
	}
	if !end.After(start) {
		return domain.Window{}, fmt.Errorf("end must be after start")
	}
	return domain.Window{Start: start, End: end}, nil
}
