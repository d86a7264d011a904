// Package transport exposes the REST ingress: a chi router, bearer-token
// tenant authentication, and thin JSON handlers over the domain services.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lunara-ai/converse/internal/domain/analytics"
	"github.com/lunara-ai/converse/internal/domain/contextvar"
	"github.com/lunara-ai/converse/internal/domain/rule"
	"github.com/lunara-ai/converse/internal/domain/session"
	"github.com/lunara-ai/converse/internal/domain/turn"
	"github.com/lunara-ai/converse/internal/engine"
	"github.com/lunara-ai/converse/internal/repository"
)

// Server wires HTTP handlers over the domain services.
type Server struct {
	processor *engine.Processor
	sessions  *session.Service
	turns     *turn.Recorder
	contexts  *contextvar.Service
	rules     rule.Repository
	analytics *analytics.Service
	logger    *slog.Logger
}

// NewServer creates the REST router with middleware applied.
func NewServer(
	processor *engine.Processor,
	sessions *session.Service,
	turns *turn.Recorder,
	contexts *contextvar.Service,
	rules rule.Repository,
	stats *analytics.Service,
	logger *slog.Logger,
	authMiddleware func(http.Handler) http.Handler,
) *chi.Mux {
	srv := &Server{
		processor: processor,
		sessions:  sessions,
		turns:     turns,
		contexts:  contexts,
		rules:     rules,
		analytics: stats,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Get("/health", srv.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware)
		}

		r.Post("/messages", srv.handleMessage)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", srv.handleCreateSession)
			r.Get("/{id}", srv.handleGetSession)
			r.Get("/{id}/history", srv.handleHistory)
			r.Get("/{id}/stats", srv.handleStatistics)
			r.Get("/{id}/context", srv.handleGetContext)
			r.Post("/{id}/end", srv.handleEndSession)
			r.Post("/{id}/transfer", srv.handleTransfer)
			r.Post("/{id}/merge", srv.handleMerge)
			r.Put("/{id}/variables/{name}", srv.handleSetVariable)
			r.Get("/{id}/variables/{name}", srv.handleGetVariable)
			r.Delete("/{id}/variables/{name}", srv.handleDeleteVariable)
			r.Post("/{id}/contexts", srv.handleActivateContext)
		})

		r.Post("/rules", srv.handleCreateRule)
		r.Delete("/rules/{id}", srv.handleDeleteRule)

		r.Get("/search", srv.handleSearch)
		r.Post("/maintenance/cleanup", srv.handleCleanup)
		r.Get("/analytics/daily/{date}", srv.handleDailySummary)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var in engine.TurnInput
	if !s.decode(w, r, &in) {
		return
	}

	result, err := s.processor.ProcessTurn(r.Context(), tenantID, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var body struct {
		ID       string         `json:"id,omitempty"`
		UserID   *string        `json:"user_id,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	sess, err := s.sessions.Create(r.Context(), tenantID, session.CreateOptions{
		ID:       body.ID,
		UserID:   body.UserID,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	sess, err := s.sessions.Get(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 0)
	turns, err := s.turns.GetHistory(r.Context(), tenantID, chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if turns == nil {
		turns = []turn.Turn{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	stats, err := s.turns.GetStatistics(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if stats == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	vars, err := s.contexts.GetContext(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if vars == nil {
		vars = map[string]any{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"variables": vars})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	sess, err := s.sessions.End(r.Context(), tenantID, chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason      string  `json:"reason,omitempty"`
		TargetAgent *string `json:"target_agent,omitempty"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	sess, err := s.sessions.TransferToHuman(r.Context(), tenantID, chi.URLParam(r, "id"), body.Reason, body.TargetAgent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var body struct {
		SourceID string `json:"source_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.SourceID == "" {
		http.Error(w, "source_id is required", http.StatusBadRequest)
		return
	}

	if err := s.contexts.MergeContexts(r.Context(), tenantID, chi.URLParam(r, "id"), body.SourceID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetVariable(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var body struct {
		Value           any               `json:"value"`
		Type            session.ValueType `json:"type,omitempty"`
		LifespanMinutes *int              `json:"lifespan_minutes,omitempty"`
		Source          session.Source    `json:"source,omitempty"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	outcome, err := s.contexts.SetVariable(
		r.Context(), tenantID, chi.URLParam(r, "id"), chi.URLParam(r, "name"),
		body.Value, contextvar.SetVariableOptions{
			Type:            body.Type,
			LifespanMinutes: body.LifespanMinutes,
			Source:          body.Source,
		})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleGetVariable(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	v, err := s.contexts.GetVariable(r.Context(), tenantID, chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if v == nil {
		http.Error(w, "variable not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	if err := s.contexts.DeleteVariable(r.Context(), tenantID, chi.URLParam(r, "id"), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateContext(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var body struct {
		Name          string `json:"name"`
		LifespanTurns int    `json:"lifespan_turns,omitempty"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	if err := s.contexts.SetActiveContext(r.Context(), tenantID, chi.URLParam(r, "id"), body.Name, body.LifespanTurns); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	var rl rule.Rule
	if !s.decode(w, r, &rl) {
		return
	}
	if rl.Condition == "" {
		http.Error(w, "condition is required", http.StatusBadRequest)
		return
	}
	if rl.ID == "" {
		rl.ID = uuid.NewString()
	}
	rl.TenantID = tenantID

	if err := s.rules.Create(r.Context(), &rl); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rl)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	if err := s.rules.Delete(r.Context(), tenantID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}

	turns, err := s.turns.SearchTranscripts(r.Context(), tenantID, query, queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if turns == nil {
		turns = []turn.Turn{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// handleCleanup sweeps idle sessions across all tenants. The caller is
// the deployment's scheduler, so the sweep is global, not tenant-scoped.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	count, err := s.sessions.CleanupExpired(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"expired": count})
}

func (s *Server) handleDailySummary(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}

	date := chi.URLParam(r, "date")
	if _, err := time.Parse(analytics.DateLayout, date); err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	summary, err := s.analytics.DailySummary(r.Context(), tenantID, date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, ok := TenantFromContext(r.Context())
	if !ok || tenantID == "" {
		http.Error(w, "missing tenant", http.StatusUnauthorized)
		return "", false
	}
	return tenantID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, contextvar.ErrSessionNotFound),
		errors.Is(err, turn.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, contextvar.ErrInvalidInput),
		errors.Is(err, turn.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrDuplicate):
		http.Error(w, "already exists", http.StatusConflict)
	case errors.Is(err, ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
