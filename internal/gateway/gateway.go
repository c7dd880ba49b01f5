// Package gateway exposes the relay over HTTP: a small REST API for
// session control, a WebSocket and an SSE endpoint for live transcript
// fan-out, and a health probe.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/engine"
	otelx "github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/worker"
	"github.com/google/uuid"
)

type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Runner *worker.Runner
	Logger *slog.Logger

	Metrics *otelx.Metrics // may be nil

	// AuthToken protects mutating endpoints. Empty means open access;
	// the relay is designed for localhost and trusted-network deployments.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// Session defaults applied when a create request omits them.
	DefaultProvider string
	DefaultModel    string
	SystemMessage   string
	MaxRounds       int

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string
	Version           string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/logs", s.handleSessionLogs)
	mux.HandleFunc("POST /api/v1/sessions/{id}/reply", s.handleReply)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/v1/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /ws/{id}", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// authorize checks the Bearer token on mutating endpoints. An empty
// configured token disables auth entirely.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

type createSessionRequest struct {
	Task          string `json:"task"`
	Model         string `json:"model"`
	Provider      string `json:"provider"`
	SystemMessage string `json:"system_message"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	provider := req.Provider
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}
	systemMessage := req.SystemMessage
	if systemMessage == "" {
		systemMessage = s.cfg.SystemMessage
	}

	sess, err := s.cfg.Store.CreateSession(r.Context(), uuid.NewString(), req.Task, model)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	spec := engine.Spec{
		Provider:      provider,
		Model:         model,
		SystemMessage: systemMessage,
		MaxRounds:     s.cfg.MaxRounds,
	}
	if err := s.cfg.Runner.Start(sess, spec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("session created", "session_id", sess.ID, "provider", provider, "model", model)
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
		"model":      sess.Model,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Store.ListSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []persistence.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Store.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"task":       sess.Task,
		"model":      sess.Model,
		"status":     sess.Status,
		"created_at": sess.CreatedAt,
		"active":     s.cfg.Runner.IsActive(sess.ID),
	})
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.cfg.Store.ListLogs(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []persistence.LogRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type replyRequest struct {
	Message string `json:"message"`
}

// handleReply delivers a human reply to a session blocked in the input
// rendezvous. The reply is recorded in the transcript and published on the
// session's inbound topic; delivery to the worker is the bus's business.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	ts := time.Now()
	record := fmt.Sprintf("\nUser: %s\n", req.Message)
	if err := s.cfg.Store.AppendLog(r.Context(), id, persistence.KindLog, record, ts); err != nil {
		s.logger.Error("reply record append failed", "session_id", id, "error", err)
	}
	s.cfg.Bus.Publish(bus.SessionOutTopic(id), bus.Message{
		Kind:      bus.KindLog,
		Content:   record,
		Timestamp: ts,
	})
	s.cfg.Bus.Publish(bus.SessionInTopic(id), req.Message)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RepliesReceived.Add(r.Context(), 1)
	}
	s.logger.Info("reply forwarded", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reply_sent"})
}

// handleStop publishes the terminate sentinel on the session's inbound
// topic. Delivery is best effort: a session that never reaches the input
// rendezvous again will run to completion regardless.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.cfg.Bus.Publish(bus.SessionInTopic(id), bus.Terminate)
	s.logger.Info("stop signal sent", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "stop_signal_sent"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	payload := map[string]any{
		"healthy":         dbOK,
		"db_ok":           dbOK,
		"active_sessions": s.cfg.Runner.ActiveCount(),
		"config_hash":     s.cfg.ConfigFingerprint,
		"version":         s.cfg.Version,
		"time_unix":       time.Now().Unix(),
	}
	code := http.StatusOK
	if !dbOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
