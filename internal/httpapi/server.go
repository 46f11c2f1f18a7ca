package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inflowhq/inflow/internal/inflow"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	RecentLimit     int
}

type Server struct {
	store       inflow.Store
	engine      *inflow.Orchestrator
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store inflow.Store, engine *inflow.Orchestrator) *Server {
	return NewServerWithConfig(store, engine, ServerConfig{})
}

func NewServerWithConfig(store inflow.Store, engine *inflow.Orchestrator, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 10
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	// Webhook and batch-check paths are server-to-server; transport-level
	// signature verification lives upstream.
	switch {
	case r.URL.Path == "/v1/ingest/meeting" && r.Method == http.MethodPost:
		s.handleMeetingWebhook(w, r)
		return
	case r.URL.Path == "/v1/ingest/page" && r.Method == http.MethodPost:
		s.handlePageWebhook(w, r)
		return
	case r.URL.Path == "/v1/ingest/pages/check" && r.Method == http.MethodPost:
		s.handlePagesCheck(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "ingest" && parts[2] == "chat" && parts[3] == "poll" && r.Method == http.MethodPost:
		requiredScope = "ingest:trigger"
		route = "chat_poll"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "tasks" && r.Method == http.MethodPost:
		requiredScope = "tasks:write"
		route = "create_task"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "tasks" && r.Method == http.MethodGet:
		requiredScope = "tasks:read"
		route = "list_tasks"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "tasks" && parts[2] == "summary" && r.Method == http.MethodGet:
		requiredScope = "tasks:read"
		route = "task_summary"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "tasks" && parts[3] == "transition" && r.Method == http.MethodPost:
		requiredScope = "tasks:write"
		route = "transition_task"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := claims.Subject + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "chat_poll":
		s.handleChatPoll(w, r, correlationID)
	case "create_task":
		s.handleCreateTask(w, r, correlationID)
	case "list_tasks":
		s.handleListTasks(w, r, correlationID)
	case "task_summary":
		s.handleTaskSummary(w, r, correlationID)
	case "transition_task":
		s.handleTransitionTask(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleMeetingWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if err := inflow.ValidateMeetingEvent(body); err != nil {
		writeError(w, http.StatusBadRequest, "rejected", err.Error(), correlationID)
		return
	}
	result, err := s.engine.ProcessPush(r.Context(), inflow.IngestRequest{
		UserKey:       stringField(body, "userKey"),
		Source:        inflow.SourceMeeting,
		Payload:       body,
		CorrelationID: correlationID,
	})
	if err != nil {
		writeIngestError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePageWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	// Pure handshake: echo the challenge with no side effects.
	if stringField(body, "type") == "url_verification" {
		challenge := stringField(body, "challenge")
		if challenge == "" {
			writeError(w, http.StatusBadRequest, "rejected", "missing challenge", correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}
	if err := inflow.ValidatePageEvent(body); err != nil {
		writeError(w, http.StatusBadRequest, "rejected", err.Error(), correlationID)
		return
	}
	result, err := s.engine.ProcessPush(r.Context(), inflow.IngestRequest{
		UserKey:       stringField(body, "userKey"),
		Source:        inflow.SourceWorkspacePage,
		Payload:       body,
		CorrelationID: correlationID,
	})
	if err != nil {
		writeIngestError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePagesCheck(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		UserKey string   `json:"userKey"`
		PageIDs []string `json:"pageIds"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	processed, err := s.engine.CheckProcessedPages(r.Context(), body.UserKey, body.PageIDs)
	if err != nil {
		if errors.Is(err, inflow.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processedPageIds": processed})
}

func (s *Server) handleChatPoll(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		UserKey string `json:"userKey"`
		Since   string `json:"since,omitempty"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.UserKey) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing userKey", correlationID)
		return
	}
	var sinceOverride *time.Time
	if strings.TrimSpace(body.Since) != "" {
		since, err := time.Parse(time.RFC3339, body.Since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid since timestamp", correlationID)
			return
		}
		since = since.UTC()
		sinceOverride = &since
	}
	result, err := s.engine.PollChat(r.Context(), body.UserKey, sinceOverride)
	if err != nil {
		writeError(w, http.StatusBadGateway, "poll_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req inflow.NewTaskRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	task, err := s.store.CreateTask(r.Context(), req)
	if err != nil {
		if errors.Is(err, inflow.ErrValidation) {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, correlationID string) {
	userKey := strings.TrimSpace(r.URL.Query().Get("userKey"))
	if userKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing userKey query", correlationID)
		return
	}
	status := inflow.TaskStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status filter", correlationID)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), userKey, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskSummary(w http.ResponseWriter, r *http.Request, correlationID string) {
	userKey := strings.TrimSpace(r.URL.Query().Get("userKey"))
	if userKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing userKey query", correlationID)
		return
	}
	summary, err := s.store.Summary(r.Context(), userKey, s.cfg.RecentLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request, taskID, correlationID string) {
	var body struct {
		Status inflow.TaskStatus `json:"status"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	task, err := s.store.Transition(r.Context(), taskID, body.Status)
	if err != nil {
		switch {
		case errors.Is(err, inflow.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, inflow.ErrIllegalTransition):
			writeError(w, http.StatusConflict, "illegal_transition", err.Error(), correlationID)
		case errors.Is(err, inflow.ErrValidation):
			writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// writeIngestError maps engine failures onto the webhook contract: rejected
// payloads are 400s and never retried; extraction failures are 502s the
// source should redeliver.
func writeIngestError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, inflow.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "rejected", err.Error(), correlationID)
	case errors.Is(err, inflow.ErrValidation):
		writeError(w, http.StatusBadRequest, "rejected", err.Error(), correlationID)
	case errors.Is(err, inflow.ErrExtractionFailed):
		writeError(w, http.StatusBadGateway, "extraction_failed", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
