// Package server exposes the HTTP and WebSocket surface: chat, task
// management, history, and the agent/UI socket endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"majordomo/internal/buildinfo"
	"majordomo/internal/bridge"
	"majordomo/internal/hub"
	"majordomo/internal/llm"
	"majordomo/internal/memory"
	"majordomo/internal/orchestrator"
	"majordomo/internal/scheduler"
	"majordomo/internal/usage"
)

// Conversationalist runs one conversation turn. Implemented by the
// orchestrator; narrowed here so tests can script replies.
type Conversationalist interface {
	Converse(ctx context.Context, userMessage string, history []llm.Message, enabledTools []string, sessionID string, opts orchestrator.Options) (*orchestrator.Reply, error)
}

// TaskManager is the scheduler surface the API needs.
type TaskManager interface {
	Add(t *scheduler.Task) error
	Get(id string) (*scheduler.Task, error)
	List() ([]*scheduler.Task, error)
	Delete(id string) error
}

// HistoryStore persists and retrieves conversation history.
type HistoryStore interface {
	SaveMessage(ctx context.Context, sessionID string, msg llm.Message) error
	History(ctx context.Context, sessionID string, limit int) ([]llm.Message, error)
	Sessions(ctx context.Context) ([]memory.SessionInfo, error)
}

// UsageReader reports token accounting summaries.
type UsageReader interface {
	Total(ctx context.Context) (usage.Summary, error)
	BySession(ctx context.Context, sessionID string) (usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	logger  *slog.Logger
	addr    string
	conv    Conversationalist
	tasks   TaskManager
	history HistoryStore
	usage   UsageReader
	bridge  *bridge.Bridge
	hub     *hub.Hub
	opts    orchestrator.Options

	server *http.Server
}

// Config wires a Server. Bridge and Hub may be nil; their endpoints
// then respond 404.
type Config struct {
	Logger      *slog.Logger
	Addr        string
	Conv        Conversationalist
	Tasks       TaskManager
	History     HistoryStore
	Usage       UsageReader
	Bridge      *bridge.Bridge
	Hub         *hub.Hub
	ChatOptions orchestrator.Options
}

// New creates a Server.
func New(cfg Config) *Server {
	return &Server{
		logger:  cfg.Logger.With("component", "server"),
		addr:    cfg.Addr,
		conv:    cfg.Conv,
		tasks:   cfg.Tasks,
		history: cfg.History,
		usage:   cfg.Usage,
		bridge:  cfg.Bridge,
		hub:     cfg.Hub,
		opts:    cfg.ChatOptions,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("GET /v1/tasks", s.handleTaskList)
	mux.HandleFunc("POST /v1/tasks", s.handleTaskCreate)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleTaskDelete)

	mux.HandleFunc("GET /v1/history/{session}", s.handleHistory)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/agents", s.handleAgents)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.bridge != nil {
		mux.HandleFunc("GET /ws/agent", s.bridge.HandleWS)
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws/session/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.hub.ServeSession(w, r, r.PathValue("id"), s.logger)
		})
		mux.HandleFunc("GET /ws/global", func(w http.ResponseWriter, r *http.Request) {
			s.hub.ServeGlobal(w, r, s.logger)
		})
	}

	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // chat turns can run long
	}
	s.logger.Info("starting API server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// writeJSON encodes v to w. Failures here usually mean the client went
// away mid-response, so they are only logged at debug level.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, format string, args ...any) {
	s.writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// --- Chat ---

type chatRequest struct {
	Message   string   `json:"message"`
	SessionID string   `json:"session_id"`
	Tools     []string `json:"tools,omitempty"`
}

type chatResponse struct {
	Reply            string `json:"reply"`
	SessionID        string `json:"session_id"`
	Model            string `json:"model,omitempty"`
	InputTokens      int    `json:"input_tokens"`
	OutputTokens     int    `json:"output_tokens"`
	ToolCalls        int    `json:"tool_calls"`
	Iterations       int    `json:"iterations"`
	IterationLimited bool   `json:"iteration_limited,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	ctx := r.Context()

	var history []llm.Message
	if s.history != nil {
		h, err := s.history.History(ctx, req.SessionID, 50)
		if err != nil {
			s.logger.Warn("history load failed", "session", req.SessionID, "error", err)
		} else {
			history = h
		}
	}

	reply, err := s.conv.Converse(ctx, req.Message, history, req.Tools, req.SessionID, s.opts)
	if err != nil {
		s.logger.Error("conversation failed", "session", req.SessionID, "error", err)
		s.writeError(w, http.StatusBadGateway, "conversation failed: %v", err)
		return
	}

	if s.history != nil {
		if err := s.history.SaveMessage(ctx, req.SessionID, llm.Message{Role: "user", Content: req.Message}); err != nil {
			s.logger.Warn("user message not persisted", "error", err)
		}
		if err := s.history.SaveMessage(ctx, req.SessionID, llm.Message{Role: "assistant", Content: reply.Text}); err != nil {
			s.logger.Warn("assistant message not persisted", "error", err)
		}
	}

	if s.hub != nil {
		s.hub.Publish(req.SessionID, hub.Event{
			Type:      hub.EventNewMessage,
			SessionID: req.SessionID,
			Data: map[string]any{
				"role":    "assistant",
				"content": reply.Text,
			},
		})
	}

	s.writeJSON(w, http.StatusOK, chatResponse{
		Reply:            reply.Text,
		SessionID:        req.SessionID,
		Model:            reply.Model,
		InputTokens:      reply.InputTokens,
		OutputTokens:     reply.OutputTokens,
		ToolCalls:        reply.ToolCalls,
		Iterations:       reply.Iterations,
		IterationLimited: reply.IterationLimited,
	})
}

// --- Tasks ---

type taskRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text"`
	DueAt     time.Time      `json:"due_at"`
	Repeat    string         `json:"repeat,omitempty"`
	Interval  int            `json:"interval,omitempty"`
	Until     *time.Time     `json:"until,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
}

type taskView struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	Text      string     `json:"text"`
	Kind      string     `json:"kind"`
	DueAt     time.Time  `json:"due_at"`
	Repeat    string     `json:"repeat,omitempty"`
	Interval  int        `json:"interval,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	Notified  bool       `json:"notified"`
	CreatedAt time.Time  `json:"created_at"`
}

func viewOf(t *scheduler.Task) taskView {
	v := taskView{
		ID:        t.ID,
		SessionID: t.SessionID,
		Text:      t.Text,
		Kind:      string(t.Kind()),
		DueAt:     t.DueAt,
		Notified:  t.Notified,
		CreatedAt: t.CreatedAt,
	}
	if t.Recurrence.IsRecurring() {
		v.Repeat = string(t.Recurrence.Type)
		v.Interval = t.Recurrence.Interval
		v.Until = t.Recurrence.EndAt
	}
	return v
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Text == "" || req.DueAt.IsZero() {
		s.writeError(w, http.StatusBadRequest, "text and due_at are required")
		return
	}
	if req.Prompt != "" && req.Tool != "" {
		s.writeError(w, http.StatusBadRequest, "prompt and tool are mutually exclusive")
		return
	}

	task := &scheduler.Task{
		SessionID: req.SessionID,
		Text:      req.Text,
		DueAt:     req.DueAt,
	}
	switch {
	case req.Prompt != "":
		task.Payload = scheduler.DeferredReplyPayload{Prompt: req.Prompt}
	case req.Tool != "":
		task.Payload = scheduler.DeferredToolCallPayload{Tool: req.Tool, Args: req.ToolArgs}
	default:
		task.Payload = scheduler.PlainPayload{}
	}
	if req.Repeat != "" {
		rt := scheduler.RecurrenceType(req.Repeat)
		if !rt.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown repeat %q", req.Repeat)
			return
		}
		task.Recurrence = scheduler.Recurrence{
			Type:     rt,
			Interval: req.Interval,
			EndAt:    req.Until,
		}
	}

	if err := s.tasks.Add(task); err != nil {
		s.writeError(w, http.StatusInternalServerError, "create task: %v", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(task))
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	all, err := s.tasks.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list tasks: %v", err)
		return
	}
	views := make([]taskView, 0, len(all))
	for _, t := range all {
		views = append(views, viewOf(t))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.PathValue("id"))
	if errors.Is(err, scheduler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "get task: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	err := s.tasks.Delete(r.PathValue("id"))
	if errors.Is(err, scheduler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "delete task: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- History and status ---

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history not enabled")
		return
	}
	msgs, err := s.history.History(r.Context(), r.PathValue("session"), 0)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load history: %v", err)
		return
	}
	if msgs == nil {
		msgs = []llm.Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history not enabled")
		return
	}
	sessions, err := s.history.Sessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list sessions: %v", err)
		return
	}
	if sessions == nil {
		sessions = []memory.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.writeError(w, http.StatusNotFound, "usage accounting not enabled")
		return
	}
	var (
		sum usage.Summary
		err error
	)
	if session := r.URL.Query().Get("session"); session != "" {
		sum, err = s.usage.BySession(r.Context(), session)
	} else {
		sum, err = s.usage.Total(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "aggregate usage: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"agents": []bridge.AgentInfo{}})
		return
	}
	agents := s.bridge.Agents()
	if agents == nil {
		agents = []bridge.AgentInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
