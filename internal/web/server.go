// Package web exposes the supervisor over HTTP: lifecycle routes, tool
// calls, the log buffer and a Server-Sent Events stream.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ilocn/mcpman/internal/command"
	"github.com/ilocn/mcpman/internal/correlator"
	"github.com/ilocn/mcpman/internal/logbuf"
	"github.com/ilocn/mcpman/internal/supervisor"
)

const (
	statusLogCount  = 50
	defaultLogLimit = 100
	deviceInfoCount = 10
	pollInterval    = 2 * time.Second
)

// Manager is the part of the supervisor the routes drive.
type Manager interface {
	Start(creds supervisor.Credentials) error
	Stop() error
	Restart(creds supervisor.Credentials) error
	Status() supervisor.Status
	Logs() *logbuf.Buffer
	ClearLogs()
	SendToolCall(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (*correlator.Result, error)
}

// sseMessage is one pre-formatted event. seq is the log entry's Seq, zero
// for other events.
type sseMessage struct {
	seq  uint64
	text string
}

// sseClient represents a connected SSE client.
type sseClient struct {
	ch chan sseMessage
}

// Server holds the HTTP server state.
type Server struct {
	mgr    Manager
	token  string
	router chi.Router

	mu      sync.Mutex
	clients map[*sseClient]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultToken is used by start and restart requests that carry no
// lifxToken.
func WithDefaultToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// New builds the router over mgr. Call Run to feed SSE clients.
func New(mgr Manager, opts ...Option) *Server {
	s := &Server{
		mgr:     mgr,
		clients: make(map[*sseClient]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(logRequests)
	r.Use(cors)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/restart", s.handleRestart)
		r.Post("/clear-logs", s.handleClearLogs)
		r.Get("/logs", s.handleLogs)
		r.Get("/lifx-info", s.handleDeviceInfo)
		r.Post("/mcp-command", s.handleTextCommand)
		r.Post("/lifx-command", s.handleLightCommand)
		r.Post("/tool-call", s.handleToolCall)
	})
	return r
}

// Serve starts the HTTP server on addr and shuts it down gracefully when
// ctx is cancelled.
func Serve(ctx context.Context, addr string, srv *Server) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go srv.Run(ctx)

	// Shut down the HTTP server when the context is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", slog.Any("error", err))
		}
	}()

	slog.Info("manager listening", slog.String("addr", addr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run forwards new log entries and status changes to SSE clients until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) {
	logs := s.mgr.Logs()
	ch := logs.Subscribe()
	defer logs.Unsubscribe(ch)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			s.broadcastLog(e)
		case <-ticker.C:
			data, err := json.Marshal(s.mgr.Status())
			if err != nil || bytes.Equal(data, last) {
				continue
			}
			last = data
			s.broadcast(sseMessage{text: fmt.Sprintf("event: status\ndata: %s\n\n", data)})
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML)) //nolint:errcheck
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"mcpServer": s.mgr.Status(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": s.mgr.Status(),
		"logs":   nonNil(s.mgr.Logs().Last(statusLogCount)),
	})
}

type tokenRequest struct {
	LifxToken string `json:"lifxToken"`
}

// credentials reads the token from the body, falling back to the
// configured default.
func (s *Server) credentials(r *http.Request) (supervisor.Credentials, bool) {
	var req tokenRequest
	// An empty or malformed body is treated as carrying no token.
	_ = json.NewDecoder(r.Body).Decode(&req)
	token := strings.TrimSpace(req.LifxToken)
	if token == "" {
		token = s.token
	}
	return supervisor.Credentials{Token: token}, token != ""
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.credentials(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "LIFX token is required")
		return
	}
	if err := s.mgr.Start(creds); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "Failed to start MCP server",
			"detail": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "MCP server start initiated",
		"status":  s.mgr.Status(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Stop(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "Failed to stop MCP server",
			"detail": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "MCP server stop initiated"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.credentials(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "LIFX token is required")
		return
	}
	if err := s.mgr.Restart(creds); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{
			"error":  "Failed to restart MCP server",
			"detail": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "MCP server restart initiated"})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.mgr.ClearLogs()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Server logs cleared successfully",
		"logsCount": s.mgr.Logs().Len(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	logs := s.mgr.Logs()
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  nonNil(logs.Last(limit)),
		"total": logs.Len(),
	})
}

// deviceMarkers select log lines that describe light state.
var deviceMarkers = []string{
	"lights found", "operation results", "id:", "color", "brightness",
	"power:", "kelvin", "hue", "saturation",
}

func deviceRelated(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range deviceMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return strings.HasPrefix(msg, "{") && strings.Contains(msg, "result")
}

// deviceInfo renders the newest device-related entries as
// "[timestamp] message" lines.
func deviceInfo(entries []logbuf.Entry, n int) string {
	var picked []string
	for _, e := range entries {
		if deviceRelated(e.Message) {
			picked = append(picked, fmt.Sprintf("[%s] %s", e.Timestamp.Format(time.RFC3339Nano), e.Message))
		}
	}
	if len(picked) > n {
		picked = picked[len(picked)-n:]
	}
	return strings.Join(picked, "\n")
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"lifxInfo": deviceInfo(s.mgr.Logs().Entries(), deviceInfoCount),
	})
}

type textCommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleTextCommand(w http.ResponseWriter, r *http.Request) {
	var req textCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "Command is required")
		return
	}
	cmd, err := command.EncodeTextCommand(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.callTool(w, r, cmd, 0, nil)
}

func (s *Server) handleLightCommand(w http.ResponseWriter, r *http.Request) {
	var req command.LightAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, desc, err := command.BuildLightAction(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mgr.Logs().Info("Executing light command: " + desc)
	s.callTool(w, r, cmd, 0, func(resp *toolResponse) {
		resp.Message = desc
		resp.Details = map[string]any{
			"action":   req.Action,
			"selector": cmd.Arguments["selector"],
			"command":  cmd.Arguments,
		}
	})
}

type toolCallRequest struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	TimeoutMs int64          `json:"timeoutMs"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		writeError(w, http.StatusBadRequest, "Tool is required")
		return
	}
	cmd := command.Command{ToolName: req.Tool, Arguments: command.EncodeToolCallParameters(req.Params)}
	s.callTool(w, r, cmd, time.Duration(req.TimeoutMs)*time.Millisecond, nil)
}

// toolResponse is the body of every tool-calling route.
type toolResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Content string          `json:"content,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Tool    string          `json:"tool"`
	Details map[string]any  `json:"details,omitempty"`
}

// callTool sends cmd to the worker and writes the outcome. decorate, if
// set, amends a successful response.
func (s *Server) callTool(w http.ResponseWriter, r *http.Request, cmd command.Command, timeout time.Duration, decorate func(*toolResponse)) {
	res, err := s.mgr.SendToolCall(r.Context(), cmd.ToolName, cmd.Arguments, timeout)
	if err != nil {
		status, msg := toolErrorStatus(err)
		writeJSON(w, status, toolResponse{Success: false, Error: msg, Tool: cmd.ToolName})
		return
	}
	resp := toolResponse{
		Success: true,
		Message: res.Message,
		Content: res.Content,
		Data:    res.Data,
		Tool:    cmd.ToolName,
	}
	if decorate != nil {
		decorate(&resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

// toolErrorStatus maps a tool-call failure to an HTTP status and message.
func toolErrorStatus(err error) (int, string) {
	var rpcErr *correlator.RPCError
	switch {
	case errors.Is(err, correlator.ErrNotRunning):
		return http.StatusServiceUnavailable, "MCP server is not running"
	case errors.Is(err, correlator.ErrTimeout):
		return http.StatusGatewayTimeout, err.Error()
	case errors.As(err, &rpcErr):
		return http.StatusBadGateway, rpcErr.Error()
	case errors.Is(err, supervisor.ErrProcessExited):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// handleEvents serves Server-Sent Events for live updates.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := &sseClient{ch: make(chan sseMessage, 64)}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
	}()

	if data, err := json.Marshal(s.mgr.Status()); err == nil {
		fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	}
	// Entries appended after registration but before this snapshot are
	// also queued on client.ch; seq filters them out below.
	var cutoff uint64
	for _, e := range s.mgr.Logs().Last(statusLogCount) {
		if data, err := json.Marshal(e); err == nil {
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
		}
		cutoff = e.Seq
	}
	flusher.Flush()

	for {
		select {
		case msg := <-client.ch:
			if msg.seq != 0 && msg.seq <= cutoff {
				continue
			}
			fmt.Fprint(w, msg.text)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// broadcastLog sends e as a log event to all connected SSE clients.
func (s *Server) broadcastLog(e logbuf.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.broadcast(sseMessage{seq: e.Seq, text: fmt.Sprintf("event: log\ndata: %s\n\n", data)})
}

// broadcast sends a pre-formatted SSE message to all connected SSE clients.
func (s *Server) broadcast(msg sseMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.ch <- msg:
		default:
			// Drop if client channel is full (slow consumer).
		}
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func nonNil(entries []logbuf.Entry) []logbuf.Entry {
	if entries == nil {
		return []logbuf.Entry{}
	}
	return entries
}
