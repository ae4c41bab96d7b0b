// Package server exposes the chat, history, knowledge, and tool APIs over
// HTTP, including the SSE streaming endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convo-dev/convo/pkg/knowledge"
	"github.com/convo-dev/convo/pkg/orchestrator"
	"github.com/convo-dev/convo/pkg/session"
	"github.com/convo-dev/convo/pkg/tools"
)

// Config configures the HTTP server.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server wires the orchestrator and its collaborators to HTTP routes.
type Server struct {
	cfg        Config
	router     chi.Router
	httpServer *http.Server

	orch     *orchestrator.Orchestrator
	store    session.Store
	index    knowledge.Index
	registry *tools.Registry
}

func New(cfg Config, orch *orchestrator.Orchestrator, store session.Store, index knowledge.Index, registry *tools.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		store:    store,
		index:    index,
		registry: registry,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/chat/stream", s.handleChatStream)
		r.Get("/history/{sessionID}", s.handleGetHistory)
		r.Delete("/history/{sessionID}", s.handleDeleteHistory)
		r.Post("/knowledge", s.handleIngest)
		r.Get("/tools", s.handleListTools)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

type ingestRequest struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat runs a full respond call and returns the assembled reply in
// one JSON response.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	events, err := s.orch.Respond(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}

	var reply string
	var streamErr string
	for event := range events {
		switch event.Type {
		case orchestrator.EventChunk:
			reply += event.Text
		case orchestrator.EventError:
			streamErr = event.Error
		}
	}

	if streamErr != "" && reply == "" {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: streamErr})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{SessionID: req.SessionID, Reply: reply})
}

// handleChatStream delivers respond events over SSE. Each event is one
// "data:" frame; the stream terminates with a "done" or "error" frame.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	message := r.URL.Query().Get("message")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	events, err := s.orch.Respond(r.Context(), sessionID, message)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		switch event.Type {
		case orchestrator.EventDone:
			fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
		case orchestrator.EventError:
			payload, _ := json.Marshal(event)
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		default:
			payload, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		flusher.Flush()
	}
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := session.ValidateSessionID(sessionID); err != nil {
		writeError(w, err)
		return
	}

	turns, err := s.store.History(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"turns":      turns,
	})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := session.ValidateSessionID(sessionID); err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.Clear(sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "knowledge index is not configured"})
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text must not be empty"})
		return
	}

	id, err := s.index.Ingest(r.Context(), req.Text, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.registry.List()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, orchestrator.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, knowledge.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
