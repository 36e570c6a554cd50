package controlplane

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/fentz26/autopatch/internal/chat"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server provides the HTTP API for autopatch.
type Server struct {
	engine  Engine
	db      Pinger
	chat    chat.Responder
	metrics http.Handler
	records Records
	addr    string
	server  *http.Server

	// Version is reported by /health.
	Version string
}

// NewServer creates a new HTTP server.
func NewServer(eng Engine, db Pinger, addr string) *Server {
	return &Server{
		engine:  eng,
		db:      db,
		addr:    addr,
		Version: "dev",
	}
}

// SetChat enables POST /chat.
func (s *Server) SetChat(r chat.Responder) {
	s.chat = r
}

// SetRecords enables GET /audit and GET /executions.
func (s *Server) SetRecords(r Records) {
	s.records = r
}

// SetMetrics mounts h on GET /metrics.
func (s *Server) SetMetrics(h http.Handler) {
	s.metrics = h
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.getStatus)
	r.Get("/events", s.streamEvents)

	r.Route("/updates", func(r chi.Router) {
		r.Get("/", s.listUpdates)
		r.Post("/", s.requestUpdate)
		r.Post("/cancel", s.cancelUpdate)
		r.Get("/{id}", s.getUpdate)
	})

	r.Post("/exec", s.execute)

	r.Route("/snapshots", func(r chi.Router) {
		r.Get("/", s.listSnapshots)
		r.Post("/", s.createSnapshot)
		r.Post("/prune", s.pruneSnapshots)
		r.Get("/{id}/diff", s.diffSnapshot)
		r.Post("/{id}/recover", s.recoverSnapshot)
	})

	r.Post("/chat", s.handleChat)

	if s.records != nil {
		r.Get("/audit", s.listAudit)
		r.Get("/executions", s.listExecutions)
	}

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting autopatch daemon on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Phase:   string(s.engine.Status().Phase),
		Version: s.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrInvalidBody
	}
	return nil
}
