package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/procherder/agent/internal/eventbus"
)

// StatusSource is the read-only slice of the agent the status API exposes.
// Everything returned must already be a safe copy.
type StatusSource interface {
	StatusProcesses() any
	StatusHealthSummary() any
	StatusTestRuns() any
	StatusEvents(category string, minSeverity string, substring string, limit int) []eventbus.Event
}

// Server serves /metrics plus the read-only /api endpoints the status TUI
// and log tailer poll. Loopback-bound; the mutating surface stays on the
// JSON-RPC stdio transport.
type Server struct {
	port   int
	source StatusSource
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a Server on 127.0.0.1:port.
func NewServer(port int, source StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{port: port, source: source, logger: logger.With("component", "metrics")}
}

// Start begins listening; it returns once the listener is bound so callers
// can depend on the port being open.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/processes", s.handleJSON(func() any { return s.source.StatusProcesses() }))
	mux.HandleFunc("/api/health-summary", s.handleJSON(func() any { return s.source.StatusHealthSummary() }))
	mux.HandleFunc("/api/test-runs", s.handleJSON(func() any { return s.source.StatusTestRuns() }))
	mux.HandleFunc("/api/events", s.handleEvents)

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind metrics listener on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()

	s.logger.Info("metrics and status API listening", "addr", addr)
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string { return fmt.Sprintf("127.0.0.1:%d", s.port) }

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleJSON(view func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, view(), s.logger)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 200
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events := s.source.StatusEvents(q.Get("category"), q.Get("minSeverity"), q.Get("q"), limit)
	writeJSON(w, events, s.logger)
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("status response write failed", "error", err)
	}
}
