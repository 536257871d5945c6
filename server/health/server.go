// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxfed/federation"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Federation is the view of the delivery manager the server reports on.
type Federation interface {
	Running() int
	Status(ctx context.Context) ([]federation.InstanceStatus, error)
}

// Server provides health check and federation status endpoints.
type Server struct {
	config Config
	fed    Federation
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, fed Federation, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		fed:    fed,
		logger: logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/federation/instances", s.handleInstances)
	mux.HandleFunc("/federation/instances/", s.handleInstance)
	return mux
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK once the federation manager is running.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.fed == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "federation not initialized",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{
		Status:  "ready",
		Workers: s.fed.Running(),
	})
}

// InstancesResponse lists the delivery state of every remote instance.
type InstancesResponse struct {
	Workers   int                         `json:"workers"`
	Instances []federation.InstanceStatus `json:"instances"`
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	statuses, ok := s.statuses(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, InstancesResponse{
		Workers:   s.fed.Running(),
		Instances: statuses,
	})
}

// handleInstance returns the status of one instance by domain.
func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	domain := strings.TrimPrefix(r.URL.Path, "/federation/instances/")
	if domain == "" || strings.Contains(domain, "/") {
		http.Error(w, "invalid domain", http.StatusBadRequest)
		return
	}
	statuses, ok := s.statuses(w, r)
	if !ok {
		return
	}

	for _, st := range statuses {
		if strings.EqualFold(st.Instance.Domain, domain) {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	http.Error(w, "instance not found", http.StatusNotFound)
}

func (s *Server) statuses(w http.ResponseWriter, r *http.Request) ([]federation.InstanceStatus, bool) {
	if s.fed == nil {
		http.Error(w, "federation not initialized", http.StatusServiceUnavailable)
		return nil, false
	}
	statuses, err := s.fed.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read federation status", slog.String("error", err.Error()))
		http.Error(w, "failed to read federation status", http.StatusInternalServerError)
		return nil, false
	}
	return statuses, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
