// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/rejoin/rejoin"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// StatusSource reports the rejoin this node is coordinating.
type StatusSource interface {
	Status() (rejoin.Status, error)
}

// Server provides liveness, readiness and rejoin progress endpoints.
type Server struct {
	config Config
	source StatusSource
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, source StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		source: source,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/rejoin/status", s.handleRejoinStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled.
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
	Details string `json:"details,omitempty"`
}

// handleReady reports ready while no rejoin is running. A node whose sites
// are still joining cannot take their share of the workload yet.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.source == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "coordinator not initialized",
		})
		return
	}

	st, err := s.source.Status()
	switch {
	case errors.Is(err, rejoin.ErrNoJoin):
		writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: err.Error()})
	case !st.Done:
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "rejoin in progress"})
	default:
		writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
	}
}

// SiteStatus is the JSON view of one joining site.
type SiteStatus struct {
	SiteID            string `json:"site_id"`
	Phase             string `json:"phase"`
	StreamMailboxID   string `json:"stream_mailbox_id,omitempty"`
	SnapshotRequested bool   `json:"snapshot_requested"`
	Cutoff            int64  `json:"cutoff"`
	Replayed          uint64 `json:"replayed"`
	Error             string `json:"error,omitempty"`
}

// RejoinStatusResponse represents the progress of the current rejoin.
type RejoinStatusResponse struct {
	RejoinID string       `json:"rejoin_id,omitempty"`
	Strategy string       `json:"strategy,omitempty"`
	Done     bool         `json:"done"`
	Sites    []SiteStatus `json:"sites"`
}

func (s *Server) handleRejoinStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.source == nil {
		http.Error(w, "coordinator not initialized", http.StatusServiceUnavailable)
		return
	}

	st, err := s.source.Status()
	if errors.Is(err, rejoin.ErrNoJoin) {
		writeJSON(w, http.StatusOK, RejoinStatusResponse{Done: true, Sites: []SiteStatus{}})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	resp := RejoinStatusResponse{
		RejoinID: st.RejoinID,
		Strategy: st.Strategy.String(),
		Done:     st.Done,
		Sites:    make([]SiteStatus, 0, len(st.Sites)),
	}
	for _, site := range st.Sites {
		ss := SiteStatus{
			SiteID:            site.SiteID.String(),
			Phase:             site.Phase.String(),
			SnapshotRequested: site.SnapshotRequested,
			Cutoff:            site.Cutoff,
			Replayed:          site.Replayed,
		}
		if site.StreamMailboxID != 0 {
			ss.StreamMailboxID = site.StreamMailboxID.String()
		}
		if site.Err != nil {
			ss.Error = site.Err.Error()
		}
		resp.Sites = append(resp.Sites, ss)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
