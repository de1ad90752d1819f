// Package server exposes the job subsystem over HTTP and WebSocket: job
// submission, queries, cancellation, schedule management, live job updates,
// health, and Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/jobs/schedule"
	"github.com/mosaicvideo/mosaic/sym"
)

// Server serves the job API and fans live updates out to WebSocket clients.
type Server struct {
	store     *jobs.Store
	pool      *jobs.Pool
	schedules *schedule.Store
	mirror    *jobs.SQLiteMirror
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	clients map[*Client]bool

	httpServer *http.Server
}

// Options carries the server's collaborators. Mirror and Schedules may be
// nil when durability is disabled.
type Options struct {
	Addr      string
	Store     *jobs.Store
	Pool      *jobs.Pool
	Schedules *schedule.Store
	Mirror    *jobs.SQLiteMirror
	Logger    *zap.SugaredLogger
}

// New creates a server. Call Start to begin listening.
func New(ctx context.Context, opts Options) *Server {
	serverCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		store:     opts.Store,
		pool:      opts.Pool,
		schedules: opts.Schedules,
		mirror:    opts.Mirror,
		logger:    opts.Logger.Named("server"),
		ctx:       serverCtx,
		cancel:    cancel,
		clients:   make(map[*Client]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/schedules", s.handleSchedules)
	mux.HandleFunc("/api/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Infow("Server listening", "symbol", sym.Wire, "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http server failed")
}

// Shutdown stops the listener, disconnects WebSocket clients, and waits for
// client pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for client := range s.clients {
		client.disconnect()
	}
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Timed out waiting for client pumps")
	}

	s.logger.Infow("Server stopped", "symbol", sym.Wire)
	return errors.Wrap(err, "http shutdown failed")
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Debugw("Client connected", "client_id", c.id, "clients", count)
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Debugw("Client disconnected", "client_id", c.id, "clients", count)
}

// jobLogs fetches the execution log for a job, empty when the mirror is off.
func (s *Server) jobLogs(jobID string) []jobs.LogEntry {
	if s.mirror == nil {
		return nil
	}
	entries, err := s.mirror.ListLogs(jobID, 200)
	if err != nil {
		s.logger.Debugw("Failed to list job logs", "job_id", jobID, "error", err)
		return nil
	}
	return entries
}
