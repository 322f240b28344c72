/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/api"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/dispatcher"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/messaging"
	"github.com/loqalabs/loqa-scribe/internal/scratch"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/storage"
	"github.com/loqalabs/loqa-scribe/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported by /, /health and the gRPC health service
const ServiceName = "loqa-scribe"

const (
	shutdownTimeout     = 30 * time.Second
	summaryInterval     = 5 * time.Minute
	healthProbeDeadline = 2 * time.Second
)

// Options overrides components built from configuration
type Options struct {
	// Engine replaces the configured backend
	Engine engine.Engine
	// DisableNATS skips the NATS connection attempt
	DisableNATS bool
}

// Server hosts the websocket transcription endpoint and its supporting services
type Server struct {
	cfg    *config.Config
	mux    *http.ServeMux
	server *http.Server

	grpcServer *grpc.Server
	health     *health.Server

	registry *session.Registry
	engine   engine.Engine
	scratch  *scratch.Store
	monitor  *transport.Monitor
	db       *storage.Database
	jobs     *storage.JobsStore
	feedback *storage.FeedbackStore
	nats     *messaging.NATSService

	// Server context for background services
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server from configuration
func New(cfg *config.Config) (*Server, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a server, letting callers inject components
func NewWithOptions(cfg *config.Config, opts Options) (*Server, error) {
	eng := opts.Engine
	if eng == nil {
		var err error
		if eng, err = engine.New(cfg.Engine); err != nil {
			return nil, fmt.Errorf("create engine: %w", err)
		}
	}

	store, err := scratch.NewStore(cfg.Storage.ScratchDir)
	if err != nil {
		return nil, err
	}

	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Storage.DBPath})
	if err != nil {
		return nil, err
	}
	feedback, err := storage.NewFeedbackStore(db, cfg.Storage.FeedbackDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		registry: session.NewRegistry(cfg.Session.MaxSessions),
		engine:   eng,
		scratch:  store,
		monitor:  transport.NewMonitor(),
		db:       db,
		jobs:     storage.NewJobsStore(db),
		feedback: feedback,
		nats:     messaging.NewNATSService(cfg.NATS),
		health:   health.NewServer(),
		ctx:      ctx,
		cancel:   cancel,
	}

	if !opts.DisableNATS && cfg.NATS.URL != "" {
		if err := s.nats.Connect(); err != nil {
			logging.LogWarn("NATS unavailable; job events will not be published", zap.Error(err))
		}
	}

	d, err := dispatcher.New(dispatcher.Config{
		Engine:       eng,
		Scratch:      store,
		EngineConfig: cfg.Engine,
		Feedback:     feedback,
		Recorder:     &jobRecorder{jobs: s.jobs, publisher: s.nats},
		Observer:     s.monitor,
	})
	if err != nil {
		s.closeResources()
		return nil, err
	}

	s.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.routes(transport.NewHandler(s.registry, d, s.monitor, cfg.Server, cfg.Session))
	return s, nil
}

// routes sets up HTTP routing
func (s *Server) routes(ws http.Handler) {
	s.mux.Handle(s.cfg.Server.WSPath, ws)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/", s.handleRoot)
	api.NewJobsHandler(s.jobs, s.feedback).Register(s.mux)

	logger().Infow("HTTP routes configured",
		"websocket_endpoint", s.cfg.Server.WSPath,
		"health_endpoint", "/health",
		"jobs_endpoint", "/api/jobs")
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP and gRPC servers and background services until Stop
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Server.GRPCAddr())
	if err != nil {
		return fmt.Errorf("gRPC listen failed: %w", err)
	}
	go func() {
		if err := s.ServeGRPC(lis); err != nil {
			logging.LogError(err, "gRPC server stopped")
		}
	}()

	s.startBackground()

	logger().Infow("loqa-scribe starting",
		"http_addr", s.cfg.Server.Addr(),
		"grpc_addr", s.cfg.Server.GRPCAddr(),
		"backend", s.engine.Name(),
		"max_sessions", s.cfg.Session.MaxSessions)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// ServeGRPC serves the health service on lis
func (s *Server) ServeGRPC(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) startBackground() {
	go s.registry.RunReaper(s.ctx, s.cfg.Session.ReapInterval, s.cfg.Session.IdleTimeout)
	go func() {
		ticker := time.NewTicker(summaryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.monitor.LogSummary()
			}
		}
	}()
}

// Stop ends every session, then shuts the servers and resources down
func (s *Server) Stop() error {
	logger().Infow("Shutting down loqa-scribe")

	s.health.Shutdown()
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Websocket connections are hijacked, so http.Server.Shutdown does not wait for them
	s.registry.Shutdown()
	s.waitForSessions(shutdownCtx)

	var errs []error
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}
	s.grpcServer.GracefulStop()
	s.monitor.LogSummary()
	if err := s.closeResources(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger().Infow("loqa-scribe shut down successfully")
	return nil
}

func (s *Server) waitForSessions(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			logging.LogWarn("Sessions still open at shutdown", zap.Int("sessions", s.registry.Len()))
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) closeResources() error {
	s.cancel()
	s.nats.Close()

	var errs []error
	if err := s.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine close failed: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close failed: %w", err))
	}
	return errors.Join(errs...)
}

// handleRoot answers the availability probe
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   ServiceName,
		"status":    "ok",
		"websocket": s.cfg.Server.WSPath,
	})
}

// handleHealth provides system health information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeDeadline)
	defer cancel()

	status := "ok"
	database := "ok"
	if err := s.db.Ping(ctx); err != nil {
		status = "degraded"
		database = err.Error()
	}

	report := map[string]interface{}{
		"status":              status,
		"service":             ServiceName,
		"timestamp":           time.Now(),
		"backend":             s.engine.Name(),
		"sessions":            s.registry.Len(),
		"scratch_outstanding": s.scratch.Outstanding(),
		"database":            database,
		"nats_connected":      s.nats.IsConnected(),
		"transport":           s.monitor.Status(),
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.LogError(err, "Failed to write JSON response")
	}
}

func logger() *zap.SugaredLogger {
	return logging.Component("server").Sugar()
}
