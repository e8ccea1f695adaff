// Package server exposes claim processing over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/guard"
	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
	"github.com/ppiankov/claimledger/internal/service"
)

const maxRequestBytes = 1 << 20

// Processor assesses one claim
type Processor interface {
	Process(ctx context.Context, req model.ClaimRequest) (model.AssessmentResult, error)
}

// Server serves the claim API
type Server struct {
	processor Processor
	broker    *pipeline.Broker
	cfg       model.ServerConfig
	logger    *zap.Logger
	version   string
	started   time.Time
	heartbeat time.Duration
}

// New creates a server. broker may be nil, in which case the event stream
// endpoint is not registered.
func New(p Processor, broker *pipeline.Broker, cfg model.ServerConfig, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		processor: p,
		broker:    broker,
		cfg:       cfg,
		logger:    logger,
		version:   version,
		started:   time.Now(),
		heartbeat: 15 * time.Second,
	}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process-claim", s.handleProcess)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.broker != nil {
		mux.HandleFunc("GET /claims/{id}/events", s.handleEvents)
	}
	return withRequestID(withAccessLog(s.logger, withCORS(s.cfg.AllowedOrigins, mux)))
}

// ListenAndServe serves on the configured address until ctx is cancelled,
// then drains in-flight requests for up to the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.logger.Info("shutting down", zap.Duration("timeout", timeout))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req model.ClaimRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, fmt.Sprintf("decode claim: %v", err))
		return
	}

	res, err := s.processor.Process(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, service.ErrInvalid):
		writeProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, guard.ErrInFlight):
		writeProblem(w, r, http.StatusConflict, fmt.Sprintf("Claim %s is already being processed", req.ID))
	default:
		writeProblem(w, r, http.StatusServiceUnavailable, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "claimledger",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// handleEvents streams progress events for one claim as server-sent events.
// The stream ends after the run's complete or error event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	claimID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.broker.Subscribe(claimID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("marshal event", zap.Error(err))
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
			if ev.Type == pipeline.EventComplete || ev.Type == pipeline.EventError {
				return
			}
		}
	}
}
