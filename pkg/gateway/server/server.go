// Package server wires the HTTP surface of the voice bridge: health and
// readiness probes, the metrics endpoint, and the telephony websocket.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evercare-dev/voice-bridge/pkg/care"
	"github.com/evercare-dev/voice-bridge/pkg/gateway/config"
	"github.com/evercare-dev/voice-bridge/pkg/gateway/handlers"
	"github.com/evercare-dev/voice-bridge/pkg/gateway/lifecycle"
	"github.com/evercare-dev/voice-bridge/pkg/gateway/metrics"
	"github.com/evercare-dev/voice-bridge/pkg/gateway/mw"
	"github.com/evercare-dev/voice-bridge/pkg/voice/functions"
	"github.com/evercare-dev/voice-bridge/pkg/voice/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	pool      *pgxpool.Pool
	store     *care.PGStore
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	calls     *sessions.Tracker
}

// New connects to the care database and assembles the routes.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := care.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		pool:      pool,
		store:     care.NewPGStore(pool),
		metrics:   metrics.New("voicebridge"),
		lifecycle: &lifecycle.Lifecycle{},
		calls:     sessions.NewTracker(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle: s.lifecycle,
		DB:        s.pool,
		Calls:     s.calls,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/voice/stream", handlers.VoiceHandler{
		Config:     s.cfg,
		Logger:     s.logger,
		Store:      s.store,
		Dispatcher: functions.New(s.store, s.logger, s.cfg.QueryTimeout),
		Calls:      s.calls,
		Lifecycle:  s.lifecycle,
		Metrics:    s.metrics,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness and makes the voice endpoint refuse new
// calls.
func (s *Server) SetDraining(draining bool) { s.lifecycle.SetDraining(draining) }

// HangupCalls asks every live call to wrap up.
func (s *Server) HangupCalls(reason string) int { return s.calls.HangupAll(reason) }

// CancelCalls force-terminates every live call.
func (s *Server) CancelCalls() int { return s.calls.CancelAll() }

// WaitCalls blocks until live calls finish or ctx expires.
func (s *Server) WaitCalls(ctx context.Context) bool { return s.calls.Wait(ctx) }

// Close releases the database pool.
func (s *Server) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
