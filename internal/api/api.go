// Package api provides HTTP handlers and the main API server logic for the
// Easy Islanders dispatch core.
//
// It exposes endpoints for job transitions, external message dispatch, Twilio
// status callbacks, outbox enqueueing, and operational tooling around the
// deadlock sweep and webhook quarantine.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/deadlock"
	"github.com/templeobijnr/easy-islanders-sub001/internal/dispatch"
	"github.com/templeobijnr/easy-islanders-sub001/internal/idempotency"
	"github.com/templeobijnr/easy-islanders-sub001/internal/lifecycle"
	"github.com/templeobijnr/easy-islanders-sub001/internal/messaging"
	"github.com/templeobijnr/easy-islanders-sub001/internal/outbox"
	"github.com/templeobijnr/easy-islanders-sub001/internal/store"
	"github.com/templeobijnr/easy-islanders-sub001/internal/telemetry"
	"github.com/templeobijnr/easy-islanders-sub001/internal/webhook"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr              string
	PublicBaseURL     string
	OutboxMaxAttempts int
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicBaseURL sets the externally visible base URL used to verify
// webhook signatures. When empty, the URL is reconstructed from the request.
func WithPublicBaseURL(url string) Option {
	return func(o *Opts) { o.PublicBaseURL = url }
}

// WithOutboxMaxAttempts sets the default attempt budget for enqueued work.
func WithOutboxMaxAttempts(n int) Option {
	return func(o *Opts) { o.OutboxMaxAttempts = n }
}

// Server wires the HTTP surface to the dispatch core components.
type Server struct {
	st           store.Store
	guard        *lifecycle.Guard
	sender       *dispatch.Sender
	processor    *webhook.Processor
	detector     *deadlock.Detector
	queue        *outbox.Queue
	idem         *idempotency.Guard
	sigValidator *messaging.SignatureValidator

	addr              string
	publicBaseURL     string
	outboxMaxAttempts int
	httpServer        *http.Server
}

// NewServer creates the API server over the given components.
func NewServer(st store.Store, guard *lifecycle.Guard, sender *dispatch.Sender, processor *webhook.Processor, detector *deadlock.Detector, queue *outbox.Queue, idem *idempotency.Guard, sigValidator *messaging.SignatureValidator, opts ...Option) *Server {
	cfg := Opts{
		Addr:              ":8080",
		OutboxMaxAttempts: outbox.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Server{
		st:                st,
		guard:             guard,
		sender:            sender,
		processor:         processor,
		detector:          detector,
		queue:             queue,
		idem:              idem,
		sigValidator:      sigValidator,
		addr:              cfg.Addr,
		publicBaseURL:     cfg.PublicBaseURL,
		outboxMaxAttempts: cfg.OutboxMaxAttempts,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", s.createJobHandler)
	mux.HandleFunc("GET /jobs/{id}", s.getJobHandler)
	mux.HandleFunc("POST /jobs/{id}/transition", s.transitionHandler)
	mux.HandleFunc("POST /dispatch", s.dispatchHandler)
	mux.HandleFunc("POST /webhooks/twilio/status", s.twilioStatusHandler)
	mux.HandleFunc("POST /outbox", s.enqueueOutboxHandler)
	mux.HandleFunc("POST /admin/deadlock-sweep", s.deadlockSweepHandler)
	mux.HandleFunc("GET /admin/stuck-jobs", s.stuckJobsHandler)
	mux.HandleFunc("GET /admin/quarantine", s.quarantineHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", telemetry.Handler())

	return mux
}

// Start begins serving HTTP requests. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Server.Start: API listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
