// Package api provides the admin HTTP surface for CareLoop.
//
// It exposes read-only endpoints for health checks, aggregate stats, and
// per-user check-in export, plus an admin reset endpoint. When the Twilio
// gateway is active the inbound webhook is mounted here too.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr    string
	Webhook http.Handler
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithWebhook mounts an inbound message webhook at /webhook.
func WithWebhook(h http.Handler) Option {
	return func(o *Opts) {
		o.Webhook = h
	}
}

// Server is the admin API server.
type Server struct {
	st   AdminStore
	srv  *http.Server
	opts Opts
}

// NewServer creates an API server backed by the given store.
func NewServer(st AdminStore, options ...Option) *Server {
	opts := Opts{Addr: DefaultAddr}
	for _, opt := range options {
		opt(&opts)
	}
	s := &Server{st: st, opts: opts}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/checkins", s.checkinsHandler)
	mux.HandleFunc("/users/", s.usersHandler)
	if opts.Webhook != nil {
		mux.Handle("/webhook", opts.Webhook)
	}
	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	slog.Info("Server.Start: admin API listening", "addr", s.opts.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server.Start: listener failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Server.Stop: shutting down admin API")
	return s.srv.Shutdown(ctx)
}
