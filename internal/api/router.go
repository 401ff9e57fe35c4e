// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package api provides the HTTP surface: health, metrics, rules listing,
// the confirmation queue endpoints, and poll-batch ingestion. There is no
// auth layer; deployments front this with their own reverse proxy.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/middleware"
)

// Config configures the admin server.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration

	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// Server is the admin HTTP server, runnable under a supervisor.
type Server struct {
	cfg     Config
	handler *Handler
}

// NewServer builds the admin server.
func NewServer(cfg Config, handler *Handler) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimitReqs <= 0 {
		cfg.RateLimitReqs = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Server{cfg: cfg, handler: handler}
}

// Routes assembles the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(s.cfg.Timeout))

	r.Get("/healthz", s.handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))

		r.Get("/rules", s.handler.ListRules)
		r.Get("/violations", s.handler.ListViolations)
		r.Post("/observations", s.handler.SubmitObservations)

		r.Route("/confirmations", func(r chi.Router) {
			r.Get("/", s.handler.ListConfirmations)
			r.Post("/{id}/approve", s.handler.ApproveConfirmation)
			r.Post("/{id}/reject", s.handler.RejectConfirmation)
		})
	})

	return r
}

// Serve runs the HTTP server until the context is canceled. It satisfies
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.Timeout,
		WriteTimeout:      s.cfg.Timeout,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("Admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
