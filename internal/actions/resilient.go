// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package actions

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sentinelarr/sentinelarr/internal/logging"
)

// ResilientStreamController wraps a StreamController with a circuit breaker.
// Stream termination and client messaging are remote RPCs against a media
// server; when the server is degraded the breaker fails requests fast instead
// of stacking timeouts behind every matched rule.
type ResilientStreamController struct {
	inner   StreamController
	breaker *gobreaker.CircuitBreaker[any]
}

// NewResilientStreamController wraps inner with a breaker that opens after
// three consecutive failures and probes again after 30 seconds.
func NewResilientStreamController(inner StreamController) *ResilientStreamController {
	settings := gobreaker.Settings{
		Name:    "stream-controller",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &ResilientStreamController{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Terminate stops a stream through the breaker.
func (r *ResilientStreamController) Terminate(ctx context.Context, serverID, sessionKey string, delay time.Duration, message string) error {
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.inner.Terminate(ctx, serverID, sessionKey, delay, message)
	})
	return err
}

// SendMessage displays a client message through the breaker.
func (r *ResilientStreamController) SendMessage(ctx context.Context, serverID, sessionKey, message string) error {
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.inner.SendMessage(ctx, serverID, sessionKey, message)
	})
	return err
}
