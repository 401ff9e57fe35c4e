// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package metrics exposes Prometheus collectors for the session lifecycle,
// rule evaluation, action execution, and poll reconciliation paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_sessions_created_total",
			Help: "Total playback sessions created",
		},
		[]string{"server_id", "kind"}, // kind: new, quality_change, resume, media_change
	)

	SessionsStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_sessions_stopped_total",
			Help: "Total playback sessions stopped",
		},
		[]string{"server_id"},
	)

	StopRacesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinelarr_stop_races_lost_total",
			Help: "Stop attempts that found the session already stopped",
		},
	)

	TxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinelarr_tx_retries_total",
			Help: "Session-creation transaction retries after serialization conflicts",
		},
	)

	TxFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_tx_failures_total",
			Help: "Session-creation transactions that failed permanently",
		},
		[]string{"reason"}, // conflict_exhausted, timeout, error
	)

	TxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinelarr_tx_duration_seconds",
			Help:    "Duration of session-creation transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rule evaluation
	RulesEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinelarr_rules_evaluated_total",
			Help: "Total rule evaluations",
		},
	)

	RulesMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_rules_matched_total",
			Help: "Total rule matches",
		},
		[]string{"rule"},
	)

	ViolationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_violations_created_total",
			Help: "Total violations persisted",
		},
		[]string{"severity"},
	)

	// Action execution
	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_actions_executed_total",
			Help: "Actions executed successfully",
		},
		[]string{"type"},
	)

	ActionsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_actions_skipped_total",
			Help: "Actions skipped by cooldown or confirmation gating",
		},
		[]string{"type", "reason"},
	)

	ActionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_actions_failed_total",
			Help: "Actions whose handler returned an error",
		},
		[]string{"type"},
	)

	StreamsTerminated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinelarr_streams_terminated_total",
			Help: "Streams terminated by kill_stream actions",
		},
	)

	// Poll reconciliation
	PollBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinelarr_poll_batches_total",
			Help: "Poll result batches processed",
		},
	)

	PollReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_poll_reconciled_total",
			Help: "Cache reconciliation operations by kind",
		},
		[]string{"kind"}, // added, updated, removed, skipped
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_events_published_total",
			Help: "Lifecycle events published to the broadcast layer",
		},
		[]string{"event"},
	)

	// HTTP surface
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelarr_api_requests_total",
			Help: "API requests by method, route, and status code",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinelarr_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	APIRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinelarr_api_requests_in_flight",
			Help: "API requests currently being served",
		},
	)
)
