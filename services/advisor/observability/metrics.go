// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the advisor.
//
// # Description
//
// Metrics cover the chat serving path end to end: request counters, stream
// latency histograms (time to first token, total duration), cache hit
// ratios, degraded-retrieval and rate-limited counters, and live gauges for
// active streams and websocket connections.
//
// # Integration
//
// Exposed on /metrics for Prometheus scraping. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fincoach"

const chatSubsystem = "chat"

// ChatMetrics holds the advisor's Prometheus metrics. Initialize once at
// startup via InitMetrics.
type ChatMetrics struct {
	// RequestsTotal counts chat requests.
	// Labels: endpoint (chat, chat_stream, ws_chat), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first streamed token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total turn duration.
	// Labels: endpoint, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks in-flight chat turns.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ActiveConnections tracks open websocket connections.
	ActiveConnections prometheus.Gauge

	// ErrorsTotal counts errors by stable error code.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// CacheOpsTotal counts cache lookups by keyspace and outcome.
	// Labels: keyspace (response, embedding, profile, history), outcome (hit, miss)
	CacheOpsTotal *prometheus.CounterVec

	// DegradedRetrievalsTotal counts turns that proceeded without grounding
	// because retrieval infrastructure failed.
	DegradedRetrievalsTotal prometheus.Counter

	// RateLimitedTotal counts rejected turns.
	// Labels: endpoint
	RateLimitedTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE heartbeats and websocket pongs sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that went away mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *ChatMetrics

// InitMetrics creates and registers all advisor metrics on the default
// registry. Call once at startup; a second call panics on duplicate
// registration.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total chat requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total chat turn duration in seconds",
				Buckets:   []float64{0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Currently running chat turns",
			},
			[]string{"endpoint"},
		),

		ActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_websocket_connections",
				Help:      "Currently open websocket connections",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Errors by endpoint and stable error code",
			},
			[]string{"endpoint", "error_code"},
		),

		CacheOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "cache_ops_total",
				Help:      "Cache lookups by keyspace and outcome",
			},
			[]string{"keyspace", "outcome"},
		),

		DegradedRetrievalsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "degraded_retrievals_total",
				Help:      "Turns served without grounding due to retrieval failures",
			},
		),

		RateLimitedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "rate_limited_total",
				Help:      "Turns rejected by the per-user rate limit",
			},
			[]string{"endpoint"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "SSE heartbeats and websocket pongs sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Clients that disconnected mid-stream",
			},
			[]string{"endpoint"},
		),
	}
	return DefaultMetrics
}

// RecordCacheLookup is a nil-safe helper for the hot path.
func (m *ChatMetrics) RecordCacheLookup(keyspace string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheOpsTotal.WithLabelValues(keyspace, outcome).Inc()
}

// RecordError is a nil-safe helper for counting coded errors.
func (m *ChatMetrics) RecordError(endpoint, code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(endpoint, code).Inc()
}
