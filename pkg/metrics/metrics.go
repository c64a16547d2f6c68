// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// TurnBuckets covers time to first chunk and full turn latency, 100ms to 120s.
var TurnBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts chat completion requests by mode and response status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_requests_total",
			Help: "Chat completion requests",
		},
		[]string{"mode", "status"},
	)

	// UpstreamAttemptsTotal counts pipeline attempts by outcome
	// (ok, auth_permanent, auth_transient, connect, timeout, error).
	UpstreamAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_upstream_attempts_total",
			Help: "Upstream attempts",
		},
		[]string{"outcome"},
	)

	SecretsInvalidatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbridge_secrets_invalidated_total",
			Help: "Secrets moved to the invalid set",
		},
	)

	// CredentialRefreshTotal counts access credential refreshes by result.
	CredentialRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_credential_refresh_total",
			Help: "Access credential refreshes",
		},
		[]string{"result"},
	)

	ChunksEmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbridge_chunks_emitted_total",
			Help: "Translated chunks sent to callers",
		},
	)

	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbridge_streams_active",
			Help: "Upstream streams currently open",
		},
	)

	ValidSecrets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbridge_secrets_valid",
			Help: "Secrets not in the invalid set",
		},
	)

	TimeToFirstChunk = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatbridge_time_to_first_chunk_seconds",
			Help:    "Time until the upstream stream produced its first assistant event",
			Buckets: TurnBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		UpstreamAttemptsTotal,
		SecretsInvalidatedTotal,
		CredentialRefreshTotal,
		ChunksEmittedTotal,
		ActiveStreams,
		ValidSecrets,
		TimeToFirstChunk,
	)
}
