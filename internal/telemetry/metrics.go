// Package telemetry provides observability primitives for the Pylon gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	UpstreamRetries    *prometheus.CounterVec
	CompressionRuns    *prometheus.CounterVec
	QuotaRejects       *prometheus.CounterVec
	CredentialFailures *prometheus.CounterVec
	ToolExecutions     *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec
	UsageQueueLength   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pylon",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pylon",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "upstream_retries_total",
			Help:      "Total upstream retry attempts.",
		}, []string{"provider"}),

		CompressionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "context_compressions_total",
			Help:      "Total history compressions triggered by context overflow.",
		}, []string{"provider", "level"}),

		QuotaRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "quota_rejects_total",
			Help:      "Total quota rejections by limit type.",
		}, []string{"limit"}),

		CredentialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "credential_failures_total",
			Help:      "Total credential auth and refresh failures.",
		}, []string{"provider"}),

		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "tool_executions_total",
			Help:      "Total local tool executions in agentic loops.",
		}, []string{"provider", "outcome"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.UpstreamRetries,
		m.CompressionRuns,
		m.QuotaRejects,
		m.CredentialFailures,
		m.ToolExecutions,
		m.TokensProcessed,
		m.UsageQueueLength,
	)

	return m
}
