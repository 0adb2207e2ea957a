// Package metrics holds the Prometheus collectors shared across paycore.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_http_requests_total",
		Help: "Total HTTP requests processed, labeled by route and status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paycore_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})

	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paycore_provider_call_duration_seconds",
		Help:    "Latency of outbound provider adapter calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "operation", "outcome"})

	LedgerReversals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_ledger_reversals_total",
		Help: "Ledger reversals, labeled by trigger",
	}, []string{"trigger"})

	ReversalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_reversal_failures_total",
		Help: "Reversals that could not be applied and need manual reconciliation",
	})

	ReconciliationRequired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_reconciliation_required_total",
		Help: "Transactions whose state could not be recorded after the money moved, labeled by stage",
	}, []string{"stage"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_webhooks_total",
		Help: "Provider webhooks processed, labeled by event kind and outcome",
	}, []string{"provider", "kind", "outcome"})

	WebhookSignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_webhook_signature_failures_total",
		Help: "Webhooks rejected on signature or integrity hash",
	}, []string{"provider"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_jobs_total",
		Help: "Background jobs, labeled by kind and outcome",
	}, []string{"kind", "outcome"})

	JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paycore_job_queue_depth",
		Help: "Jobs waiting in the in-process queue",
	})
)
