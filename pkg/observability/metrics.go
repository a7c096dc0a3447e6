// Package observability holds the prometheus instrumentation shared across
// the billing services.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts normalized provider events by outcome.
	// Outcomes: applied, noop, rejected, failed.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "webhook_events_total",
		Help:      "Normalized provider events processed, by provider, type and outcome.",
	}, []string{"provider", "event_type", "outcome"})

	// TransitionsTotal counts subscription state transitions by history action.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "subscription_transitions_total",
		Help:      "Subscription state transitions, by history action.",
	}, []string{"action"})

	// SweepTransitionsTotal counts transitions produced by the period-end sweep.
	SweepTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "period_end_sweep_transitions_total",
		Help:      "Subscriptions transitioned by the period-end sweep, by resulting status.",
	}, []string{"status"})

	// ReconcileDuration observes end-to-end event reconciliation latency.
	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billing",
		Name:      "event_reconcile_duration_seconds",
		Help:      "Time to reconcile a normalized provider event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EntitlementCacheHits counts resolver cache hits and misses.
	EntitlementCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "entitlement_cache_requests_total",
		Help:      "Entitlement resolver cache lookups, by result.",
	}, []string{"result"})
)
