// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine holds the engine-level metric collectors. A single instance is
// created at bootstrap and passed through explicitly.
type Engine struct {
	Transitions     *prometheus.CounterVec
	Events          *prometheus.CounterVec
	LeaseAcquires   *prometheus.CounterVec
	LeaseReclaims   prometheus.Counter
	IdempotencyHits *prometheus.CounterVec
	ApplyDuration   prometheus.Histogram
	CheckoutMisses  prometheus.Counter
}

// NewEngine registers engine collectors on the given registerer.
func NewEngine(reg prometheus.Registerer) *Engine {
	factory := promauto.With(reg)
	return &Engine{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "state_transitions_total",
			Help:      "State transitions recorded, by entity and target state.",
		}, []string{"entity", "to"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "events_total",
			Help:      "Audit events appended, by event name.",
		}, []string{"event"}),
		LeaseAcquires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "lease_acquires_total",
			Help:      "Lease acquire attempts, by outcome.",
		}, []string{"outcome"}),
		LeaseReclaims: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "lease_reclaims_total",
			Help:      "Expired leases reclaimed by maintenance.",
		}),
		IdempotencyHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "idempotency_lookups_total",
			Help:      "Idempotency guard lookups, by outcome (miss, replay, conflict).",
		}, []string{"outcome"}),
		ApplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "foreman",
			Name:      "apply_duration_seconds",
			Help:      "Duration of order apply, including the type hook.",
			Buckets:   prometheus.DefBuckets,
		}),
		CheckoutMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "checkout_misses_total",
			Help:      "Checkout calls that matched no item.",
		}),
	}
}

// NewNop returns collectors backed by a throwaway registry, for tests and
// callers that do not care about scraping.
func NewNop() *Engine {
	return NewEngine(prometheus.NewRegistry())
}
