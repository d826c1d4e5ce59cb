package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "kasagent"

// Metrics holds the consumer service's Prometheus counters. They register
// on an injected Registerer so each test run scrapes its own registry.
type Metrics struct {
	CycleAccepted   prometheus.Counter
	CycleDuplicate  prometheus.Counter
	CycleStaleFence prometheus.Counter

	ReceiptSSEEvents prometheus.Counter

	ConsistencyChecks   prometheus.Counter
	ConsistencyMismatch prometheus.Counter
	MismatchByType      *prometheus.CounterVec
}

// NewMetrics creates and registers the consumer metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CycleAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycle_accepted_total",
			Help:      "Scheduler cycle callbacks accepted with a fresh idempotency key and a valid fence token",
		}),
		CycleDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycle_duplicate_total",
			Help:      "Scheduler cycle callbacks answered from a cached idempotency record",
		}),
		CycleStaleFence: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycle_stale_fence_total",
			Help:      "Scheduler cycle callbacks rejected because a newer leader fence token had been accepted",
		}),
		ReceiptSSEEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "receipt_sse_events_total",
			Help:      "Receipt events published to stream subscribers",
		}),
		ConsistencyChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "receipt_consistency_checks_total",
			Help:      "Receipt consistency checks recorded, whatever their status",
		}),
		ConsistencyMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "receipt_consistency_mismatch_total",
			Help:      "Consistency checks whose status was mismatch",
		}),
		MismatchByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "receipt_consistency_mismatch_by_type_total",
			Help:      "Mismatched fields across consistency checks, labeled by field name",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.CycleAccepted,
		m.CycleDuplicate,
		m.CycleStaleFence,
		m.ReceiptSSEEvents,
		m.ConsistencyChecks,
		m.ConsistencyMismatch,
		m.MismatchByType,
	)
	return m
}
