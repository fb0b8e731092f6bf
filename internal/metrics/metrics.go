package metrics

import (
	"context"
	"sync"

	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ConsumerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicing_consumer_messages_total",
			Help: "Deliveries handled by consumers, by final broker action",
		},
		[]string{"consumer_id", "schema", "outcome"}, // processed|duplicate|retried|dead_lettered|ignored|malformed|interrupted
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "servicing_consumer_handler_seconds",
			Help:    "Idempotent handler latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer_id", "schema"},
	)

	ProcessingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicing_processing_attempts_total",
			Help: "Handler attempts by result and error kind",
		},
		[]string{"consumer_id", "schema", "success", "error_kind"},
	)

	DeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicing_dead_lettered_total",
			Help: "Messages routed to a dead-letter queue",
		},
		[]string{"domain", "error_kind"},
	)

	DeadLetterReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicing_dead_letter_replayed_total",
			Help: "Dead letters republished by an operator",
		},
		[]string{"domain"},
	)

	RelayPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicing_outbox_published_total",
			Help: "Outbox rows published and marked",
		},
		[]string{"aggregate_type"},
	)

	RelayFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicing_outbox_publish_failures_total",
			Help: "Outbox publish attempts that failed",
		},
		[]string{"aggregate_type"},
	)

	RelayBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "servicing_outbox_breaker_state",
			Help: "Relay circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"relay_id"},
	)

	OutboxStale = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "servicing_outbox_stale_rows",
			Help: "Unpublished outbox rows older than the alert threshold",
		},
	)

	TopologyFindings = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "servicing_topology_findings",
			Help: "Drift findings from the last topology check",
		},
		[]string{"kind"}, // missing|unexpected|mismatched|critical
	)

	PaymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicing_payment_transitions_total",
			Help: "Payment state transitions applied",
		},
		[]string{"from", "to"},
	)
)

var registerOnce sync.Once

// MustRegister registers every collector once; later calls are no-ops.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			ConsumerOutcomes,
			HandlerDuration,
			ProcessingAttempts,
			DeadLettered,
			DeadLetterReplayed,
			RelayPublished,
			RelayFailures,
			RelayBreakerState,
			OutboxStale,
			TopologyFindings,
			PaymentTransitions,
		)
	})
}

// Recorder counts processing attempts in Prometheus.
type Recorder struct{}

func (Recorder) RecordMessage(_ context.Context, m model.MessageMetric) {
	ok := "false"
	if m.Success {
		ok = "true"
	}
	ProcessingAttempts.WithLabelValues(m.ConsumerID, m.Schema, ok, m.ErrorKind).Inc()
}
