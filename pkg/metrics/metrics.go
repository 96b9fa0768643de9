package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridgerunner_quotes_total",
		Help: "The total number of quote requests by adapter and result",
	}, []string{"adapter", "result"})

	QuoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridgerunner_quote_latency_seconds",
		Help:    "Time taken by an adapter to return a quote",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms doubling up to ~25s
	}, []string{"adapter"})

	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridgerunner_transactions_total",
		Help: "Transactions submitted on behalf of transfers",
	}, []string{"chain_id", "kind", "result"})

	LegStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridgerunner_leg_status_total",
		Help: "Leg status transitions by adapter",
	}, []string{"adapter", "status"})

	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridgerunner_poll_ticks_total",
		Help: "Status polls issued by the poller",
	}, []string{"adapter"})

	LegDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridgerunner_leg_duration_seconds",
		Help:    "Time from submission to a terminal leg status",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s doubling up to ~42m
	}, []string{"adapter", "status"})

	TransfersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridgerunner_transfers_active",
		Help: "Transfers currently queued or running",
	})

	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridgerunner_transfers_total",
		Help: "Transfers that settled, failed or were cancelled",
	}, []string{"state"})

	CircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridgerunner_circuit_open",
		Help: "1 when the circuit breaker of an adapter is open",
	}, []string{"adapter"})

	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgerunner_queue_dropped_total",
		Help: "Transfers rejected because the work queue was full",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridgerunner_events_published_total",
		Help: "Progress events published to the broker",
	}, []string{"result"})
)

// SetCircuit records the state of an adapter circuit breaker
func SetCircuit(adapter string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	CircuitOpen.WithLabelValues(adapter).Set(v)
}
