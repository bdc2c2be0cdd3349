package httpapi

import (
	"net/http"
	"time"

	"txrelay/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the prometheus view of the relay. It satisfies both the
// application observer and the kafka consumer observer.
type Metrics struct {
	registry *prometheus.Registry

	submitsAccepted  prometheus.Counter
	submitted        prometheus.Counter
	failed           *prometheus.CounterVec
	rescheduled      *prometheus.CounterVec
	unclassified     prometheus.Counter
	blocksReconciled prometheus.Counter
	blockFailures    prometheus.Counter
	blockDuration    prometheus.Histogram
	blockTxs         prometheus.Histogram
	lastBlock        prometheus.Gauge
	chainHead        prometheus.Gauge
	synthesized      prometheus.Counter
	kafkaMessages    *prometheus.CounterVec
	kafkaLag         *prometheus.HistogramVec
	kafkaErrors      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_submit_accepted_total",
			Help: "Requests accepted as queued.",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_transactions_submitted_total",
			Help: "Transactions broadcast to the chain.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrelay_transactions_failed_total",
			Help: "Requests that reached failed, by failure kind.",
		}, []string{"kind"}),
		rescheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrelay_transactions_rescheduled_total",
			Help: "Recoverable failures rescheduled, by failure kind.",
		}, []string{"kind"}),
		unclassified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_unclassified_failures_total",
			Help: "Broadcast errors that matched no known failure kind.",
		}),
		blocksReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_blocks_reconciled_total",
			Help: "Blocks or block partitions reconciled.",
		}),
		blockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_block_failures_total",
			Help: "Block reconciliation attempts that failed and will be retried.",
		}),
		blockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txrelay_block_duration_seconds",
			Help:    "Time to reconcile one block or partition.",
			Buckets: prometheus.DefBuckets,
		}),
		blockTxs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txrelay_block_transactions",
			Help:    "Transactions seen per reconciled block or partition.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txrelay_last_reconciled_block",
			Help: "Highest block reconciled by this process.",
		}),
		chainHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txrelay_chain_head_block",
			Help: "Latest block reported by the node.",
		}),
		synthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrelay_records_synthesized_total",
			Help: "Ledger records written for transfers not originated here.",
		}),
		kafkaMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrelay_kafka_messages_total",
			Help: "Messages consumed, by topic.",
		}, []string{"topic"}),
		kafkaLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txrelay_kafka_lag_seconds",
			Help:    "Delay between produce and consume.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"topic"}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrelay_kafka_errors_total",
			Help: "Consumer errors, by stage.",
		}, []string{"stage"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitsAccepted, m.submitted, m.failed, m.rescheduled, m.unclassified,
		m.blocksReconciled, m.blockFailures, m.blockDuration, m.blockTxs,
		m.lastBlock, m.chainHead, m.synthesized,
		m.kafkaMessages, m.kafkaLag, m.kafkaErrors,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SubmitAccepted()       { m.submitsAccepted.Inc() }
func (m *Metrics) TransactionSubmitted() { m.submitted.Inc() }
func (m *Metrics) UnclassifiedFailure()  { m.unclassified.Inc() }

func (m *Metrics) TransactionFailed(kind domain.FailureKind) {
	m.failed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) TransactionRescheduled(kind domain.FailureKind) {
	m.rescheduled.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) BlockReconciled(number uint64, txs int, elapsed time.Duration) {
	m.blocksReconciled.Inc()
	m.blockDuration.Observe(elapsed.Seconds())
	m.blockTxs.Observe(float64(txs))
	m.lastBlock.Set(float64(number))
}

func (m *Metrics) BlockFailed(uint64) { m.blockFailures.Inc() }

func (m *Metrics) RecordsSynthesized(n int) { m.synthesized.Add(float64(n)) }

func (m *Metrics) ChainHead(number uint64) { m.chainHead.Set(float64(number)) }

func (m *Metrics) MessageConsumed(topic string, lag time.Duration) {
	m.kafkaMessages.WithLabelValues(topic).Inc()
	if lag > 0 {
		m.kafkaLag.WithLabelValues(topic).Observe(lag.Seconds())
	}
}

func (m *Metrics) ConsumeError(stage string) {
	m.kafkaErrors.WithLabelValues(stage).Inc()
}
