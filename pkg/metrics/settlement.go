package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type SettlementMetrics struct {
	obligations   *prometheus.CounterVec
	amountOwed    prometheus.Counter
	transitions   *prometheus.CounterVec
	batchSize     prometheus.Histogram
	sweepFailures prometheus.Counter
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			obligations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "playsettle_obligations_recorded_total",
				Help: "Play obligations recorded by strategy.",
			}, []string{"strategy"}),
			amountOwed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "playsettle_obligations_amount_wei_total",
				Help: "Sum of amounts owed across recorded plays.",
			}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "playsettle_batch_transitions_total",
				Help: "Settlement batch status transitions by target status.",
			}, []string{"status"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "playsettle_batch_obligations",
				Help:    "Number of obligations per created settlement batch.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			}),
			sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "playsettle_sweep_failures_total",
				Help: "Per-artist batch builds that failed during a sweep.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.obligations,
			settlementRegistry.amountOwed,
			settlementRegistry.transitions,
			settlementRegistry.batchSize,
			settlementRegistry.sweepFailures,
		)
	})
	return settlementRegistry
}

func (m *SettlementMetrics) ObserveObligation(strategy string, amount uint64) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "unknown"
	}
	m.obligations.WithLabelValues(strategy).Inc()
	m.amountOwed.Add(float64(amount))
}

func (m *SettlementMetrics) ObserveBatchCreated(size int) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("pending").Inc()
	m.batchSize.Observe(float64(size))
}

func (m *SettlementMetrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *SettlementMetrics) ObserveSweepFailure() {
	if m == nil {
		return
	}
	m.sweepFailures.Inc()
}
