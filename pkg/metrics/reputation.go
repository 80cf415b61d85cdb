package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type ReputationMetrics struct {
	reports    *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	recomputes *prometheus.CounterVec
	slashes    prometheus.Counter
}

var (
	reputationOnce     sync.Once
	reputationRegistry *ReputationMetrics
)

func Reputation() *ReputationMetrics {
	reputationOnce.Do(func() {
		reputationRegistry = &ReputationMetrics{
			reports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "playsettle_quality_reports_total",
				Help: "Accepted quality reports by result.",
			}, []string{"result"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "playsettle_quality_reports_rejected_total",
				Help: "Rejected quality reports by reason.",
			}, []string{"reason"}),
			recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "playsettle_trust_recomputes_total",
				Help: "Verification recomputations by resulting tier.",
			}, []string{"tier"}),
			slashes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "playsettle_node_slashes_total",
				Help: "Byzantine reports resolved as slashed.",
			}),
		}
		prometheus.MustRegister(
			reputationRegistry.reports,
			reputationRegistry.rejected,
			reputationRegistry.recomputes,
			reputationRegistry.slashes,
		)
	})
	return reputationRegistry
}

func (m *ReputationMetrics) ObserveReport(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.reports.WithLabelValues(result).Inc()
}

func (m *ReputationMetrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *ReputationMetrics) ObserveRecompute(tier string) {
	if m == nil {
		return
	}
	m.recomputes.WithLabelValues(tier).Inc()
}

func (m *ReputationMetrics) ObserveSlash() {
	if m == nil {
		return
	}
	m.slashes.Inc()
}
