// Package metrics exposes the Prometheus collectors of the indexer, settler and reputation processes.
// Each family registers once on the default registry; methods are safe on a nil receiver.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type IndexerMetrics struct {
	cycles         *prometheus.CounterVec
	events         *prometheus.CounterVec
	decodeSkips    prometheus.Counter
	lastCheckpoint prometheus.Gauge
	chainHeight    prometheus.Gauge
	cycleDuration  prometheus.Histogram
}

var (
	indexerOnce     sync.Once
	indexerRegistry *IndexerMetrics
)

func Indexer() *IndexerMetrics {
	indexerOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "playsettle_indexer_cycles_total",
				Help: "Indexing cycles by outcome (indexed, idle, error, busy).",
			}, []string{"outcome"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "playsettle_indexer_events_total",
				Help: "Recognised chain events processed by kind.",
			}, []string{"kind"}),
			decodeSkips: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "playsettle_indexer_decode_skips_total",
				Help: "Logs with a known signature that failed to decode.",
			}),
			lastCheckpoint: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "playsettle_indexer_last_indexed_block",
				Help: "Last block persisted as the indexer checkpoint.",
			}),
			chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "playsettle_indexer_chain_height",
				Help: "Chain height observed at the start of the last cycle.",
			}),
			cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "playsettle_indexer_cycle_seconds",
				Help:    "Wall time of indexing cycles.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			indexerRegistry.cycles,
			indexerRegistry.events,
			indexerRegistry.decodeSkips,
			indexerRegistry.lastCheckpoint,
			indexerRegistry.chainHeight,
			indexerRegistry.cycleDuration,
		)
	})
	return indexerRegistry
}

func (m *IndexerMetrics) ObserveCycle(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(seconds)
}

func (m *IndexerMetrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *IndexerMetrics) ObserveDecodeSkip() {
	if m == nil {
		return
	}
	m.decodeSkips.Inc()
}

func (m *IndexerMetrics) SetCheckpoint(block uint64) {
	if m == nil {
		return
	}
	m.lastCheckpoint.Set(float64(block))
}

func (m *IndexerMetrics) SetChainHeight(height uint64) {
	if m == nil {
		return
	}
	m.chainHeight.Set(float64(height))
}
