package rootchain

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusRootBlockAdded       prometheus.Counter
	prometheusRootReorg            prometheus.Counter
	prometheusRootTipHeight        prometheus.Gauge
	prometheusRootAddBlockDuration prometheus.Histogram
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusRootBlockAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rootchain",
			Name:      "block_added",
			Help:      "Number of root blocks accepted",
		},
	)

	prometheusRootReorg = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rootchain",
			Name:      "reorg",
			Help:      "Number of root chain reorganizations",
		},
	)

	prometheusRootTipHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rootchain",
			Name:      "tip_height",
			Help:      "Height of the root chain tip",
		},
	)

	prometheusRootAddBlockDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rootchain",
			Name:      "add_block_duration",
			Help:      "Duration of root block validation",
			Buckets:   prometheus.DefBuckets,
		},
	)
}
