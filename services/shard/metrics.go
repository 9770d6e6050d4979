package shard

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusShardTxAdded          prometheus.Counter
	prometheusShardTxRejected       prometheus.Counter
	prometheusShardBlockAdded       prometheus.Counter
	prometheusShardReorg            prometheus.Counter
	prometheusShardTipHeight        prometheus.Gauge
	prometheusShardAddBlockDuration prometheus.Histogram
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusShardTxAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shard",
			Name:      "tx_added",
			Help:      "Number of transactions admitted to shard mempools",
		},
	)

	prometheusShardTxRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shard",
			Name:      "tx_rejected",
			Help:      "Number of transactions rejected by shard mempools",
		},
	)

	prometheusShardBlockAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shard",
			Name:      "block_added",
			Help:      "Number of minor blocks accepted",
		},
	)

	prometheusShardReorg = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shard",
			Name:      "reorg",
			Help:      "Number of shard chain reorganizations",
		},
	)

	prometheusShardTipHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shard",
			Name:      "tip_height",
			Help:      "Height of the shard chain tip",
		},
	)

	prometheusShardAddBlockDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "shard",
			Name:      "add_block_duration",
			Help:      "Duration of minor block validation and execution",
			Buckets:   prometheus.DefBuckets,
		},
	)
}
