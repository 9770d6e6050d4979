package master

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusMasterRootBlockCommitted prometheus.Counter
	prometheusMasterMinorBlockRouted   prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusMasterRootBlockCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "master",
			Name:      "root_block_committed",
			Help:      "Number of root blocks committed across all slaves",
		},
	)

	prometheusMasterMinorBlockRouted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "master",
			Name:      "minor_block_routed",
			Help:      "Number of minor blocks routed through the master",
		},
	)
}
