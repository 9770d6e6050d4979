package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusPeerConnected   prometheus.Counter
	prometheusPeerViolations  prometheus.Counter
	prometheusAnnouncesSent   prometheus.Counter
	prometheusSyncRootBlocks  prometheus.Counter
	prometheusSyncMinorBlocks prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusPeerConnected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "p2p",
			Name:      "peer_connected",
			Help:      "Number of successful peer handshakes",
		},
	)

	prometheusPeerViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "p2p",
			Name:      "peer_violations",
			Help:      "Number of peers closed for protocol violations",
		},
	)

	prometheusAnnouncesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "p2p",
			Name:      "announces_sent",
			Help:      "Number of tip announcements fanned out",
		},
	)

	prometheusSyncRootBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "p2p",
			Name:      "sync_root_blocks",
			Help:      "Number of root blocks downloaded and validated",
		},
	)

	prometheusSyncMinorBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "p2p",
			Name:      "sync_minor_blocks",
			Help:      "Number of minor blocks downloaded and validated",
		},
	)
}
