// Package metrics exposes Prometheus collectors for a running node. It
// supersedes the teacher's bare import of prometheus/common/log (a
// logging shim, not a metrics client) with the production-grade
// prometheus/client_golang library, the ambient observability this
// build carries regardless of the spec's Non-goals around UI/dashboards
// (see SPEC_FULL.md "Metrics endpoint").
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every gauge/counter/histogram a node reports.
type Collectors struct {
	ConnectedPeers   prometheus.Gauge
	MutexHeld        prometheus.Gauge
	ReplicationRTT   prometheus.Histogram
	SnapshotsStarted prometheus.Counter
	SnapshotsDone    prometheus.Counter
	CommandsApplied  *prometheus.CounterVec
	Diverged         prometheus.Gauge
}

// New registers and returns a fresh set of collectors on their own
// registry, so multiple nodes in the same test process never collide on
// the default global registry.
func New(siteID string) (*Collectors, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"site_id": siteID}

	c := &Collectors{
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peillute",
			Name:        "connected_peers",
			Help:        "Number of peers currently connected to this node.",
			ConstLabels: labels,
		}),
		MutexHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peillute",
			Name:        "mutex_held",
			Help:        "1 if this node currently holds the global mutex, 0 otherwise.",
			ConstLabels: labels,
		}),
		ReplicationRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "peillute",
			Name:        "replication_round_trip_seconds",
			Help:        "Duration of each Submit call: mutex acquisition, local apply, broadcast and ack collection.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		SnapshotsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "peillute",
			Name:        "snapshots_started_total",
			Help:        "Number of Chandy-Lamport snapshots this node has initiated.",
			ConstLabels: labels,
		}),
		SnapshotsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "peillute",
			Name:        "snapshots_completed_total",
			Help:        "Number of aggregated snapshots this node has persisted as initiator.",
			ConstLabels: labels,
		}),
		CommandsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "peillute",
			Name:        "commands_applied_total",
			Help:        "Commands applied to the local ledger, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		Diverged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peillute",
			Name:        "diverged",
			Help:        "1 if this replica has detected a validation divergence and stopped processing commands.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		c.ConnectedPeers,
		c.MutexHeld,
		c.ReplicationRTT,
		c.SnapshotsStarted,
		c.SnapshotsDone,
		c.CommandsApplied,
		c.Diverged,
	)
	return c, reg
}

// Handler returns the HTTP handler to serve at /metrics for the given
// registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
