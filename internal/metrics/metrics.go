// Package metrics defines the process-wide counters the replication core
// exposes. No HTTP exporter is wired -- metrics formatting/scraping is out
// of scope per spec.md §1 -- but the counters themselves are ambient
// observability the teacher's stack (and the rest of the example corpus)
// always carries, so they are registered against the default prometheus
// registry for an operator to wire into whatever exporter they choose.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// FastPathCommits counts dots committed via the EPaxos fast path
	// (all fast-quorum replies agreed).
	FastPathCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "epax",
		Name:      "fast_path_commits_total",
		Help:      "Number of dots committed via the fast path.",
	})

	// SlowPathCommits counts dots that required the embedded synod
	// (MConsensus/MConsensusAck) before committing.
	SlowPathCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "epax",
		Name:      "slow_path_commits_total",
		Help:      "Number of dots committed via the slow path.",
	})

	// StableDots counts dots whose CommandInfo has been garbage collected
	// after being declared stable at every replica.
	StableDots = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "epax",
		Name:      "stable_dots_total",
		Help:      "Number of dots garbage collected after reaching stability.",
	})

	// QuorumAckLatency observes, in a histogram, how many fast-quorum acks
	// a dot accumulated before it either fast-committed or fell to the
	// slow path -- useful for spotting a cluster that never takes the fast
	// path.
	QuorumAckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "epax",
		Name:      "quorum_acks_received",
		Help:      "Number of fast-quorum acks accumulated per dot before commit or fallback.",
		Buckets:   prometheus.LinearBuckets(1, 1, 8),
	})
)

func init() {
	prometheus.MustRegister(FastPathCommits, SlowPathCommits, StableDots, QuorumAckLatency)
}
