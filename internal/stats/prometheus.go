package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle-phase instruments shared by the orchestrator and the workers.
// Exposed on /metrics when the daemon is started with --metrics-addr.
var (
	FullCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "kpd_full_cycle_seconds",
		Help: "Duration of one full synchronization cycle.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	PatchworkFetchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "kpd_patchwork_fetch_seconds",
		Help: "Duration of the patchwork fetch phase of a cycle.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	GitCloneTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kpd_git_clone_total",
		Help: "Full clones performed, including re-clone fallbacks.",
	})

	GitCloneSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "kpd_git_clone_seconds",
		Help: "Duration of git clone operations.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	GitFetchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kpd_git_fetch_total",
		Help: "Incremental git fetches performed.",
	})

	GitFetchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "kpd_git_fetch_seconds",
		Help: "Duration of git fetch operations.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	ProcessedPRsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kpd_processed_prs_total",
		Help: "Relevant pull requests counted at the end of each cycle.",
	})

	RatelimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kpd_github_ratelimit_remaining",
		Help: "GitHub core rate limit remaining, sampled once per cycle.",
	}, []string{"user"})
)

// PromSink exports counter snapshots as a gauge vector keyed by project and
// counter name.
type PromSink struct {
	vec *prometheus.GaugeVec
}

// NewPromSink registers the sink's gauge vector with the default registry.
func NewPromSink() *PromSink {
	return &PromSink{
		vec: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kpd_counter",
			Help: "Per-cycle counters from the sync stats store.",
		}, []string{"project", "name"}),
	}
}

// Flush publishes one snapshot.
func (p *PromSink) Flush(project string, counters map[string]float64) {
	for name, value := range counters {
		p.vec.WithLabelValues(project, name).Set(value)
	}
}
