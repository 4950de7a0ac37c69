package mount

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the mount-level Prometheus surface (spec §2.G domain
// stack): free-block count, GC and eviction sweep counts, journal
// replays, and recovery mode — the ambient observability layer the
// teacher's out-of-scope "statistics/debug printing" collaborator
// (spec §1) would otherwise have owned.
//
// Grounded on gcsfuse's and talyz-systemd_exporter's use of
// prometheus/client_golang: a small set of Gauge/Counter vectors
// registered against a caller-supplied *prometheus.Registry, never the
// global default registry, so multiple mounted instances in one process
// (as in tests) don't collide on metric names.
type Metrics struct {
	FreeBlocks     prometheus.Gauge
	FastGCRuns     prometheus.Counter
	ThoroughGCRuns prometheus.Counter
	JournalReplays prometheus.Counter
	EvictionSweeps prometheus.Counter
	RecoveryRescan prometheus.Gauge // 1 if the last mount took the rescan path, 0 if checkpoint-restored
}

// NewMetrics constructs and registers a Metrics set against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		FreeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bytefs",
			Name:      "free_blocks",
			Help:      "Total free blocks across all per-CPU free lists.",
		}),
		FastGCRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bytefs",
			Name:      "fast_gc_runs_total",
			Help:      "Number of fast (in-place) log GC passes run.",
		}),
		ThoroughGCRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bytefs",
			Name:      "thorough_gc_runs_total",
			Help:      "Number of thorough (log-rewriting) GC passes run.",
		}),
		JournalReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bytefs",
			Name:      "journal_replays_total",
			Help:      "Number of lite-journal undo records replayed at mount.",
		}),
		EvictionSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bytefs",
			Name:      "eviction_sweeps_total",
			Help:      "Number of page-cache eviction sweeps run.",
		}),
		RecoveryRescan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bytefs",
			Name:      "recovery_rescan",
			Help:      "1 if the last mount's recovery took the full rescan path, 0 if it restored a checkpoint.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FreeBlocks, m.FastGCRuns, m.ThoroughGCRuns, m.JournalReplays, m.EvictionSweeps, m.RecoveryRescan)
	}
	return m
}
