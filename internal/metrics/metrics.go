// Package metrics exposes the Prometheus gauges/counters operators use to
// watch a running node: mempool depth, committed height, replication lag,
// and reward minting totals. Modeled on the teacher's network/metrics.go
// and p2p/metrics.go per-subsystem registration style.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric agent-world registers, so a node constructs
// one Registry and threads it through each subsystem.
type Registry struct {
	MempoolSize       prometheus.Gauge
	MempoolRejected    prometheus.Counter
	CommittedHeight    prometheus.Gauge
	NetworkHeight      prometheus.Gauge
	GapSyncFailures    prometheus.Counter
	ModuleCallFailures *prometheus.CounterVec
	RewardCreditsMinted prometheus.Counter
	DistfsProbeFailures *prometheus.CounterVec
}

// NewRegistry constructs and registers every gauge/counter against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_world", Subsystem: "mempool", Name: "size",
			Help: "Number of actions currently pending in the mempool.",
		}),
		MempoolRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_world", Subsystem: "mempool", Name: "rejected_total",
			Help: "Actions rejected or evicted from the mempool.",
		}),
		CommittedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_world", Subsystem: "consensus", Name: "committed_height",
			Help: "Highest locally committed block height.",
		}),
		NetworkHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_world", Subsystem: "consensus", Name: "network_committed_height",
			Help: "Highest committed height observed among peers.",
		}),
		GapSyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_world", Subsystem: "replication", Name: "gap_sync_failures_total",
			Help: "Gap-sync attempts that failed validation at a given height.",
		}),
		ModuleCallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_world", Subsystem: "modhost", Name: "call_failures_total",
			Help: "Sandbox call failures by failure code.",
		}, []string{"code"}),
		RewardCreditsMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_world", Subsystem: "reward", Name: "credits_minted_total",
			Help: "Total power credits minted across all nodes.",
		}),
		DistfsProbeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_world", Subsystem: "distfs", Name: "probe_failures_total",
			Help: "DistFS storage probe failures by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(r.MempoolSize, r.MempoolRejected, r.CommittedHeight, r.NetworkHeight,
		r.GapSyncFailures, r.ModuleCallFailures, r.RewardCreditsMinted, r.DistfsProbeFailures)
	return r
}
