// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics groups the Prometheus collectors for the forwarding
// table's mutations, the reconciler's kernel operations, and TWAMP packet
// counts. These are ambient observability, not a spec feature: no
// component depends on their values.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector vmark-noded registers.
type Metrics struct {
	RuleMutations   *prometheus.CounterVec
	RuleConflicts   prometheus.Counter
	RulesActive     prometheus.Gauge

	ReconcileRuns     prometheus.Counter
	ReconcileFailures prometheus.Counter
	KernelMapOps      *prometheus.CounterVec
	AttachedIfaces    prometheus.Gauge

	TWAMPSent      *prometheus.CounterVec
	TWAMPReflected *prometheus.CounterVec
	TWAMPLost      *prometheus.CounterVec
}

// New creates every collector; Register adds them to a registry. op is one of "create",
// "delete", "enable", "disable" for RuleMutations, and "put"/"delete" for
// KernelMapOps.
func New() *Metrics {
	return &Metrics{
		RuleMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmark_noded_rule_mutations_total",
			Help: "Total number of forwarding rule mutations, by operation.",
		}, []string{"op"}),
		RuleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmark_noded_rule_conflicts_total",
			Help: "Total number of rule mutations rejected for conflicting with an active rule.",
		}),
		RulesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmark_noded_rules_active",
			Help: "Number of currently active user rules.",
		}),

		ReconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmark_noded_reconcile_runs_total",
			Help: "Total number of reconciliation passes.",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmark_noded_reconcile_failures_total",
			Help: "Total number of reconciliation passes that failed and rolled back.",
		}),
		KernelMapOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmark_noded_kernel_map_ops_total",
			Help: "Total number of kernel forwarding map operations, by operation.",
		}, []string{"op"}),
		AttachedIfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmark_noded_attached_interfaces",
			Help: "Number of interfaces with the XDP forwarding program attached.",
		}),

		TWAMPSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmark_noded_twamp_sent_total",
			Help: "Total number of TWAMP test packets sent, by session id.",
		}, []string{"session"}),
		TWAMPReflected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmark_noded_twamp_reflected_total",
			Help: "Total number of TWAMP test packets reflected by the responder.",
		}, []string{"responder"}),
		TWAMPLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmark_noded_twamp_lost_total",
			Help: "Total number of TWAMP test packets not matched before the drain deadline.",
		}, []string{"session"}),
	}
}

// Registerer is the subset of prometheus.Registerer used to register a
// Metrics' collectors.
type Registerer interface {
	MustRegister(...prometheus.Collector)
}

// Register registers every collector in m with reg.
func (m *Metrics) Register(reg Registerer) {
	reg.MustRegister(
		m.RuleMutations, m.RuleConflicts, m.RulesActive,
		m.ReconcileRuns, m.ReconcileFailures, m.KernelMapOps, m.AttachedIfaces,
		m.TWAMPSent, m.TWAMPReflected, m.TWAMPLost,
	)
}
