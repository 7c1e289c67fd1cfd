// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ruleapi

import (
	"sync"

	"vmark-noded/internal/forwarding"
	"vmark-noded/internal/kernel"
	"vmark-noded/internal/logging"
	"vmark-noded/internal/metrics"

	vmerrors "vmark-noded/internal/errors"
)

// Engine is the Rule Engine API: the sole mutation path for the forwarding
// table. Every mutating method holds mu for its entire
// validate-persist-reconcile sequence (spec §5), so two mutations never
// interleave. ShowForwarding does not take mu and can observe a mutation
// whose reconcile has not finished yet.
type Engine struct {
	mu sync.Mutex

	table       *forwarding.Table
	reconciler  *kernel.Reconciler
	persistPath string
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// SetMetrics wires m into e; subsequent mutations are counted. Optional —
// a nil metrics.Metrics is never dereferenced.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
	e.reconciler.SetMetrics(m)
}

// NewEngine builds an Engine around table, wired to binding for kernel
// reconciliation and persistPath for on-disk durability.
func NewEngine(table *forwarding.Table, binding kernel.Binding, persistPath string) *Engine {
	return &Engine{
		table:       table,
		reconciler:  kernel.NewReconciler(binding),
		persistPath: persistPath,
		logger:      logging.WithComponent("ruleapi"),
	}
}

// CreateRule validates and installs rule, persists the table, and
// reconciles the kernel. On any failure after the in-memory mutation
// (persist or reconcile), the table is rolled back and the original error
// returned — the caller never observes a rule as created that is not also
// durable and installed.
func (e *Engine) CreateRule(rule *forwarding.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := e.table.Snapshot()
	if err := e.table.Upsert(rule); err != nil {
		if e.metrics != nil && vmerrors.GetKind(err) == vmerrors.KindConflict {
			e.metrics.RuleConflicts.Inc()
		}
		return err
	}
	if err := e.commit(snapshot); err != nil {
		return err
	}
	e.recordMutation("create")
	return nil
}

// DeleteRule removes a user rule (and its inverse) and reconciles the
// kernel. The rule must already be disabled.
func (e *Engine) DeleteRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := e.table.Snapshot()
	if err := e.table.Delete(name); err != nil {
		return err
	}
	if err := e.commit(snapshot); err != nil {
		return err
	}
	e.recordMutation("delete")
	return nil
}

// EnableRule activates name (and its inverse) and reconciles the kernel.
func (e *Engine) EnableRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := e.table.Snapshot()
	if err := e.table.Enable(name); err != nil {
		if e.metrics != nil && vmerrors.GetKind(err) == vmerrors.KindConflict {
			e.metrics.RuleConflicts.Inc()
		}
		return err
	}
	if err := e.commit(snapshot); err != nil {
		return err
	}
	e.recordMutation("enable")
	return nil
}

// DisableRule deactivates name (and its inverse) and reconciles the
// kernel.
func (e *Engine) DisableRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := e.table.Snapshot()
	if err := e.table.Disable(name); err != nil {
		return err
	}
	if err := e.commit(snapshot); err != nil {
		return err
	}
	e.recordMutation("disable")
	return nil
}

func (e *Engine) recordMutation(op string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RuleMutations.WithLabelValues(op).Inc()
	e.metrics.RulesActive.Set(float64(countActive(e.table.UserRules())))
}

func countActive(rules []*forwarding.Rule) int {
	n := 0
	for _, r := range rules {
		if r.Active {
			n++
		}
	}
	return n
}

// ShowForwarding returns the current rule set (including inverses),
// optionally narrowed by filter. It takes no lock beyond the table's own
// read lock: readers never block behind a mutation's kernel round trip.
func (e *Engine) ShowForwarding(filter forwarding.ShowFilter) []*forwarding.Rule {
	return e.table.Filtered(filter)
}

// commit persists the table and reconciles it into the kernel, rolling
// back to snapshot and re-persisting on either failure.
func (e *Engine) commit(snapshot forwarding.TableSnapshot) error {
	if err := e.table.Persist(e.persistPath); err != nil {
		e.table.Restore(snapshot)
		return err
	}
	if err := e.reconciler.Reconcile(e.table); err != nil {
		e.table.Restore(snapshot)
		if persistErr := e.table.Persist(e.persistPath); persistErr != nil {
			e.logger.Error("failed to re-persist after rollback", "error", persistErr)
		}
		return vmerrors.Wrap(err, vmerrors.KindKernelError, "reconcile kernel state")
	}
	return nil
}

// StartupReconcile loads the persisted table and reconciles it into the
// kernel once at process start, tolerating interfaces that are not yet
// present (spec scenario S3).
func (e *Engine) StartupReconcile() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.table.Load(e.persistPath); err != nil {
		return err
	}
	return e.reconciler.ReconcileStartup(e.table)
}
