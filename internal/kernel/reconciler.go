// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"vmark-noded/internal/forwarding"
	"vmark-noded/internal/forwarding/mapcodec"
	"vmark-noded/internal/logging"
	"vmark-noded/internal/metrics"

	vmerrors "vmark-noded/internal/errors"
)

// Reconciler drives the forwarding.Table's desired state into the kernel
// through a Binding, per spec §4.4: compute the desired per-interface entry
// set, diff it against what the kernel currently holds, and issue the
// minimal set of put/delete operations. On a kernel failure it restores the
// table to the state it held when reconciliation began and returns the
// error; rolling back the mutation itself is the caller's job
// (ruleapi.Engine restores its pre-mutation snapshot).
type Reconciler struct {
	binding Binding
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewReconciler builds a Reconciler around binding.
func NewReconciler(binding Binding) *Reconciler {
	return &Reconciler{binding: binding, logger: logging.WithComponent("reconciler")}
}

// SetMetrics wires m into rc; subsequent reconciliations are counted.
// Optional — a nil metrics.Metrics is never dereferenced.
func (rc *Reconciler) SetMetrics(m *metrics.Metrics) {
	rc.metrics = m
}

// desiredEntry is one row of the desired kernel state: the map key/value a
// single active rule projects, keyed by its owning interface.
type desiredEntry struct {
	ifaceName string
	ifindex   uint32
	key       [mapcodec.KeySize]byte
	value     [mapcodec.ValueSize]byte
}

// computeDesired resolves every active rule in rules into its desired
// kernel entry, grouped by ingress interface. Rules whose ingress or egress
// interface cannot be resolved are skipped with a warning (spec scenario
// S3): the reconciler never fails outright over one absent interface.
func (rc *Reconciler) computeDesired(rules []*forwarding.Rule) map[string][]desiredEntry {
	byInterface := make(map[string][]desiredEntry)

	for _, r := range rules {
		if !r.Active {
			continue
		}

		inIdx, err := rc.binding.ResolveIfindex(r.InInterface)
		if err != nil {
			rc.logger.Warn("skipping rule: ingress interface not present", "rule", r.Name, "interface", r.InInterface)
			continue
		}
		outIdx, err := rc.binding.ResolveIfindex(r.OutInterface)
		if err != nil {
			rc.logger.Warn("skipping rule: egress interface not present", "rule", r.Name, "interface", r.OutInterface)
			continue
		}

		key := mapcodec.EncodeKey(r.ProjectKey(inIdx))
		value, err := mapcodec.EncodeValue(r.ProjectValue(outIdx))
		if err != nil {
			rc.logger.Warn("skipping rule: projection rejected by codec", "rule", r.Name, "error", err)
			continue
		}

		byInterface[r.InInterface] = append(byInterface[r.InInterface], desiredEntry{
			ifaceName: r.InInterface,
			ifindex:   inIdx,
			key:       key,
			value:     value,
		})
	}

	return byInterface
}

// Reconcile brings the kernel's attached programs and per-interface maps
// into agreement with table's current active rules. On any kernel failure
// it restores table to the snapshot taken before reconciliation began and
// returns the failure, leaving the kernel's already-applied partial changes
// in place (the caller is expected to retry or alert; the in-memory model
// never reports success it could not achieve).
func (rc *Reconciler) Reconcile(table *forwarding.Table) error {
	if rc.metrics != nil {
		rc.metrics.ReconcileRuns.Inc()
	}
	err := rc.reconcile(table)
	if err != nil && rc.metrics != nil {
		rc.metrics.ReconcileFailures.Inc()
	}
	if err == nil && rc.metrics != nil {
		rc.metrics.AttachedIfaces.Set(float64(len(rc.binding.AttachedIfindexes())))
	}
	return err
}

func (rc *Reconciler) reconcile(table *forwarding.Table) error {
	snapshot := table.Snapshot()

	desired := rc.computeDesired(table.List())

	// Attach + ensure map for every interface with desired entries.
	for ifaceName, entries := range desired {
		ifindex := entries[0].ifindex
		if err := rc.binding.Attach(ifindex, ifaceName); err != nil {
			table.Restore(snapshot)
			return vmerrors.Wrapf(err, vmerrors.KindKernelError, "attach XDP program to %q", ifaceName)
		}
		handle, err := rc.binding.EnsureMap(ifindex, ifaceName)
		if err != nil {
			table.Restore(snapshot)
			return vmerrors.Wrapf(err, vmerrors.KindKernelError, "ensure forwarding map for %q", ifaceName)
		}
		if err := rc.reconcileMap(handle, entries); err != nil {
			table.Restore(snapshot)
			return err
		}
	}

	// Detach + delete map for every interface the kernel still has attached
	// that no longer has any desired entry.
	for _, ifindex := range rc.binding.AttachedIfindexes() {
		if interfaceStillDesired(desired, ifindex) {
			continue
		}
		handle := MapHandle{Ifindex: ifindex}
		if err := rc.binding.DeleteMap(handle); err != nil {
			table.Restore(snapshot)
			return vmerrors.Wrapf(err, vmerrors.KindKernelError, "delete forwarding map for ifindex %d", ifindex)
		}
		if err := rc.binding.Detach(ifindex); err != nil {
			table.Restore(snapshot)
			return vmerrors.Wrapf(err, vmerrors.KindKernelError, "detach XDP program from ifindex %d", ifindex)
		}
	}

	return nil
}

func interfaceStillDesired(desired map[string][]desiredEntry, ifindex uint32) bool {
	for _, entries := range desired {
		if entries[0].ifindex == ifindex {
			return true
		}
	}
	return false
}

// reconcileMap diffs entries against the map's current kernel contents and
// issues the minimal put/delete set: put for every desired key missing or
// changed, delete for every kernel key no longer desired.
func (rc *Reconciler) reconcileMap(handle MapHandle, entries []desiredEntry) error {
	current, err := rc.binding.MapEntries(handle)
	if err != nil {
		return vmerrors.Wrapf(err, vmerrors.KindKernelError, "read current map contents for %q", handle.Interface)
	}

	wanted := make(map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte, len(entries))
	for _, e := range entries {
		wanted[e.key] = e.value
	}

	for key, value := range wanted {
		if existing, ok := current[key]; ok && existing == value {
			continue
		}
		if err := rc.binding.MapPut(handle, key, value); err != nil {
			return vmerrors.Wrapf(err, vmerrors.KindKernelError, "install entry into %q", handle.Interface)
		}
		if rc.metrics != nil {
			rc.metrics.KernelMapOps.WithLabelValues("put").Inc()
		}
	}

	for key := range current {
		if _, ok := wanted[key]; ok {
			continue
		}
		if err := rc.binding.MapDelete(handle, key); err != nil {
			return vmerrors.Wrapf(err, vmerrors.KindKernelError, "remove stale entry from %q", handle.Interface)
		}
		if rc.metrics != nil {
			rc.metrics.KernelMapOps.WithLabelValues("delete").Inc()
		}
	}

	return nil
}

// ReconcileStartup reconciles table against the kernel at process start.
// Unlike Reconcile, it tolerates interfaces the kernel knows nothing about
// yet (computeDesired already skips those) and reattaches any interface
// that holds active rules but is not currently attached, the recovery path
// for a restart after a crash mid-mutation (spec scenario S3).
func (rc *Reconciler) ReconcileStartup(table *forwarding.Table) error {
	rc.logger.Info("reconciling forwarding state at startup")
	return rc.Reconcile(table)
}
