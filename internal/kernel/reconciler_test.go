// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"vmark-noded/internal/forwarding"
	"vmark-noded/internal/metrics"
)

func intPtr(v int) *int { return &v }

func newTestTable(t *testing.T, binding *FakeBinding) *forwarding.Table {
	t.Helper()
	return forwarding.NewTable(binding)
}

func TestReconcile_InstallsProjectedEntry(t *testing.T) {
	binding := NewFakeBinding()
	binding.RegisterInterface("eth0", 2)
	binding.RegisterInterface("eth1", 3)

	table := newTestTable(t, binding)
	require.NoError(t, table.Upsert(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		SVLAN:        intPtr(100),
		OutInterface: "eth1",
		PopTags:      0,
		Active:       true,
	}))

	rc := NewReconciler(binding)
	require.NoError(t, rc.Reconcile(table))

	require.True(t, binding.IsAttached(2))
	require.True(t, binding.IsAttached(3))

	handle, err := binding.EnsureMap(2, "eth0")
	require.NoError(t, err)
	entries, err := binding.MapEntries(handle)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReconcile_RemovesStaleEntryOnDisable(t *testing.T) {
	binding := NewFakeBinding()
	binding.RegisterInterface("eth0", 2)
	binding.RegisterInterface("eth1", 3)

	table := newTestTable(t, binding)
	require.NoError(t, table.Upsert(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		OutInterface: "eth1",
		Active:       true,
	}))

	rc := NewReconciler(binding)
	require.NoError(t, rc.Reconcile(table))

	require.NoError(t, table.Disable("cust-a"))
	require.NoError(t, rc.Reconcile(table))

	require.False(t, binding.IsAttached(2))
}

func TestReconcile_RollsBackOnKernelFailure(t *testing.T) {
	binding := NewFakeBinding()
	binding.RegisterInterface("eth0", 2)
	binding.RegisterInterface("eth1", 3)

	table := newTestTable(t, binding)
	require.NoError(t, table.Upsert(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		OutInterface: "eth1",
		Active:       true,
	}))

	before := table.List()

	binding.FailAttach = true
	rc := NewReconciler(binding)
	err := rc.Reconcile(table)
	require.Error(t, err)

	after := table.List()
	require.Equal(t, len(before), len(after))
	for i := range before {
		require.Equal(t, before[i].Name, after[i].Name)
		require.Equal(t, before[i].Active, after[i].Active)
	}
}

func TestReconcile_SkipsMissingInterfaceWithoutFailing(t *testing.T) {
	binding := NewFakeBinding()
	binding.RegisterInterface("eth1", 3)
	binding.FailResolve = map[string]bool{"eth0": true}

	table := newTestTable(t, binding)
	require.NoError(t, table.Upsert(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		OutInterface: "eth1",
		Active:       true,
	}))

	rc := NewReconciler(binding)
	require.NoError(t, rc.Reconcile(table))
	require.Empty(t, binding.AttachedIfindexes())
}

func TestReconcile_RecordsMetrics(t *testing.T) {
	binding := NewFakeBinding()
	binding.RegisterInterface("eth0", 2)
	binding.RegisterInterface("eth1", 3)

	table := newTestTable(t, binding)
	require.NoError(t, table.Upsert(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		OutInterface: "eth1",
		Active:       true,
	}))

	m := metrics.New()
	rc := NewReconciler(binding)
	rc.SetMetrics(m)

	require.NoError(t, rc.Reconcile(table))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ReconcileRuns))
	require.Equal(t, float64(0), testutil.ToFloat64(m.ReconcileFailures))
	require.Equal(t, float64(2), testutil.ToFloat64(m.AttachedIfaces))
	// cust-a's auto-generated inverse (egress-cust-a) installs a second
	// entry on eth1, so the forward and inverse rule each contribute one
	// put to their own interface's map.
	require.Equal(t, float64(2), testutil.ToFloat64(m.KernelMapOps.WithLabelValues("put")))

	binding.FailAttach = true
	require.NoError(t, table.Upsert(&forwarding.Rule{
		Name:         "cust-b",
		InInterface:  "eth1",
		CVLAN:        intPtr(20),
		OutInterface: "eth0",
		Active:       true,
	}))
	require.Error(t, rc.Reconcile(table))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ReconcileFailures))
}
