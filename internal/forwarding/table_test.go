// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package forwarding

import (
	"testing"

	"github.com/stretchr/testify/require"

	vmerrors "vmark-noded/internal/errors"
)

type fakeResolver struct {
	ifindex map[string]uint32
	fail    map[string]bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{ifindex: make(map[string]uint32), fail: make(map[string]bool)}
}

func (f *fakeResolver) set(name string, idx uint32) { f.ifindex[name] = idx }

func (f *fakeResolver) ResolveIfindex(name string) (uint32, error) {
	if f.fail[name] {
		return 0, vmerrors.Errorf(vmerrors.KindNotFound, "interface %q not found", name)
	}
	if idx, ok := f.ifindex[name]; ok {
		return idx, nil
	}
	return 0, vmerrors.Errorf(vmerrors.KindNotFound, "interface %q not found", name)
}

func newTestTableForRules(t *testing.T) (*Table, *fakeResolver) {
	t.Helper()
	resolver := newFakeResolver()
	resolver.set("eth0", 2)
	resolver.set("eth1", 3)
	resolver.set("eth2", 4)
	return NewTable(resolver), resolver
}

func TestUpsert_InsertsRuleAndInverse(t *testing.T) {
	table, _ := newTestTableForRules(t)
	rule := validRule()
	rule.Active = true

	require.NoError(t, table.Upsert(rule))

	all := table.List()
	require.Len(t, all, 2)

	got, err := table.Get("cust-a")
	require.NoError(t, err)
	require.Equal(t, "eth0", got.InInterface)

	inv, err := table.Get("egress-cust-a")
	require.NoError(t, err)
	require.Equal(t, "eth1", inv.InInterface)
	require.Equal(t, "eth0", inv.OutInterface)
	require.True(t, inv.AutoInverse)
}

func TestUpsert_RejectsInvalidRule(t *testing.T) {
	table, _ := newTestTableForRules(t)
	rule := validRule()
	rule.Name = ""
	err := table.Upsert(rule)
	require.Error(t, err)
	require.Equal(t, vmerrors.KindInvalidArgument, vmerrors.GetKind(err))
}

func TestUpsert_RejectsConflictingActiveRule(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1", Active: true,
	}))

	err := table.Upsert(&Rule{
		Name: "cust-b", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth2", Active: true,
	})
	require.Error(t, err)
	require.Equal(t, vmerrors.KindConflict, vmerrors.GetKind(err))
}

func TestUpsert_AllowsConflictWhenInactive(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1", Active: true,
	}))

	err := table.Upsert(&Rule{
		Name: "cust-b", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth2", Active: false,
	})
	require.NoError(t, err)
}

func TestUpsert_RejectsNameCollidingWithOtherOriginsInverse(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1",
	}))

	// "cust-b" would generate egress-cust-b, not colliding with egress-cust-a,
	// so upserting a rule literally named "egress-cust-a" by a user (not
	// marked AutoInverse) must be rejected: it collides with cust-a's
	// reserved inverse row.
	err := table.Upsert(&Rule{
		Name: "egress-cust-a", InInterface: "eth1", OutInterface: "eth2",
	})
	require.Error(t, err)
}

func TestUpsert_ReplacingRuleRegeneratesInverse(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1",
	}))

	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(20), OutInterface: "eth2",
	}))

	inv, err := table.Get("egress-cust-a")
	require.NoError(t, err)
	require.Equal(t, "eth2", inv.InInterface)
	require.Equal(t, 20, *inv.CVLAN)
}

func TestDelete_RequiresDisabledFirst(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1", Active: true,
	}))

	err := table.Delete("cust-a")
	require.Error(t, err)
	require.Equal(t, vmerrors.KindStateViolation, vmerrors.GetKind(err))

	require.NoError(t, table.Disable("cust-a"))
	require.NoError(t, table.Delete("cust-a"))

	_, err = table.Get("cust-a")
	require.Error(t, err)
	_, err = table.Get("egress-cust-a")
	require.Error(t, err)
}

func TestDelete_RejectsDeletingAnInverseDirectly(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1",
	}))

	err := table.Delete("egress-cust-a")
	require.Error(t, err)
	require.Equal(t, vmerrors.KindStateViolation, vmerrors.GetKind(err))
}

func TestDelete_UnknownRuleReturnsNotFound(t *testing.T) {
	table, _ := newTestTableForRules(t)
	err := table.Delete("ghost")
	require.Error(t, err)
	require.Equal(t, vmerrors.KindNotFound, vmerrors.GetKind(err))
}

func TestEnableDisable_CascadesToInverse(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1",
	}))

	require.NoError(t, table.Enable("cust-a"))
	inv, err := table.Get("egress-cust-a")
	require.NoError(t, err)
	require.True(t, inv.Active)

	require.NoError(t, table.Disable("cust-a"))
	inv, err = table.Get("egress-cust-a")
	require.NoError(t, err)
	require.False(t, inv.Active)
}

func TestEnable_RejectsAlreadyActive(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1", Active: true,
	}))

	err := table.Enable("cust-a")
	require.Error(t, err)
	require.Equal(t, vmerrors.KindStateViolation, vmerrors.GetKind(err))
}

func TestEnable_RejectsConflict(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1", Active: true,
	}))
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-b", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth2", Active: false,
	}))

	err := table.Enable("cust-b")
	require.Error(t, err)
	require.Equal(t, vmerrors.KindConflict, vmerrors.GetKind(err))
}

func TestEnable_ViaInverseNameTargetsOrigin(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1",
	}))

	require.NoError(t, table.Enable("egress-cust-a"))
	origin, err := table.Get("cust-a")
	require.NoError(t, err)
	require.True(t, origin.Active)
}

func TestFiltered_MatchesExactOrCaseInsensitiveName(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1",
	}))

	require.Len(t, table.Filtered(ShowFilter{}), 2)
	require.Len(t, table.Filtered(ShowFilter{Name: "cust-a"}), 1)
	require.Len(t, table.Filtered(ShowFilter{Name: "CUST-A"}), 1)
	require.Empty(t, table.Filtered(ShowFilter{Name: "ghost"}))
}

func TestUserRules_ExcludesInverses(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1",
	}))

	rules := table.UserRules()
	require.Len(t, rules, 1)
	require.Equal(t, "cust-a", rules[0].Name)
}

func TestSnapshotRestore_UndoesMutation(t *testing.T) {
	table, _ := newTestTableForRules(t)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1",
	}))

	snap := table.Snapshot()

	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-b", InInterface: "eth1", CVLAN: intPtr(20), OutInterface: "eth2",
	}))
	require.Len(t, table.List(), 4)

	table.Restore(snap)
	require.Len(t, table.List(), 2)
	_, err := table.Get("cust-b")
	require.Error(t, err)
}

func TestUpsert_SkipsConflictDetectionWithNilResolver(t *testing.T) {
	table := NewTable(nil)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1", Active: true,
	}))
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-b", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth2", Active: true,
	}))
}
