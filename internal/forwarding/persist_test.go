// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package forwarding

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPersistLoad_RoundTripsUserRulesOnly(t *testing.T) {
	resolver := newFakeResolver()
	resolver.set("eth0", 2)
	resolver.set("eth1", 3)

	table := NewTable(resolver)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", CVLAN: intPtr(10), OutInterface: "eth1", Active: true,
	}))

	path := filepath.Join(t.TempDir(), "nested", "forwarding.json")
	require.NoError(t, table.Persist(path))

	loaded := NewTable(resolver)
	require.NoError(t, loaded.Load(path))

	all := loaded.List()
	require.Len(t, all, 2) // cust-a plus its regenerated inverse

	got, err := loaded.Get("cust-a")
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, 10, *got.CVLAN)

	inv, err := loaded.Get("egress-cust-a")
	require.NoError(t, err)
	require.True(t, inv.AutoInverse)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	table := NewTable(nil)
	err := table.Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Empty(t, table.List())
}

func TestLoad_DropsInvalidRulesFromSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarding.json")
	data := []byte(`{"rules":[
		{"name":"good","in_interface":"eth0","out_interface":"eth1","active":false},
		{"name":"","in_interface":"eth0","out_interface":"eth1","active":false}
	]}`)
	require.NoError(t, writeFileAtomic(path, data))

	table := NewTable(nil)
	require.NoError(t, table.Load(path))

	rules := table.UserRules()
	require.Len(t, rules, 1)
	require.Equal(t, "good", rules[0].Name)
}

func TestPersist_NeverWritesInverseRows(t *testing.T) {
	resolver := newFakeResolver()
	resolver.set("eth0", 2)
	resolver.set("eth1", 3)

	table := NewTable(resolver)
	require.NoError(t, table.Upsert(&Rule{
		Name: "cust-a", InInterface: "eth0", OutInterface: "eth1",
	}))
	require.Len(t, table.List(), 2)

	path := filepath.Join(t.TempDir(), "forwarding.json")
	require.NoError(t, table.Persist(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "egress-cust-a")
}
