// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ruleapi

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"vmark-noded/internal/forwarding"
	"vmark-noded/internal/kernel"
)

func intPtr(v int) *int { return &v }

func newTestEngine(t *testing.T) (*Engine, *kernel.FakeBinding) {
	t.Helper()
	binding := kernel.NewFakeBinding()
	binding.RegisterInterface("eth0", 2)
	binding.RegisterInterface("eth1", 3)

	table := forwarding.NewTable(binding)
	path := filepath.Join(t.TempDir(), "forwarding.json")
	return NewEngine(table, binding, path), binding
}

func TestCreateRule_InstallsAndReconciles(t *testing.T) {
	engine, binding := newTestEngine(t)

	err := engine.CreateRule(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		SVLAN:        intPtr(100),
		OutInterface: "eth1",
		PushSVLAN:    intPtr(200),
		Active:       true,
	})
	require.NoError(t, err)

	rules := engine.ShowForwarding(forwarding.ShowFilter{})
	require.Len(t, rules, 2) // user rule + inverse
	require.True(t, binding.IsAttached(2))
}

func TestCreateRule_ConflictRejected(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.CreateRule(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		OutInterface: "eth1",
		Active:       true,
	}))

	err := engine.CreateRule(&forwarding.Rule{
		Name:         "cust-b",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		OutInterface: "eth1",
		Active:       true,
	})
	require.Error(t, err)
}

func TestDeleteRule_RequiresDisabledFirst(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.CreateRule(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		OutInterface: "eth1",
		Active:       true,
	}))

	require.Error(t, engine.DeleteRule("cust-a"))

	require.NoError(t, engine.DisableRule("cust-a"))
	require.NoError(t, engine.DeleteRule("cust-a"))

	rules := engine.ShowForwarding(forwarding.ShowFilter{})
	require.Empty(t, rules)
}

func TestStartupReconcile_LoadsPersistedRules(t *testing.T) {
	engine, binding := newTestEngine(t)
	require.NoError(t, engine.CreateRule(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		OutInterface: "eth1",
		Active:       true,
	}))

	table := forwarding.NewTable(binding)
	fresh := NewEngine(table, binding, engine.persistPath)
	require.NoError(t, fresh.StartupReconcile())

	rules := fresh.ShowForwarding(forwarding.ShowFilter{Name: "cust-a"})
	require.Len(t, rules, 1)
	require.True(t, rules[0].Active)
}

func TestCreateRule_RollsBackOnKernelFailure(t *testing.T) {
	engine, binding := newTestEngine(t)
	binding.FailAttach = true

	err := engine.CreateRule(&forwarding.Rule{
		Name:         "cust-a",
		InInterface:  "eth0",
		CVLAN:        intPtr(10),
		OutInterface: "eth1",
		Active:       true,
	})
	require.Error(t, err)

	rules := engine.ShowForwarding(forwarding.ShowFilter{})
	require.Empty(t, rules)
}
