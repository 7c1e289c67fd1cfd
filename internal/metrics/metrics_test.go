// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegister_NoDuplicateCollectors(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { m.Register(reg) })
}

func TestRuleMutations_IncrementsByOp(t *testing.T) {
	m := New()
	m.RuleMutations.WithLabelValues("create").Inc()
	m.RuleMutations.WithLabelValues("create").Inc()
	m.RuleMutations.WithLabelValues("delete").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(m.RuleMutations.WithLabelValues("create")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RuleMutations.WithLabelValues("delete")))
}
