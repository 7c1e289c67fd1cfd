// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package main

import (
	"vmark-noded/internal/kernel"
	"vmark-noded/internal/logging"
)

// newBinding returns an in-memory FakeBinding on non-Linux platforms: the
// XDP data plane is Linux-only, so development builds elsewhere run the
// control plane against a simulated kernel.
func newBinding(path string) (kernel.Binding, error) {
	logging.WithComponent("main").Warn("XDP forwarding is unavailable on this platform, running with a simulated kernel binding", "xdp-program", path)
	return kernel.NewFakeBinding(), nil
}
