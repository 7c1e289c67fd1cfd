// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel abstracts the kernel operations the XDP MEF switch control
// plane needs: interface resolution, XDP program attach/detach, and
// per-interface forwarding-map lifecycle. Binding is the only component
// that issues kernel syscalls (spec §5); the Consistency Reconciler is the
// only caller of its attach/detach and map operations, while
// forwarding.Table uses it only to resolve ifindexes.
package kernel

import (
	"fmt"

	"vmark-noded/internal/forwarding/mapcodec"
)

// MapHandle identifies one per-interface forwarding map.
type MapHandle struct {
	Ifindex   uint32
	Interface string
}

func (h MapHandle) mapName() string {
	return fmt.Sprintf("fw_table_%s", h.Interface)
}

// MinMapEntries is the minimum capacity spec §4.3 requires of a
// per-interface forwarding map.
const MinMapEntries = 4096

// Binding abstracts the kernel operations a Consistency Reconciler issues.
// A Linux implementation backs it with github.com/cilium/ebpf and
// github.com/vishvananda/netlink; binding_fake.go provides an in-memory
// stand-in for tests and non-Linux development.
type Binding interface {
	// ResolveIfindex resolves an OS interface name to its kernel ifindex.
	ResolveIfindex(name string) (uint32, error)

	// Attach attaches the XDP data-plane program to ifindex if not already
	// attached, and enables promiscuous mode. Idempotent.
	Attach(ifindex uint32, ifaceName string) error

	// Detach removes the program from ifindex and disables promiscuous
	// mode. Idempotent.
	Detach(ifindex uint32) error

	// IsAttached reports whether the data-plane program is currently
	// attached to ifindex.
	IsAttached(ifindex uint32) bool

	// AttachedIfindexes lists every interface the program is currently
	// attached to.
	AttachedIfindexes() []uint32

	// EnsureMap creates (if absent) or opens (if present) the named
	// per-interface forwarding map, sized for at least MinMapEntries.
	EnsureMap(ifindex uint32, ifaceName string) (MapHandle, error)

	// DeleteMap removes the per-interface forwarding map entirely. Called
	// once the last active rule for that interface is removed.
	DeleteMap(handle MapHandle) error

	// MapPut installs or replaces a single key/value entry.
	MapPut(handle MapHandle, key [mapcodec.KeySize]byte, value [mapcodec.ValueSize]byte) error

	// MapDelete removes a single key.
	MapDelete(handle MapHandle, key [mapcodec.KeySize]byte) error

	// MapClear removes every entry from the map.
	MapClear(handle MapHandle) error

	// MapEntries dumps the map's current contents, for reconciler diffing.
	MapEntries(handle MapHandle) (map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte, error)
}
