// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"sync"

	"vmark-noded/internal/forwarding/mapcodec"

	vmerrors "vmark-noded/internal/errors"
)

// FakeBinding is an in-memory Binding used by the reconciler's and rule
// engine's tests, and by non-Linux development builds. It mirrors the real
// semantics (idempotent attach/detach, per-interface maps) without any
// kernel syscalls, the same interface/loader split that lets a test double
// stand in for a *ebpf.Collection.
type FakeBinding struct {
	mu sync.Mutex

	ifindexes map[string]uint32
	nextIndex uint32

	attached map[uint32]bool
	maps     map[uint32]map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte

	// FailResolve, when set, makes ResolveIfindex fail for the named
	// interfaces — used to simulate a missing interface at startup (spec
	// scenario S3).
	FailResolve map[string]bool
	// FailAttach, when true, makes Attach/Detach/MapPut/MapDelete return a
	// KernelError — used to exercise the reconciler's rollback path.
	FailAttach bool
}

// NewFakeBinding returns a FakeBinding with no interfaces registered yet.
func NewFakeBinding() *FakeBinding {
	return &FakeBinding{
		ifindexes: make(map[string]uint32),
		attached:  make(map[uint32]bool),
		maps:      make(map[uint32]map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte),
	}
}

// RegisterInterface pre-seeds an interface name -> ifindex mapping, as if
// the interface existed on the host.
func (f *FakeBinding) RegisterInterface(name string, ifindex uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifindexes[name] = ifindex
	if ifindex >= f.nextIndex {
		f.nextIndex = ifindex + 1
	}
}

func (f *FakeBinding) ResolveIfindex(name string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailResolve[name] {
		return 0, vmerrors.Errorf(vmerrors.KindNotFound, "interface %q not found", name)
	}
	if idx, ok := f.ifindexes[name]; ok {
		return idx, nil
	}
	f.nextIndex++
	f.ifindexes[name] = f.nextIndex
	return f.nextIndex, nil
}

func (f *FakeBinding) Attach(ifindex uint32, ifaceName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAttach {
		return vmerrors.Errorf(vmerrors.KindKernelError, "bpf_link_create")
	}
	f.attached[ifindex] = true
	return nil
}

func (f *FakeBinding) Detach(ifindex uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAttach {
		return vmerrors.Errorf(vmerrors.KindKernelError, "bpf_link_detach")
	}
	delete(f.attached, ifindex)
	return nil
}

func (f *FakeBinding) IsAttached(ifindex uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[ifindex]
}

func (f *FakeBinding) AttachedIfindexes() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, 0, len(f.attached))
	for idx := range f.attached {
		out = append(out, idx)
	}
	return out
}

func (f *FakeBinding) EnsureMap(ifindex uint32, ifaceName string) (MapHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.maps[ifindex]; !ok {
		f.maps[ifindex] = make(map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte)
	}
	return MapHandle{Ifindex: ifindex, Interface: ifaceName}, nil
}

func (f *FakeBinding) DeleteMap(handle MapHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.maps, handle.Ifindex)
	return nil
}

func (f *FakeBinding) MapPut(handle MapHandle, key [mapcodec.KeySize]byte, value [mapcodec.ValueSize]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAttach {
		return vmerrors.Errorf(vmerrors.KindKernelError, "bpf_map_update_elem")
	}
	m, ok := f.maps[handle.Ifindex]
	if !ok {
		return vmerrors.Errorf(vmerrors.KindNotFound, "map for ifindex %d not found", handle.Ifindex)
	}
	m[key] = value
	return nil
}

func (f *FakeBinding) MapDelete(handle MapHandle, key [mapcodec.KeySize]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAttach {
		return vmerrors.Errorf(vmerrors.KindKernelError, "bpf_map_delete_elem")
	}
	m, ok := f.maps[handle.Ifindex]
	if !ok {
		return vmerrors.Errorf(vmerrors.KindNotFound, "map for ifindex %d not found", handle.Ifindex)
	}
	delete(m, key)
	return nil
}

func (f *FakeBinding) MapClear(handle MapHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps[handle.Ifindex] = make(map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte)
	return nil
}

func (f *FakeBinding) MapEntries(handle MapHandle) (map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.maps[handle.Ifindex]
	if !ok {
		return nil, vmerrors.Errorf(vmerrors.KindNotFound, "map for ifindex %d not found", handle.Ifindex)
	}
	out := make(map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}
