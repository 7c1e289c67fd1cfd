// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"

	"vmark-noded/internal/forwarding/mapcodec"
	"vmark-noded/internal/logging"

	vmerrors "vmark-noded/internal/errors"
)

// kernelErrKind classifies a failed syscall-backed kernel operation:
// EPERM/EACCES (missing CAP_NET_ADMIN or CAP_BPF) gets its own distinct
// kind so callers can tell a privilege problem from a generic kernel
// failure, per spec §5/§7.
func kernelErrKind(err error) vmerrors.Kind {
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return vmerrors.KindPermissionDenied
	}
	return vmerrors.KindKernelError
}

// LinuxBinding is the production Binding: XDP programs attached via
// github.com/cilium/ebpf/link, per-interface hash maps created with
// github.com/cilium/ebpf, promiscuous mode toggled with
// github.com/vishvananda/netlink.
type LinuxBinding struct {
	// Program is the XDP data-plane program to attach. It is loaded by an
	// external collaborator (packaging is out of scope here, per spec
	// §1's non-goals) and handed to the binding once at startup.
	Program *ebpf.Program

	mu     sync.Mutex
	links  map[uint32]link.Link
	maps   map[uint32]*ebpf.Map
	logger *logging.Logger
}

// NewLinuxBinding constructs a LinuxBinding around an already-loaded XDP
// program.
func NewLinuxBinding(prog *ebpf.Program) *LinuxBinding {
	return &LinuxBinding{
		Program: prog,
		links:   make(map[uint32]link.Link),
		maps:    make(map[uint32]*ebpf.Map),
		logger:  logging.WithComponent("kernel"),
	}
}

func (b *LinuxBinding) ResolveIfindex(name string) (uint32, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, vmerrors.Wrapf(err, vmerrors.KindNotFound, "interface %q not found", name)
	}
	return uint32(ifi.Index), nil
}

func (b *LinuxBinding) Attach(ifindex uint32, ifaceName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.links[ifindex]; ok {
		return nil // idempotent
	}

	if ifaceName != "" {
		if supported, reason := nativeXDPSupported(ifaceName); !supported {
			b.logger.Warn("interface may not support native XDP; falling back to generic mode",
				"interface", ifaceName, "reason", reason)
		}
	}

	lnk, err := link.AttachXDP(link.XDPOptions{
		Program:   b.Program,
		Interface: int(ifindex),
	})
	if err != nil {
		return vmerrors.Wrapf(err, kernelErrKind(err), "attach XDP program to ifindex %d", ifindex)
	}
	b.links[ifindex] = lnk

	if err := setPromiscuous(ifindex, true); err != nil {
		lnk.Close()
		delete(b.links, ifindex)
		return err
	}
	return nil
}

func (b *LinuxBinding) Detach(ifindex uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lnk, ok := b.links[ifindex]
	if !ok {
		return nil // idempotent
	}
	if err := lnk.Close(); err != nil {
		return vmerrors.Wrapf(err, kernelErrKind(err), "detach XDP program from ifindex %d", ifindex)
	}
	delete(b.links, ifindex)

	if err := setPromiscuous(ifindex, false); err != nil {
		return err
	}
	return nil
}

func (b *LinuxBinding) IsAttached(ifindex uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.links[ifindex]
	return ok
}

func (b *LinuxBinding) AttachedIfindexes() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint32, 0, len(b.links))
	for idx := range b.links {
		out = append(out, idx)
	}
	return out
}

func (b *LinuxBinding) EnsureMap(ifindex uint32, ifaceName string) (MapHandle, error) {
	handle := MapHandle{Ifindex: ifindex, Interface: ifaceName}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.maps[ifindex]; ok {
		return handle, nil
	}

	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       handle.mapName(),
		Type:       ebpf.Hash,
		KeySize:    mapcodec.KeySize,
		ValueSize:  mapcodec.ValueSize,
		MaxEntries: MinMapEntries,
	})
	if err != nil {
		return MapHandle{}, vmerrors.Wrapf(err, kernelErrKind(err), "create map %s", handle.mapName())
	}
	b.maps[ifindex] = m
	return handle, nil
}

func (b *LinuxBinding) DeleteMap(handle MapHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.maps[handle.Ifindex]
	if !ok {
		return nil
	}
	m.Close()
	delete(b.maps, handle.Ifindex)
	return nil
}

func (b *LinuxBinding) mapFor(handle MapHandle) (*ebpf.Map, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.maps[handle.Ifindex]
	if !ok {
		return nil, vmerrors.Errorf(vmerrors.KindNotFound, "map %s not found", handle.mapName())
	}
	return m, nil
}

func (b *LinuxBinding) MapPut(handle MapHandle, key [mapcodec.KeySize]byte, value [mapcodec.ValueSize]byte) error {
	m, err := b.mapFor(handle)
	if err != nil {
		return err
	}
	if err := m.Put(key[:], value[:]); err != nil {
		return vmerrors.Wrapf(err, kernelErrKind(err), "bpf_map_update_elem on %s", handle.mapName())
	}
	return nil
}

func (b *LinuxBinding) MapDelete(handle MapHandle, key [mapcodec.KeySize]byte) error {
	m, err := b.mapFor(handle)
	if err != nil {
		return err
	}
	if err := m.Delete(key[:]); err != nil && err != ebpf.ErrKeyNotExist {
		return vmerrors.Wrapf(err, kernelErrKind(err), "bpf_map_delete_elem on %s", handle.mapName())
	}
	return nil
}

func (b *LinuxBinding) MapClear(handle MapHandle) error {
	entries, err := b.MapEntries(handle)
	if err != nil {
		return err
	}
	for key := range entries {
		if err := b.MapDelete(handle, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *LinuxBinding) MapEntries(handle MapHandle) (map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte, error) {
	m, err := b.mapFor(handle)
	if err != nil {
		return nil, err
	}

	out := make(map[[mapcodec.KeySize]byte][mapcodec.ValueSize]byte)
	var key [mapcodec.KeySize]byte
	var value [mapcodec.ValueSize]byte
	iter := m.Iterate()
	for iter.Next(&key, &value) {
		out[key] = value
	}
	if err := iter.Err(); err != nil {
		return nil, vmerrors.Wrapf(err, kernelErrKind(err), "iterate map %s", handle.mapName())
	}
	return out, nil
}

func setPromiscuous(ifindex uint32, on bool) error {
	links, err := netlink.LinkList()
	if err != nil {
		return vmerrors.Wrap(err, kernelErrKind(err), "list links")
	}
	for _, l := range links {
		if uint32(l.Attrs().Index) != ifindex {
			continue
		}
		var err error
		if on {
			err = netlink.SetPromiscOn(l)
		} else {
			err = netlink.SetPromiscOff(l)
		}
		if err != nil {
			return vmerrors.Wrapf(err, kernelErrKind(err), "set promiscuous mode on ifindex %d", ifindex)
		}
		return nil
	}
	return vmerrors.Errorf(vmerrors.KindNotFound, "ifindex %d not found while toggling promiscuous mode", ifindex)
}

// nativeXDPSupported probes driver-level XDP offload support via ethtool.
// Failure to probe is not fatal and is reported as supported, so no
// warning is logged; only a driver reporting no ntuple-filter support is
// reported as unsupported, which Attach logs as a warning, since generic
// (SKB) mode XDP still works on unsupported drivers.
func nativeXDPSupported(ifaceName string) (bool, string) {
	e, err := ethtool.NewEthtool()
	if err != nil {
		return true, fmt.Sprintf("ethtool unavailable: %v", err)
	}
	defer e.Close()

	features, err := e.Features(ifaceName)
	if err != nil {
		return true, fmt.Sprintf("could not query features: %v", err)
	}
	if supported, ok := features["ntuple-filters"]; ok && !supported {
		return false, "driver reports no ntuple-filter support, a common proxy for missing native XDP"
	}
	return true, ""
}
