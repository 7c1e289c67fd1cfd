// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package main

import (
	"github.com/cilium/ebpf"

	"vmark-noded/internal/kernel"

	vmerrors "vmark-noded/internal/errors"
)

// xdpProgramName is the section name the forwarding program is compiled
// under; packaging and compilation of the eBPF object itself is out of
// scope here.
const xdpProgramName = "xdp_forward"

// newBinding loads the compiled XDP object at path and wraps its forward
// program in a kernel.LinuxBinding.
func newBinding(path string) (kernel.Binding, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, vmerrors.Wrapf(err, vmerrors.KindKernelError, "load XDP collection spec from %q", path)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, vmerrors.Wrap(err, vmerrors.KindKernelError, "instantiate XDP collection")
	}

	prog, ok := coll.Programs[xdpProgramName]
	if !ok {
		return nil, vmerrors.Errorf(vmerrors.KindKernelError, "XDP object %q has no program named %q", path, xdpProgramName)
	}

	return kernel.NewLinuxBinding(prog), nil
}
