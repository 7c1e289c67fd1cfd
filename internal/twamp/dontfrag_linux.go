// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package twamp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDontFragment sets IP_MTU_DISCOVER to IP_PMTUDISC_DO, the Linux
// equivalent of IP_DONTFRAG: golang.org/x/net/ipv4 does not expose this
// option directly, so it is set via the raw socket fd.
func setDontFragment(conn net.PacketConn) error {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
	}); err != nil {
		return err
	}
	return sockErr
}
