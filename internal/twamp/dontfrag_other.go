// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package twamp

import "net"

// setDontFragment is a no-op outside Linux: IP_DONTFRAG has no portable
// equivalent, and non-Linux builds are development/test-only for this
// package.
func setDontFragment(conn net.PacketConn) error {
	return nil
}
