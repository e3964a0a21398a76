//go:build linux

package udptransport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setReusePort enables SO_REUSEPORT so multiple processes can share
// one UDP port with kernel-level load distribution (Linux only).
func setReusePort(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
