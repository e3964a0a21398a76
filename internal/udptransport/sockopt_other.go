//go:build !linux

package udptransport

import "net"

// setReusePort is a no-op outside Linux; SO_REUSEPORT semantics differ
// enough across platforms (and are absent on Windows) that callers
// should not rely on it there.
func setReusePort(*net.UDPConn) error {
	return nil
}
