//go:build !linux

package netio

import (
	"fmt"
	"net"
	"syscall"
)

// controlFunc returns nil: no pre-bind options outside Linux.
func controlFunc(_ SocketOptions) func(network, address string, c syscall.RawConn) error {
	return nil
}

// applyPortableOptions sets buffer sizes through the net package.
// ReuseAddr is not supported here and is ignored.
func applyPortableOptions(conn *net.UDPConn, opts SocketOptions) error {
	if opts.RecvBuffer > 0 {
		if err := conn.SetReadBuffer(opts.RecvBuffer); err != nil {
			return fmt.Errorf("set read buffer: %w", err)
		}
	}
	if opts.SendBuffer > 0 {
		if err := conn.SetWriteBuffer(opts.SendBuffer); err != nil {
			return fmt.Errorf("set write buffer: %w", err)
		}
	}
	return nil
}
