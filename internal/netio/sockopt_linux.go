//go:build linux

package netio

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlFunc returns a net.ListenConfig Control hook applying opts before
// bind(2), so SO_REUSEADDR takes effect for the bind itself.
func controlFunc(opts SocketOptions) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error

		err := c.Control(func(fd uintptr) {
			//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
			intFD := int(fd)

			if opts.ReuseAddr {
				if sockErr = unix.SetsockoptInt(
					intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1,
				); sockErr != nil {
					sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
					return
				}
			}

			if opts.RecvBuffer > 0 {
				if sockErr = unix.SetsockoptInt(
					intFD, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBuffer,
				); sockErr != nil {
					sockErr = fmt.Errorf("set SO_RCVBUF: %w", sockErr)
					return
				}
			}

			if opts.SendBuffer > 0 {
				if sockErr = unix.SetsockoptInt(
					intFD, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer,
				); sockErr != nil {
					sockErr = fmt.Errorf("set SO_SNDBUF: %w", sockErr)
				}
			}
		})
		if err != nil {
			return fmt.Errorf("raw conn control: %w", err)
		}

		return sockErr
	}
}

// applyPortableOptions is a no-op on Linux; everything is set in controlFunc.
func applyPortableOptions(_ *net.UDPConn, _ SocketOptions) error {
	return nil
}
