package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
)

// -------------------------------------------------------------------------
// SocketOptions
// -------------------------------------------------------------------------

// SocketOptions tunes the OS socket created by ListenUDP. Zero values keep
// the kernel defaults.
type SocketOptions struct {
	// RecvBuffer is the SO_RCVBUF size in bytes.
	RecvBuffer int

	// SendBuffer is the SO_SNDBUF size in bytes.
	SendBuffer int

	// ReuseAddr sets SO_REUSEADDR so a restarted server can rebind its
	// fixed port immediately. Ignored on platforms without raw sockopt
	// support.
	ReuseAddr bool
}

// -------------------------------------------------------------------------
// UDPConn — OS datagram socket
// -------------------------------------------------------------------------

// UDPConn implements PacketConn over a kernel UDP socket.
type UDPConn struct {
	conn      *net.UDPConn
	localAddr netip.AddrPort
	closed    bool
	mu        sync.Mutex
}

// ListenUDP binds a UDP socket on laddr.
//
// An invalid (zero) address in laddr binds all interfaces on a dual-stack
// socket; a valid address selects udp4 or udp6 explicitly to prevent
// dual-stack ambiguity. Port 0 requests an OS-assigned ephemeral port.
func ListenUDP(ctx context.Context, laddr netip.AddrPort, opts SocketOptions) (*UDPConn, error) {
	network, address := listenTarget(laddr)

	lc := net.ListenConfig{Control: controlFunc(opts)}

	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf(
			"listen %s %s: %w: %w",
			network, address, ErrUnexpectedConnType, closeErr,
		)
	}

	if err := applyPortableOptions(conn, opts); err != nil {
		closeErr := conn.Close()
		return nil, fmt.Errorf("configure socket %s: %w", address, errors.Join(err, closeErr))
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort() //nolint:forcetypeassert // UDPConn always reports *net.UDPAddr.

	return &UDPConn{
		conn:      conn,
		localAddr: normalize(local),
	}, nil
}

// listenTarget maps laddr to the network and address strings accepted by
// net.ListenConfig.
func listenTarget(laddr netip.AddrPort) (string, string) {
	port := strconv.Itoa(int(laddr.Port()))

	addr := laddr.Addr()
	if !addr.IsValid() || (addr.Is6() && addr.IsUnspecified()) {
		return "udp", net.JoinHostPort("", port)
	}
	if addr.Is4() || addr.Is4In6() {
		return "udp4", net.JoinHostPort(addr.Unmap().String(), port)
	}
	return "udp6", net.JoinHostPort(addr.String(), port)
}

// ReadPacket reads a single datagram into buf.
func (c *UDPConn) ReadPacket(buf []byte) (int, netip.AddrPort, error) {
	n, src, err := c.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, netip.AddrPort{}, fmt.Errorf("read datagram: %w", ErrSocketClosed)
		}
		return 0, netip.AddrPort{}, fmt.Errorf("read datagram: %w", err)
	}

	return n, normalize(src), nil
}

// WritePacket sends buf to dst as one datagram.
func (c *UDPConn) WritePacket(buf []byte, dst netip.AddrPort) error {
	if _, err := c.conn.WriteToUDPAddrPort(buf, dst); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("write datagram to %s: %w", dst, ErrSocketClosed)
		}
		return fmt.Errorf("write datagram to %s: %w", dst, err)
	}
	return nil
}

// LocalAddr returns the bound local endpoint.
func (c *UDPConn) LocalAddr() netip.AddrPort {
	return c.localAddr
}

// Close releases the underlying socket. Safe to call more than once.
func (c *UDPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close UDP socket: %w", err)
	}
	return nil
}
