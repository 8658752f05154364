package netio

import (
	"fmt"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// MemNetwork — in-process datagram network
// -------------------------------------------------------------------------

const (
	// memEphemeralMin is the first port handed out for port-0 binds.
	memEphemeralMin uint16 = 49152

	// memInboxSize is the per-socket receive queue length. Datagrams sent
	// to a full inbox are lost, as on a real network.
	memInboxSize = 1024
)

// memDatagram is one datagram in flight inside a MemNetwork.
type memDatagram struct {
	src  netip.AddrPort
	data []byte
}

// MemNetwork is an in-process datagram network keyed by endpoint. It
// provides loss-free delivery between MemConns bound on it (except when a
// receiver's inbox is full) and no delivery to unbound endpoints, which
// makes socket-free tests deterministic.
//
// The zero value is not ready to use; construct using NewMemNetwork.
type MemNetwork struct {
	mu       sync.Mutex
	conns    map[netip.AddrPort]*MemConn
	nextPort uint16
}

// NewMemNetwork creates an empty in-process network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		conns:    make(map[netip.AddrPort]*MemConn),
		nextPort: memEphemeralMin,
	}
}

// Listen binds a MemConn on addr. Port 0 allocates an ephemeral port; an
// invalid address binds the IPv4 loopback address.
func (n *MemNetwork) Listen(addr netip.AddrPort) (*MemConn, error) {
	ip := addr.Addr().Unmap()
	if !ip.IsValid() || ip.IsUnspecified() {
		ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	port := addr.Port()
	if port == 0 {
		var err error
		if port, err = n.allocPortLocked(ip); err != nil {
			return nil, err
		}
	}

	local := netip.AddrPortFrom(ip, port)
	if _, exists := n.conns[local]; exists {
		return nil, fmt.Errorf("listen %s: %w", local, ErrAddrInUse)
	}

	c := &MemConn{
		network: n,
		local:   local,
		inbox:   make(chan memDatagram, memInboxSize),
		closed:  make(chan struct{}),
	}
	n.conns[local] = c

	return c, nil
}

// allocPortLocked returns the next free ephemeral port for ip.
func (n *MemNetwork) allocPortLocked(ip netip.Addr) (uint16, error) {
	for range int(^uint16(0)-memEphemeralMin) + 1 {
		port := n.nextPort
		n.nextPort++
		if n.nextPort == 0 {
			n.nextPort = memEphemeralMin
		}
		if _, used := n.conns[netip.AddrPortFrom(ip, port)]; !used {
			return port, nil
		}
	}
	return 0, fmt.Errorf("listen %s:0: %w", ip, ErrAddrInUse)
}

// deliver hands a copy of data to the socket bound on dst, if any.
func (n *MemNetwork) deliver(src, dst netip.AddrPort, data []byte) {
	n.mu.Lock()
	target, ok := n.conns[normalize(dst)]
	n.mu.Unlock()

	if !ok {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case target.inbox <- memDatagram{src: src, data: buf}:
	case <-target.closed:
	default:
	}
}

// unbind removes c from the endpoint table.
func (n *MemNetwork) unbind(c *MemConn) {
	n.mu.Lock()
	if n.conns[c.local] == c {
		delete(n.conns, c.local)
	}
	n.mu.Unlock()
}

// -------------------------------------------------------------------------
// MemConn
// -------------------------------------------------------------------------

// MemConn is a PacketConn bound on a MemNetwork.
type MemConn struct {
	network *MemNetwork
	local   netip.AddrPort
	inbox   chan memDatagram
	closed  chan struct{}
	once    sync.Once
}

// ReadPacket blocks until a datagram arrives or the conn is closed.
// Datagrams longer than buf are truncated, as with a real socket.
func (c *MemConn) ReadPacket(buf []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-c.inbox:
		return copy(buf, d.data), d.src, nil
	case <-c.closed:
		return 0, netip.AddrPort{}, fmt.Errorf("read datagram on %s: %w", c.local, ErrSocketClosed)
	}
}

// WritePacket delivers buf to dst. Datagrams to unbound endpoints vanish
// without error.
func (c *MemConn) WritePacket(buf []byte, dst netip.AddrPort) error {
	select {
	case <-c.closed:
		return fmt.Errorf("write datagram to %s: %w", dst, ErrSocketClosed)
	default:
	}

	c.network.deliver(c.local, dst, buf)
	return nil
}

// LocalAddr returns the bound endpoint.
func (c *MemConn) LocalAddr() netip.AddrPort {
	return c.local
}

// Close unbinds the conn and unblocks readers. Safe to call more than once.
func (c *MemConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.network.unbind(c)
	})
	return nil
}
