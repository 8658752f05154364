package netio_test

import (
	"net/netip"
	"sync"

	"github.com/dantte-lp/udplink/internal/netio"
)

// -------------------------------------------------------------------------
// MockPacketConn — Test double for PacketConn
// -------------------------------------------------------------------------

// inboundDatagram is one datagram queued for ReadPacket.
type inboundDatagram struct {
	src  netip.AddrPort
	data []byte
}

// MockPacketConn implements netio.PacketConn for testing without real
// sockets. Reads are fed through Inject; writes are recorded and may be
// failed through WriteFunc.
type MockPacketConn struct {
	mu        sync.Mutex
	localAddr netip.AddrPort
	inbox     chan inboundDatagram
	closed    chan struct{}
	once      sync.Once

	// WriteFunc is called by WritePacket. Set this to control write behavior.
	WriteFunc func(buf []byte, dst netip.AddrPort) error

	// Written records all datagrams sent via WritePacket.
	Written []writtenPacket
}

// writtenPacket records a single WritePacket call.
type writtenPacket struct {
	Data []byte
	Dst  netip.AddrPort
}

// NewMockPacketConn creates a MockPacketConn with the given local address.
func NewMockPacketConn(addr netip.AddrPort) *MockPacketConn {
	return &MockPacketConn{
		localAddr: addr,
		inbox:     make(chan inboundDatagram, 64),
		closed:    make(chan struct{}),
	}
}

// Inject queues a datagram for the next ReadPacket.
func (m *MockPacketConn) Inject(src netip.AddrPort, data []byte) {
	m.inbox <- inboundDatagram{src: src, data: data}
}

// ReadPacket implements PacketConn.ReadPacket.
func (m *MockPacketConn) ReadPacket(buf []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-m.inbox:
		return copy(buf, d.data), d.src, nil
	case <-m.closed:
		return 0, netip.AddrPort{}, netio.ErrSocketClosed
	}
}

// WritePacket implements PacketConn.WritePacket.
func (m *MockPacketConn) WritePacket(buf []byte, dst netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy the buffer so the test can inspect it after the caller reuses it.
	data := make([]byte, len(buf))
	copy(data, buf)
	m.Written = append(m.Written, writtenPacket{Data: data, Dst: dst})

	if m.WriteFunc != nil {
		return m.WriteFunc(buf, dst)
	}
	return nil
}

// LocalAddr implements PacketConn.LocalAddr.
func (m *MockPacketConn) LocalAddr() netip.AddrPort {
	return m.localAddr
}

// Close implements PacketConn.Close.
func (m *MockPacketConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// written returns a snapshot of recorded writes.
func (m *MockPacketConn) written() []writtenPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]writtenPacket, len(m.Written))
	copy(out, m.Written)
	return out
}
