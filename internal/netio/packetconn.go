package netio

import (
	"errors"
	"net/netip"
)

// -------------------------------------------------------------------------
// PacketConn Interface
// -------------------------------------------------------------------------

// PacketConn abstracts datagram send/receive over a single local socket.
//
// The interface is intentionally minimal to enable in-process and mock
// implementations for testing without real sockets.
type PacketConn interface {
	// ReadPacket blocks until a datagram arrives and copies it into buf.
	// Returns the number of bytes read and the sender's endpoint. Source
	// addresses are normalized with Unmap so IPv4 peers on a dual-stack
	// socket compare equal to their plain IPv4 form.
	ReadPacket(buf []byte) (n int, src netip.AddrPort, err error)

	// WritePacket sends buf as a single datagram to dst.
	WritePacket(buf []byte, dst netip.AddrPort) error

	// LocalAddr returns the local address and port the socket is bound to.
	LocalAddr() netip.AddrPort

	// Close releases the socket. Blocked ReadPacket calls return
	// ErrSocketClosed.
	Close() error
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrUnexpectedConnType indicates net.ListenConfig returned a
	// PacketConn that is not a *net.UDPConn.
	ErrUnexpectedConnType = errors.New("unexpected connection type")

	// ErrAddrInUse indicates an in-process endpoint is already bound.
	ErrAddrInUse = errors.New("address already in use")
)

// normalize strips the IPv4-in-IPv6 mapping from ap.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
