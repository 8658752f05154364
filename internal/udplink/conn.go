package udplink

import (
	"net/netip"

	"github.com/dantte-lp/udplink/internal/packet"
)

// Conn is the capability set of a logical connection. *Connection
// implements it; decorators such as the fault simulator wrap it and may be
// stacked.
type Conn interface {
	// Send queues p for transmission. Ignored unless the connection is Open.
	Send(p packet.Packet)

	// Receive pops the oldest received packet into out. It returns false
	// and leaves out untouched when nothing is queued.
	Receive(out *packet.Packet) bool

	// Close starts a graceful close: no new sends, backlog still flushed.
	Close()

	// Terminate closes immediately and discards the outbound backlog.
	Terminate()

	// MatchesEndpoint reports whether ep is this connection's remote.
	MatchesEndpoint(ep netip.AddrPort) bool

	// Status returns the lifecycle state.
	Status() Status

	// Remote returns the remote endpoint.
	Remote() netip.AddrPort
}

// Compile-time check.
var _ Conn = (*Connection)(nil)
