package udplink

import (
	"net/netip"
	"time"
)

// StateChange is emitted when a Connection changes Status.
type StateChange struct {
	// Remote is the connection's remote endpoint.
	Remote netip.AddrPort

	// Origin is how the connection was created.
	Origin Origin

	// Old is the status before the transition.
	Old Status

	// New is the status after the transition.
	New Status

	// Event is what caused the transition.
	Event Event

	// Err is the last recorded error, if any.
	Err string

	// Timestamp is when the transition occurred.
	Timestamp time.Time
}

// StateCallback is invoked synchronously on every Connection status change,
// on the goroutine driving Service.Update. Callbacks must not block.
type StateCallback func(change StateChange)

// CloseHook runs when a Connection leaves Open through Close or Terminate.
// It is where an on-wire close notification would be emitted; the current
// wire format has none.
type CloseHook func(c *Connection)
