// Package packet implements the bounded datagram payload carried by udplink
// connections.
package packet

import (
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Size Limits
// -------------------------------------------------------------------------

// MaxSize is the largest payload a single datagram may carry. It leaves
// headroom below a typical 1500-byte Ethernet path MTU once IP/UDP headers
// are accounted for by the sender's stack.
const MaxSize = 1500

// ErrOversize indicates a payload longer than MaxSize.
var ErrOversize = errors.New("payload exceeds maximum datagram size")

// Pool provides reusable MaxSize-capacity buffers for the receive path.
// Store *[]byte to avoid the allocation incurred by boxing a slice header.
var Pool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxSize)
		return &buf
	},
}

// -------------------------------------------------------------------------
// Packet
// -------------------------------------------------------------------------

// Packet is an immutable datagram payload of at most MaxSize bytes.
//
// The payload is copied on construction and never handed out by reference,
// so a Packet may be passed by value freely: no two owners can observe a
// mutation. The zero value is an empty packet.
type Packet struct {
	data []byte
}

// New returns a Packet holding a copy of data.
//
// Payloads longer than MaxSize are rejected with ErrOversize rather than
// truncated, so a caller never transmits a silently shortened datagram.
func New(data []byte) (Packet, error) {
	if len(data) > MaxSize {
		return Packet{}, fmt.Errorf("new packet of %d bytes (max %d): %w",
			len(data), MaxSize, ErrOversize)
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	return Packet{data: buf}, nil
}

// MustNew is like New but panics on error. Intended for constants and tests.
func MustNew(data []byte) Packet {
	p, err := New(data)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the payload length in bytes.
func (p Packet) Len() int {
	return len(p.data)
}

// CopyTo copies the payload into buf and returns the number of bytes
// written: min(p.Len(), len(buf)).
func (p Packet) CopyTo(buf []byte) int {
	return copy(buf, p.data)
}

// Bytes returns a copy of the payload.
func (p Packet) Bytes() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// Clone returns an independent Packet with the same payload.
func (p Packet) Clone() Packet {
	return Packet{data: p.Bytes()}
}

// String implements fmt.Stringer. Only the length is printed; payloads
// are opaque to this layer.
func (p Packet) String() string {
	return fmt.Sprintf("packet(len=%d)", len(p.data))
}
