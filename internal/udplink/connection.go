package udplink

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/udplink/internal/netio"
	"github.com/dantte-lp/udplink/internal/packet"
)

// -------------------------------------------------------------------------
// Connection Defaults
// -------------------------------------------------------------------------

// DefaultRecvQueueLimit bounds the inbound queue of a Connection. Datagrams
// arriving while the queue is full are dropped, as a full socket buffer
// would.
const DefaultRecvQueueLimit = 1024

// DatagramSender is the asynchronous send primitive a Connection flushes
// through. *netio.AsyncConn implements it.
type DatagramSender interface {
	// SendTo queues buf for dst and returns at once. done runs later, on
	// the goroutine that dispatches completions.
	SendTo(buf []byte, dst netip.AddrPort, done netio.Completion)
}

// -------------------------------------------------------------------------
// Connection Options
// -------------------------------------------------------------------------

// ConnectionOption configures optional Connection parameters.
type ConnectionOption func(*Connection)

// WithConnectionMetrics attaches a MetricsReporter. If mr is nil, the
// default no-op reporter is used.
func WithConnectionMetrics(mr MetricsReporter) ConnectionOption {
	return func(c *Connection) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// WithConnectionStateCallback registers cb for status changes.
func WithConnectionStateCallback(cb StateCallback) ConnectionOption {
	return func(c *Connection) {
		c.onState = cb
	}
}

// WithConnectionCloseHook registers the hook run when the connection
// leaves Open.
func WithConnectionCloseHook(hook CloseHook) ConnectionOption {
	return func(c *Connection) {
		c.closeHook = hook
	}
}

// WithOrigin records how the connection was created.
func WithOrigin(o Origin) ConnectionOption {
	return func(c *Connection) {
		c.origin = o
	}
}

// WithConnectionRecvQueueLimit bounds the inbound queue. Values below 1
// keep DefaultRecvQueueLimit.
func WithConnectionRecvQueueLimit(n int) ConnectionOption {
	return func(c *Connection) {
		if n > 0 {
			c.recvLimit = n
		}
	}
}

// -------------------------------------------------------------------------
// Connection
// -------------------------------------------------------------------------

// Connection is one logical pairing with a remote endpoint.
//
// Outbound packets are flushed in submission order with at most one
// asynchronous send in flight. Inbound packets are queued in arrival order
// until the application calls Receive. A Connection is not safe for
// concurrent use: every method, and every completion it receives, runs on
// the goroutine driving the owning Service.
type Connection struct {
	sender DatagramSender
	remote netip.AddrPort
	origin Origin
	status Status

	outbound []packet.Packet
	inbound  []packet.Packet

	recvLimit int
	lastErr   string

	// scratch holds the packet currently on the wire. It stays untouched
	// until the completion for that send has run.
	scratch  [packet.MaxSize]byte
	inFlight bool

	closeHook CloseHook
	onState   StateCallback
	metrics   MetricsReporter
	logger    *slog.Logger

	// --- Counters ---
	packetsSent      uint64
	packetsReceived  uint64
	packetsDropped   uint64
	sendErrors       uint64
	stateTransitions uint64
	createdAt        time.Time
	lastStateChange  time.Time
}

// NewConnection creates an Open connection to remote that flushes through
// sender. Most callers obtain connections from a Service instead.
func NewConnection(
	sender DatagramSender,
	remote netip.AddrPort,
	logger *slog.Logger,
	opts ...ConnectionOption,
) *Connection {
	remote = normalize(remote)

	c := &Connection{
		sender:    sender,
		remote:    remote,
		status:    StatusOpen,
		recvLimit: DefaultRecvQueueLimit,
		metrics:   noopMetrics{},
		createdAt: time.Now(),
		logger: logger.With(
			slog.String("component", "udplink.connection"),
			slog.String("remote", remote.String()),
		),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// -------------------------------------------------------------------------
// Application API
// -------------------------------------------------------------------------

// Send queues p and starts a transmission if none is in flight. Packets
// handed to a connection that is no longer Open are dropped.
func (c *Connection) Send(p packet.Packet) {
	if c.status != StatusOpen {
		c.drop(DropNotOpen)
		return
	}

	c.outbound = append(c.outbound, p)
	c.sendNext()
}

// Receive pops the oldest queued packet into out. It returns false and
// leaves out untouched when the queue is empty. Queued packets remain
// receivable after the connection closes.
func (c *Connection) Receive(out *packet.Packet) bool {
	if len(c.inbound) == 0 {
		return false
	}

	*out = c.inbound[0]
	c.inbound[0] = packet.Packet{}
	c.inbound = c.inbound[1:]
	if len(c.inbound) == 0 {
		c.inbound = nil
	}

	return true
}

// Close stops accepting new sends and moves to Closing. Already queued
// packets are still flushed. No-op unless Open.
func (c *Connection) Close() {
	if c.status != StatusOpen {
		return
	}

	c.runCloseHook()
	c.apply(EventClose)
}

// Terminate moves straight to Closed and discards the outbound backlog.
// A send already in flight is not cancelled; its completion is ignored.
func (c *Connection) Terminate() {
	if c.status == StatusOpen {
		c.runCloseHook()
	}

	c.discardBacklog()
	c.apply(EventTerminate)
}

// MatchesEndpoint reports whether ep addresses this connection's remote.
// IPv4-mapped IPv6 endpoints match their plain IPv4 form.
func (c *Connection) MatchesEndpoint(ep netip.AddrPort) bool {
	return normalize(ep) == c.remote
}

// SetError records msg as the last error. It does not change status.
func (c *Connection) SetError(msg string) {
	c.lastErr = msg
}

// LastError returns the last recorded error, or "" if none.
func (c *Connection) LastError() string {
	return c.lastErr
}

// Status returns the lifecycle state.
func (c *Connection) Status() Status { return c.status }

// Remote returns the normalized remote endpoint.
func (c *Connection) Remote() netip.AddrPort { return c.remote }

// Origin returns how the connection was created.
func (c *Connection) Origin() Origin { return c.origin }

// -------------------------------------------------------------------------
// Snapshot
// -------------------------------------------------------------------------

// ConnectionSnapshot is a read-only view of a connection at a point in
// time. No references to mutable state are held.
type ConnectionSnapshot struct {
	Remote          netip.AddrPort
	Origin          Origin
	Status          Status
	LastError       string
	OutboundQueued  int
	InboundQueued   int
	InFlight        bool
	CreatedAt       time.Time
	LastStateChange time.Time
	Counters        ConnectionCounters
}

// ConnectionCounters holds per-connection counters for the connection's
// lifetime.
type ConnectionCounters struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	PacketsDropped   uint64
	SendErrors       uint64
	StateTransitions uint64
}

// Snapshot returns the current state of the connection.
func (c *Connection) Snapshot() ConnectionSnapshot {
	return ConnectionSnapshot{
		Remote:          c.remote,
		Origin:          c.origin,
		Status:          c.status,
		LastError:       c.lastErr,
		OutboundQueued:  len(c.outbound),
		InboundQueued:   len(c.inbound),
		InFlight:        c.inFlight,
		CreatedAt:       c.createdAt,
		LastStateChange: c.lastStateChange,
		Counters: ConnectionCounters{
			PacketsSent:      c.packetsSent,
			PacketsReceived:  c.packetsReceived,
			PacketsDropped:   c.packetsDropped,
			SendErrors:       c.sendErrors,
			StateTransitions: c.stateTransitions,
		},
	}
}

// -------------------------------------------------------------------------
// Service-facing internals
// -------------------------------------------------------------------------

// deliver queues an inbound datagram. data is copied. Oversize datagrams,
// datagrams for a Closed connection and datagrams beyond the queue limit
// are dropped.
func (c *Connection) deliver(data []byte) {
	switch {
	case len(data) > packet.MaxSize:
		c.drop(DropOversize)
		c.logger.Debug("oversize datagram dropped", slog.Int("size", len(data)))
		return
	case c.status == StatusClosed:
		c.drop(DropClosed)
		return
	case len(c.inbound) >= c.recvLimit:
		c.drop(DropQueueFull)
		return
	}

	p, err := packet.New(data)
	if err != nil {
		c.drop(DropOversize)
		return
	}

	c.inbound = append(c.inbound, p)
	c.packetsReceived++
	c.metrics.IncPacketsReceived(c.origin.String())
}

// finishIfDrained moves an idle Closing connection to Closed. Returns true
// when the connection is Closed afterwards.
func (c *Connection) finishIfDrained() bool {
	if c.status == StatusClosing && !c.inFlight && len(c.outbound) == 0 {
		c.apply(EventDrained)
	}
	return c.status == StatusClosed
}

// sendNext starts the next transmission when nothing is in flight.
func (c *Connection) sendNext() {
	if c.inFlight || len(c.outbound) == 0 || c.status == StatusClosed {
		return
	}

	p := c.outbound[0]
	c.outbound[0] = packet.Packet{}
	c.outbound = c.outbound[1:]
	if len(c.outbound) == 0 {
		c.outbound = nil
	}

	n := p.CopyTo(c.scratch[:])
	c.inFlight = true
	c.sender.SendTo(c.scratch[:n], c.remote, c.onSendComplete)
}

// onSendComplete is the completion for the single in-flight send.
func (c *Connection) onSendComplete(err error) {
	c.inFlight = false

	if err != nil {
		c.sendErrors++
		c.metrics.IncSendErrors(c.origin.String())
		c.SetError(err.Error())
		c.logger.Warn("send failed, closing connection",
			slog.String("error", err.Error()),
			slog.Int("discarded", len(c.outbound)),
		)
		c.discardBacklog()
		c.Close()
		return
	}

	c.packetsSent++
	c.metrics.IncPacketsSent(c.origin.String())

	// Status may have changed while the send was in flight.
	c.sendNext()
}

// discardBacklog drops every queued outbound packet.
func (c *Connection) discardBacklog() {
	for range c.outbound {
		c.drop(DropBacklog)
	}
	c.outbound = nil
}

// drop counts one discarded packet.
func (c *Connection) drop(reason string) {
	c.packetsDropped++
	c.metrics.IncPacketsDropped(reason)
}

// runCloseHook invokes the close hook, if any.
func (c *Connection) runCloseHook() {
	if c.closeHook != nil {
		c.closeHook(c)
	}
}

// apply runs ev through the state machine and reports the change.
func (c *Connection) apply(ev Event) {
	tr := ApplyEvent(c.status, ev)
	if !tr.Changed {
		return
	}

	c.status = tr.New
	c.stateTransitions++
	c.lastStateChange = time.Now()
	c.metrics.RecordStateTransition(tr.Old.String(), tr.New.String())

	c.logger.Debug("connection state changed",
		slog.String("from", tr.Old.String()),
		slog.String("to", tr.New.String()),
		slog.String("event", ev.String()),
	)

	if c.onState != nil {
		c.onState(StateChange{
			Remote:    c.remote,
			Origin:    c.origin,
			Old:       tr.Old,
			New:       tr.New,
			Event:     ev,
			Err:       c.lastErr,
			Timestamp: c.lastStateChange,
		})
	}
}

// normalize strips the IPv4-in-IPv6 mapping so endpoints compare equal
// regardless of socket family.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
