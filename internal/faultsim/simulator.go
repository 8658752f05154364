// Package faultsim injects packet loss, duplication and delay into a
// udplink connection to exercise protocol robustness.
package faultsim

import (
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dantte-lp/udplink/internal/packet"
	"github.com/dantte-lp/udplink/internal/udplink"
)

// -------------------------------------------------------------------------
// Fault Labels
// -------------------------------------------------------------------------

// Fault kinds reported to FaultReporter.
const (
	FaultDrop      = "drop"
	FaultDuplicate = "duplicate"
	FaultDelay     = "delay"
)

// Directions reported to FaultReporter.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// FaultReporter receives one call per injected fault. Implementations
// must be safe for concurrent use.
type FaultReporter interface {
	IncFaultInjected(kind, direction string)
}

type noopReporter struct{}

func (noopReporter) IncFaultInjected(string, string) {}

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures optional Simulator parameters.
type Option func(*Simulator)

// WithSeed makes the fault sequence reproducible. Without it a random
// seed is drawn; Seed reports it either way.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) {
		s.seed = seed
	}
}

// WithClock replaces the wall clock, typically with clock.NewMock.
func WithClock(c clock.Clock) Option {
	return func(s *Simulator) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithReporter attaches a FaultReporter. If r is nil, faults are not
// reported.
func WithReporter(r FaultReporter) Option {
	return func(s *Simulator) {
		if r != nil {
			s.reporter = r
		}
	}
}

// -------------------------------------------------------------------------
// Simulator
// -------------------------------------------------------------------------

// delayed is a packet held back until due.
type delayed struct {
	due time.Time
	p   packet.Packet
}

// Simulator decorates a udplink.Conn with randomized faults. Outbound
// packets are faulted in Send, inbound packets when Receive pulls them from
// the wrapped connection. Delayed packets are released by Update once the
// clock passes their due time.
//
// Simulator only reaches the wrapped connection through udplink.Conn, so
// simulators stack. Payloads are never modified. Like the connection it
// wraps, a Simulator is not safe for concurrent use.
type Simulator struct {
	conn     udplink.Conn
	profile  Profile
	seed     uint64
	rng      *rand.Rand
	clock    clock.Clock
	reporter FaultReporter
	logger   *slog.Logger

	outbound []delayed
	inbound  []delayed
	ready    []packet.Packet
}

// Compile-time check.
var _ udplink.Conn = (*Simulator)(nil)

// New wraps conn with the faults described by profile. Each injected fault
// is logged at Debug on logger.
func New(conn udplink.Conn, profile Profile, logger *slog.Logger, opts ...Option) (*Simulator, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	s := &Simulator{
		conn:     conn,
		profile:  profile,
		seed:     rand.Uint64(),
		clock:    clock.New(),
		reporter: noopReporter{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.rng = rand.New(rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15)) //nolint:gosec // fault injection, not security.
	s.logger = logger.With(
		slog.String("component", "faultsim"),
		slog.String("remote", conn.Remote().String()),
	)

	return s, nil
}

// Seed returns the seed of the fault sequence, for reproducing a run.
func (s *Simulator) Seed() uint64 { return s.seed }

// Profile returns the active fault profile.
func (s *Simulator) Profile() Profile { return s.profile }

// Unwrap returns the decorated connection.
func (s *Simulator) Unwrap() udplink.Conn { return s.conn }

// Send applies the outbound faults to p and forwards the survivors, now
// or on a later Update.
func (s *Simulator) Send(p packet.Packet) {
	now := s.clock.Now()

	for _, due := range s.fate(DirectionOutbound, now) {
		if due.IsZero() {
			s.conn.Send(p)
			continue
		}
		s.outbound = schedule(s.outbound, due, p)
	}
}

// Receive pulls everything the wrapped connection has queued, applies the
// inbound faults, then pops the oldest released packet into out. It
// returns false and leaves out untouched when nothing is released.
func (s *Simulator) Receive(out *packet.Packet) bool {
	now := s.clock.Now()

	var p packet.Packet
	for s.conn.Receive(&p) {
		for _, due := range s.fate(DirectionInbound, now) {
			if due.IsZero() {
				s.ready = append(s.ready, p)
				continue
			}
			s.inbound = schedule(s.inbound, due, p)
		}
	}

	if len(s.ready) == 0 {
		return false
	}

	*out = s.ready[0]
	s.ready[0] = packet.Packet{}
	s.ready = s.ready[1:]
	if len(s.ready) == 0 {
		s.ready = nil
	}

	return true
}

// Update releases every delayed packet whose due time has passed: outbound
// ones to the wrapped connection, inbound ones to the Receive queue.
// Packets are released in due order.
func (s *Simulator) Update() {
	now := s.clock.Now()

	var due []delayed
	due, s.outbound = splitDue(s.outbound, now)
	for _, d := range due {
		s.conn.Send(d.p)
	}

	due, s.inbound = splitDue(s.inbound, now)
	for _, d := range due {
		s.ready = append(s.ready, d.p)
	}
}

// Pending returns the number of packets still held back in each direction.
func (s *Simulator) Pending() (outbound, inbound int) {
	return len(s.outbound), len(s.inbound)
}

// Close closes the wrapped connection. Delayed outbound packets released
// afterwards are refused by it, as late packets would be.
func (s *Simulator) Close() { s.conn.Close() }

// Terminate terminates the wrapped connection and forgets delayed
// outbound packets.
func (s *Simulator) Terminate() {
	s.outbound = nil
	s.conn.Terminate()
}

// MatchesEndpoint reports whether ep is the wrapped connection's remote.
func (s *Simulator) MatchesEndpoint(ep netip.AddrPort) bool {
	return s.conn.MatchesEndpoint(ep)
}

// Status returns the wrapped connection's status.
func (s *Simulator) Status() udplink.Status { return s.conn.Status() }

// Remote returns the wrapped connection's remote endpoint.
func (s *Simulator) Remote() netip.AddrPort { return s.conn.Remote() }

// -------------------------------------------------------------------------
// Fault policy
// -------------------------------------------------------------------------

// fate decides what happens to one packet. It returns one entry per copy
// to deliver: the zero time for immediate delivery, otherwise the release
// time. A dropped packet yields no entries.
func (s *Simulator) fate(direction string, now time.Time) []time.Time {
	if s.roll(s.profile.DropRate) {
		s.report(FaultDrop, direction)
		return nil
	}

	copies := 1
	if s.roll(s.profile.DuplicateRate) {
		copies = 2
		s.report(FaultDuplicate, direction)
	}

	dues := make([]time.Time, copies)
	if s.roll(s.profile.DelayRate) {
		s.report(FaultDelay, direction)
		for i := range dues {
			dues[i] = now.Add(s.holdTime())
		}
	}

	return dues
}

// roll returns true with probability rate. A zero rate consumes no
// randomness.
func (s *Simulator) roll(rate float64) bool {
	return rate > 0 && s.rng.Float64() < rate
}

// holdTime draws Delay ± Jitter, clamped to at least one nanosecond so a
// delayed packet is never mistaken for an immediate one.
func (s *Simulator) holdTime() time.Duration {
	d := s.profile.Delay
	if j := s.profile.Jitter; j > 0 {
		d += time.Duration(s.rng.Int64N(2*int64(j)+1)) - j
	}
	return max(d, time.Nanosecond)
}

// schedule inserts p into q after every entry due at or before due, so
// equal due times keep insertion order.
func schedule(q []delayed, due time.Time, p packet.Packet) []delayed {
	i, _ := slices.BinarySearchFunc(q, due, func(d delayed, t time.Time) int {
		if d.due.After(t) {
			return 1
		}
		return -1
	})
	return slices.Insert(q, i, delayed{due: due, p: p})
}

// report counts and logs one injected fault.
func (s *Simulator) report(kind, direction string) {
	s.reporter.IncFaultInjected(kind, direction)
	s.logger.Debug("fault injected",
		slog.String("kind", kind),
		slog.String("direction", direction),
	)
}

// splitDue returns the leading entries of q due at or before now and the
// remainder.
func splitDue(q []delayed, now time.Time) (due, rest []delayed) {
	i := 0
	for i < len(q) && !q[i].due.After(now) {
		i++
	}
	if i == 0 {
		return nil, q
	}

	due = slices.Clone(q[:i])
	rest = slices.Delete(q, 0, i)
	return due, rest
}
