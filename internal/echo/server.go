// Package echo implements a responder that sends every packet it receives
// back to its sender, optionally through a fault simulator.
package echo

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dantte-lp/udplink/internal/faultsim"
	"github.com/dantte-lp/udplink/internal/packet"
	"github.com/dantte-lp/udplink/internal/udplink"
)

// DefaultInterval is the idle poll period of Run.
const DefaultInterval = 10 * time.Millisecond

// Option configures optional Server parameters.
type Option func(*Server)

// WithInterval sets how often Run updates the Service when no socket
// event wakes it. Delayed faults are released at this granularity.
func WithInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithFaults wraps every accepted connection in a fault simulator. A
// nonzero seed makes the run reproducible; each connection derives its own
// seed from it in accept order.
func WithFaults(profile faultsim.Profile, seed uint64) Option {
	return func(s *Server) {
		s.faults = &profile
		s.seed = seed
	}
}

// WithAccepting sets whether the Service creates connections for unseen
// endpoints. Enabled by default; a Server that does not accept only echoes
// on connections it already tracks.
func WithAccepting(accepting bool) Option {
	return func(s *Server) {
		s.accepting = accepting
	}
}

// WithFaultReporter receives the simulators' fault counts.
func WithFaultReporter(r faultsim.FaultReporter) Option {
	return func(s *Server) {
		s.reporter = r
	}
}

// WithClock replaces the clock driving Run and the simulators.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// peer is one accepted connection, possibly decorated.
type peer struct {
	conn udplink.Conn
	sim  *faultsim.Simulator
}

// Server echoes packets on an accepting Service.
//
// Server does not own the Service; the caller closes it after Run returns.
type Server struct {
	svc      *udplink.Service
	logger   *slog.Logger
	interval time.Duration
	clock    clock.Clock

	accepting bool

	faults   *faultsim.Profile
	seed     uint64
	reporter faultsim.FaultReporter

	peers    []peer
	accepted uint64
	echoed   uint64

	// lastStep is the clock time of the latest Step in Unix nanoseconds,
	// read from other goroutines.
	lastStep atomic.Int64
}

// NewServer creates an echo Server on svc and sets its accepting mode,
// enabled unless WithAccepting(false) is given.
func NewServer(svc *udplink.Service, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		logger:    logger.With(slog.String("component", "echo.server")),
		interval:  DefaultInterval,
		clock:     clock.New(),
		accepting: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	svc.SetAcceptingConnections(s.accepting)
	s.lastStep.Store(s.clock.Now().UnixNano())
	return s
}

// Run echoes until ctx is cancelled, then terminates every connection.
func (s *Server) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.logger.Info("echo server running",
		slog.String("local", s.svc.LocalAddr().String()),
		slog.Bool("accepting", s.accepting),
		slog.Bool("faults", s.faults != nil),
	)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.svc.Ready():
		case <-ticker.C:
		}

		s.Step()
	}
}

// Step performs one iteration: update the Service, accept new
// connections, release delayed faults, echo everything received and forget
// Closed connections. Returns the number of packets echoed.
func (s *Server) Step() int {
	s.lastStep.Store(s.clock.Now().UnixNano())
	s.svc.Update()

	for {
		c, ok := s.svc.TryAcceptConnection()
		if !ok {
			break
		}
		s.accept(c)
	}

	n := 0
	live := s.peers[:0]
	for _, p := range s.peers {
		if p.sim != nil {
			p.sim.Update()
		}

		var pkt packet.Packet
		for p.conn.Receive(&pkt) {
			p.conn.Send(pkt)
			n++
		}

		if p.conn.Status() == udplink.StatusClosed {
			s.logger.Debug("peer gone", slog.String("remote", p.conn.Remote().String()))
			continue
		}
		live = append(live, p)
	}
	clear(s.peers[len(live):])
	s.peers = live

	s.echoed += uint64(n)
	return n
}

// Peers returns the number of tracked connections.
func (s *Server) Peers() int { return len(s.peers) }

// LastStep returns when Step last ran, or when the Server was created if
// it has not run yet. Safe to call from any goroutine.
func (s *Server) LastStep() time.Time {
	return time.Unix(0, s.lastStep.Load())
}

// Echoed returns the total number of packets echoed.
func (s *Server) Echoed() uint64 { return s.echoed }

// accept starts tracking c, wrapping it when faults are configured.
func (s *Server) accept(c *udplink.Connection) {
	s.accepted++
	p := peer{conn: c}

	if s.faults != nil {
		opts := []faultsim.Option{
			faultsim.WithClock(s.clock),
			faultsim.WithReporter(s.reporter),
		}
		if s.seed != 0 {
			opts = append(opts, faultsim.WithSeed(s.seed+s.accepted))
		}

		sim, err := faultsim.New(c, *s.faults, s.logger, opts...)
		if err != nil {
			s.logger.Error("fault profile rejected, echoing without faults",
				slog.String("error", err.Error()),
			)
		} else {
			p.conn = sim
			p.sim = sim
		}
	}

	s.logger.Info("peer accepted",
		slog.String("remote", c.Remote().String()),
		slog.Uint64("seed", simSeed(p.sim)),
	)
	s.peers = append(s.peers, p)
}

// shutdown terminates every tracked connection.
func (s *Server) shutdown() {
	for _, p := range s.peers {
		p.conn.Terminate()
	}
	s.peers = nil

	s.logger.Info("echo server stopped", slog.Uint64("echoed", s.echoed))
}

func simSeed(sim *faultsim.Simulator) uint64 {
	if sim == nil {
		return 0
	}
	return sim.Seed()
}
