package udplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"

	"github.com/dantte-lp/udplink/internal/netio"
	"github.com/dantte-lp/udplink/internal/packet"
)

// -------------------------------------------------------------------------
// Service Errors
// -------------------------------------------------------------------------

// Sentinel errors for Service operations.
var (
	// ErrUnroutable indicates a datagram from an endpoint with no
	// connection while the Service is not accepting.
	ErrUnroutable = errors.New("no connection for remote endpoint")

	// ErrConnectionLimit indicates the configured connection limit was
	// reached.
	ErrConnectionLimit = errors.New("connection limit reached")

	// ErrDuplicateConnection indicates a live connection already exists for
	// the remote endpoint.
	ErrDuplicateConnection = errors.New("duplicate connection for remote endpoint")

	// ErrInvalidRemote indicates the remote host or port cannot be used.
	ErrInvalidRemote = errors.New("invalid remote endpoint")

	// ErrServiceClosed indicates an operation on a closed Service.
	ErrServiceClosed = errors.New("service closed")
)

// -------------------------------------------------------------------------
// Service Options
// -------------------------------------------------------------------------

// ServiceOption configures optional Service parameters.
type ServiceOption func(*Service)

// WithListenAddr binds the socket on addr instead of all interfaces.
func WithListenAddr(addr netip.Addr) ServiceOption {
	return func(s *Service) {
		s.listenAddr = addr
	}
}

// WithSocketOptions tunes the OS socket.
func WithSocketOptions(opts netio.SocketOptions) ServiceOption {
	return func(s *Service) {
		s.sockOpts = opts
	}
}

// WithPacketConn runs the Service over an existing socket, such as a
// netio.MemConn. The Service takes ownership of pc; the port and listen
// address passed to NewService are ignored.
func WithPacketConn(pc netio.PacketConn) ServiceOption {
	return func(s *Service) {
		s.packetConn = pc
	}
}

// WithMetrics sets the MetricsReporter for the Service and every
// connection it creates. If mr is nil, a no-op reporter is used.
func WithMetrics(mr MetricsReporter) ServiceOption {
	return func(s *Service) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithStateCallback registers cb for status changes of every connection.
func WithStateCallback(cb StateCallback) ServiceOption {
	return func(s *Service) {
		s.onState = cb
	}
}

// WithCloseHook registers the hook run when any connection leaves Open.
func WithCloseHook(hook CloseHook) ServiceOption {
	return func(s *Service) {
		s.closeHook = hook
	}
}

// WithRecvQueueLimit bounds each connection's inbound queue.
func WithRecvQueueLimit(n int) ServiceOption {
	return func(s *Service) {
		s.recvLimit = n
	}
}

// WithMaxConnections caps the number of live connections. Zero means
// unlimited.
func WithMaxConnections(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.maxConns = n
		}
	}
}

// WithMaxPendingDatagrams bounds inbound datagrams buffered between two
// Update calls.
func WithMaxPendingDatagrams(n int) ServiceOption {
	return func(s *Service) {
		s.maxPending = n
	}
}

// WithResolver sets the resolver Connect uses for host names.
func WithResolver(r *net.Resolver) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.resolver = r
		}
	}
}

// -------------------------------------------------------------------------
// Service
// -------------------------------------------------------------------------

// Service owns one datagram socket and multiplexes it into Connections
// keyed by remote endpoint.
//
// Inbound datagrams are routed by source endpoint. When accepting, a
// datagram from an unseen endpoint creates a new Connection that is handed
// out once by TryAcceptConnection; otherwise it is dropped. Connections
// that reach Closed are discarded during Update.
//
// Service is not safe for concurrent use. Drive it from one goroutine,
// waiting on Ready between Update calls.
type Service struct {
	conn   *netio.AsyncConn
	logger *slog.Logger

	accepting bool
	conns     map[netip.AddrPort]*Connection
	accepted  []*Connection
	closed    bool

	listenAddr netip.Addr
	sockOpts   netio.SocketOptions
	packetConn netio.PacketConn
	resolver   *net.Resolver
	recvLimit  int
	maxConns   int
	maxPending int

	metrics   MetricsReporter
	onState   StateCallback
	closeHook CloseHook
}

// NewService binds a socket on port and starts its I/O goroutines. Port 0
// binds an ephemeral port, the usual choice for a client. The Service
// starts with accepting disabled.
func NewService(
	ctx context.Context,
	port uint16,
	logger *slog.Logger,
	opts ...ServiceOption,
) (*Service, error) {
	s := &Service{
		conns:    make(map[netip.AddrPort]*Connection),
		resolver: net.DefaultResolver,
		metrics:  noopMetrics{},
		logger:   logger.With(slog.String("component", "udplink.service")),
	}
	for _, opt := range opts {
		opt(s)
	}

	pc := s.packetConn
	if pc == nil {
		udp, err := netio.ListenUDP(ctx, netip.AddrPortFrom(s.listenAddr, port), s.sockOpts)
		if err != nil {
			return nil, fmt.Errorf("new service on port %d: %w", port, err)
		}
		pc = udp
	}
	s.packetConn = nil

	s.conn = netio.NewAsyncConn(pc, logger, netio.WithMaxPendingDatagrams(s.maxPending))

	s.logger.Info("service started",
		slog.String("local", s.conn.LocalAddr().String()),
	)

	return s, nil
}

// SetAcceptingConnections toggles creation of connections for unseen
// remote endpoints.
func (s *Service) SetAcceptingConnections(accepting bool) {
	s.accepting = accepting
}

// AcceptingConnections reports whether unseen endpoints create connections.
func (s *Service) AcceptingConnections() bool {
	return s.accepting
}

// Connect registers an Open connection to host:port and returns it. No
// handshake is performed; the first Send transmits immediately. host may
// be an IP literal or a name resolved through the Service's resolver.
//
// A Closed connection for the same endpoint is discarded first; a live one
// yields ErrDuplicateConnection.
func (s *Service) Connect(ctx context.Context, host string, port uint16) (*Connection, error) {
	if s.closed {
		return nil, fmt.Errorf("connect %s port %d: %w", host, port, ErrServiceClosed)
	}
	if port == 0 {
		return nil, fmt.Errorf("connect %s: port 0: %w", host, ErrInvalidRemote)
	}

	addr, err := s.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	remote := normalize(netip.AddrPortFrom(addr, port))

	if existing, ok := s.conns[remote]; ok {
		if existing.Status() != StatusClosed {
			return nil, fmt.Errorf("connect %s: %w", remote, ErrDuplicateConnection)
		}
		s.remove(remote, existing)
	}

	if s.atLimit() {
		return nil, fmt.Errorf("connect %s: %d connections: %w", remote, len(s.conns), ErrConnectionLimit)
	}

	c := s.register(remote, OriginConnect)

	s.logger.Info("connection opened",
		slog.String("remote", remote.String()),
		slog.String("origin", OriginConnect.String()),
	)

	return c, nil
}

// resolve maps host to a single address.
func (s *Service) resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsUnspecified() {
			return netip.Addr{}, fmt.Errorf("connect %s: unspecified address: %w", host, ErrInvalidRemote)
		}
		return addr.Unmap(), nil
	}

	addrs, err := s.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("connect %s: %w: %w", host, ErrInvalidRemote, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("connect %s: no addresses: %w", host, ErrInvalidRemote)
	}

	return addrs[0].Unmap(), nil
}

// TryAcceptConnection returns the oldest connection created by an inbound
// datagram that has not been returned yet.
func (s *Service) TryAcceptConnection() (*Connection, bool) {
	if len(s.accepted) == 0 {
		return nil, false
	}

	c := s.accepted[0]
	s.accepted[0] = nil
	s.accepted = s.accepted[1:]
	if len(s.accepted) == 0 {
		s.accepted = nil
	}

	return c, true
}

// Update dispatches finished socket operations: send completions run and
// inbound datagrams are routed to their connections. It then finalizes
// idle Closing connections and discards Closed ones. Update never blocks.
func (s *Service) Update() {
	if s.closed {
		return
	}

	s.conn.Poll(s.dispatch)
	s.reap()
}

// Ready returns a channel signalled when socket events are waiting for
// Update. Wakeups may be spurious.
func (s *Service) Ready() <-chan struct{} {
	return s.conn.Ready()
}

// LocalAddr returns the bound local endpoint.
func (s *Service) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr()
}

// Connections returns snapshots of every live connection ordered by remote
// endpoint.
func (s *Service) Connections() []ConnectionSnapshot {
	snaps := make([]ConnectionSnapshot, 0, len(s.conns))
	for _, c := range s.conns {
		snaps = append(snaps, c.Snapshot())
	}

	slices.SortFunc(snaps, func(a, b ConnectionSnapshot) int {
		return a.Remote.Compare(b.Remote)
	})

	return snaps
}

// DroppedDatagrams returns the number of inbound datagrams discarded
// because Update was not called often enough.
func (s *Service) DroppedDatagrams() uint64 {
	return s.conn.Dropped()
}

// Close terminates every connection, closes the socket and waits for the
// I/O goroutines to exit. Safe to call more than once.
func (s *Service) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	for remote, c := range s.conns {
		c.Terminate()
		s.remove(remote, c)
	}
	s.accepted = nil

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close service: %w", err)
	}

	s.logger.Info("service closed")
	return nil
}

// -------------------------------------------------------------------------
// Routing
// -------------------------------------------------------------------------

// dispatch is the AsyncConn receive handler.
func (s *Service) dispatch(src netip.AddrPort, data []byte) {
	if err := s.route(src, data); err != nil {
		s.logger.Debug("datagram dropped",
			slog.String("src", src.String()),
			slog.Int("size", len(data)),
			slog.String("error", err.Error()),
		)
	}
}

// route delivers data to the connection for src, creating one when
// accepting.
func (s *Service) route(src netip.AddrPort, data []byte) error {
	src = normalize(src)

	if c, ok := s.conns[src]; ok {
		c.deliver(data)
		return nil
	}

	if !s.accepting {
		s.metrics.IncPacketsDropped(DropUnroutable)
		return fmt.Errorf("route datagram from %s: %w", src, ErrUnroutable)
	}

	// An unseen endpoint only earns a connection with a deliverable datagram.
	if len(data) > packet.MaxSize {
		s.metrics.IncPacketsDropped(DropOversize)
		return fmt.Errorf("route %d-byte datagram from %s: %w", len(data), src, packet.ErrOversize)
	}

	if s.atLimit() {
		s.metrics.IncPacketsDropped(DropConnectionLimit)
		return fmt.Errorf("route datagram from %s: %w", src, ErrConnectionLimit)
	}

	c := s.register(src, OriginAccept)
	s.accepted = append(s.accepted, c)

	s.logger.Info("connection accepted", slog.String("remote", src.String()))

	c.deliver(data)
	return nil
}

// register creates a connection for remote and adds it to the table.
func (s *Service) register(remote netip.AddrPort, origin Origin) *Connection {
	c := NewConnection(s.conn, remote, s.logger,
		WithOrigin(origin),
		WithConnectionMetrics(s.metrics),
		WithConnectionStateCallback(s.onState),
		WithConnectionCloseHook(s.closeHook),
		WithConnectionRecvQueueLimit(s.recvLimit),
	)

	s.conns[remote] = c
	s.metrics.RegisterConnection(origin.String())

	return c
}

// reap finalizes drained connections and discards Closed ones.
func (s *Service) reap() {
	for remote, c := range s.conns {
		if c.finishIfDrained() {
			s.remove(remote, c)
			s.logger.Debug("connection discarded",
				slog.String("remote", remote.String()),
				slog.String("last_error", c.LastError()),
			)
		}
	}
}

// remove deletes c from the table.
func (s *Service) remove(remote netip.AddrPort, c *Connection) {
	delete(s.conns, remote)
	s.metrics.UnregisterConnection(c.Origin().String())
}

// atLimit reports whether the connection limit is reached.
func (s *Service) atLimit() bool {
	return s.maxConns > 0 && len(s.conns) >= s.maxConns
}
