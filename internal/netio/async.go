package netio

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/dantte-lp/udplink/internal/packet"
)

// -------------------------------------------------------------------------
// Callback Types
// -------------------------------------------------------------------------

// Completion reports the outcome of an asynchronous send. It always runs
// on the goroutine that calls AsyncConn.Poll.
type Completion func(err error)

// RecvHandler consumes one inbound datagram during AsyncConn.Poll. data is
// only valid for the duration of the call.
type RecvHandler func(src netip.AddrPort, data []byte)

// -------------------------------------------------------------------------
// Constants
// -------------------------------------------------------------------------

const (
	// maxReadSize is the socket read buffer size. It is deliberately larger
	// than packet.MaxSize so oversize datagrams arrive at full length and
	// are rejected upstream instead of being truncated by the kernel.
	maxReadSize = 64 * 1024

	// DefaultMaxPendingDatagrams bounds inbound datagrams buffered between
	// two Poll calls. Excess datagrams are dropped, as a full kernel
	// receive buffer would.
	DefaultMaxPendingDatagrams = 4096
)

// -------------------------------------------------------------------------
// AsyncConn — asynchronous send-to / receive dispatch
// -------------------------------------------------------------------------

// writeRequest is one queued SendTo call.
type writeRequest struct {
	buf  []byte
	dst  netip.AddrPort
	done Completion
}

// event is a finished operation waiting to be dispatched by Poll.
type event struct {
	// send distinguishes a send completion from an inbound datagram.
	send bool
	done Completion
	err  error

	src  netip.AddrPort
	data []byte
	bufp *[]byte
}

// AsyncConn adapts a blocking PacketConn to an event-loop model.
//
// A reader goroutine and a writer goroutine perform the socket I/O. Their
// results are queued and dispatched only from Poll, so every Completion and
// RecvHandler runs on the goroutine driving the loop and callers need no
// locking around their own state. Poll never blocks.
type AsyncConn struct {
	conn   PacketConn
	logger *slog.Logger

	mu      sync.Mutex
	writes  []writeRequest
	events  []event
	inbound int
	closed  bool

	maxPending int
	dropped    atomic.Uint64

	wake  chan struct{}
	ready chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// AsyncOption configures optional AsyncConn parameters.
type AsyncOption func(*AsyncConn)

// WithMaxPendingDatagrams bounds the inbound queue between Polls. Values
// below 1 keep the default.
func WithMaxPendingDatagrams(n int) AsyncOption {
	return func(a *AsyncConn) {
		if n > 0 {
			a.maxPending = n
		}
	}
}

// NewAsyncConn starts the I/O goroutines for conn. The AsyncConn owns conn
// from this point; Close releases both.
func NewAsyncConn(conn PacketConn, logger *slog.Logger, opts ...AsyncOption) *AsyncConn {
	a := &AsyncConn{
		conn:       conn,
		logger:     logger.With(slog.String("component", "netio.async")),
		maxPending: DefaultMaxPendingDatagrams,
		wake:       make(chan struct{}, 1),
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.wg.Add(2)
	go a.readLoop()
	go a.writeLoop()

	return a
}

// SendTo queues buf for transmission to dst and returns immediately.
// done runs from a later Poll with the write result. buf must not be
// modified until done has run.
func (a *AsyncConn) SendTo(buf []byte, dst netip.AddrPort, done Completion) {
	a.mu.Lock()
	if a.closed {
		a.events = append(a.events, event{
			send: true,
			done: done,
			err:  fmt.Errorf("send to %s: %w", dst, ErrSocketClosed),
		})
		a.mu.Unlock()
		signal(a.ready)
		return
	}
	a.writes = append(a.writes, writeRequest{buf: buf, dst: dst, done: done})
	a.mu.Unlock()

	signal(a.wake)
}

// Poll dispatches every finished operation: send completions run their
// Completion, inbound datagrams are passed to h in arrival order. Returns
// the number of events dispatched. Callbacks may call SendTo; such sends
// complete in a later Poll.
func (a *AsyncConn) Poll(h RecvHandler) int {
	a.mu.Lock()
	evs := a.events
	a.events = nil
	a.inbound = 0
	a.mu.Unlock()

	for i := range evs {
		ev := &evs[i]
		if ev.send {
			if ev.done != nil {
				ev.done(ev.err)
			}
			continue
		}

		if h != nil {
			h(ev.src, ev.data)
		}
		if ev.bufp != nil {
			packet.Pool.Put(ev.bufp)
		}
	}

	return len(evs)
}

// Ready returns a channel that receives a value when events are waiting
// for Poll. Wakeups may be spurious.
func (a *AsyncConn) Ready() <-chan struct{} {
	return a.ready
}

// Dropped returns the number of inbound datagrams discarded because the
// pending queue was full.
func (a *AsyncConn) Dropped() uint64 {
	return a.dropped.Load()
}

// LocalAddr returns the local endpoint of the underlying socket.
func (a *AsyncConn) LocalAddr() netip.AddrPort {
	return a.conn.LocalAddr()
}

// Close stops the I/O goroutines and closes the socket. Queued sends that
// never reached the socket complete with ErrSocketClosed on a later Poll.
func (a *AsyncConn) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, req := range a.writes {
		a.events = append(a.events, event{
			send: true,
			done: req.done,
			err:  fmt.Errorf("send to %s: %w", req.dst, ErrSocketClosed),
		})
	}
	a.writes = nil
	a.mu.Unlock()

	close(a.done)
	err := a.conn.Close()
	a.wg.Wait()

	if err != nil {
		return fmt.Errorf("close async conn: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// I/O goroutines
// -------------------------------------------------------------------------

// readLoop reads datagrams until the socket is closed.
func (a *AsyncConn) readLoop() {
	defer a.wg.Done()

	buf := make([]byte, maxReadSize)
	for {
		n, src, err := a.conn.ReadPacket(buf)
		if err != nil {
			if a.isClosed() || errors.Is(err, ErrSocketClosed) {
				return
			}
			a.logger.Warn("read error", slog.String("error", err.Error()))
			continue
		}

		a.postInbound(src, buf[:n])
	}
}

// writeLoop performs queued writes one at a time, in submission order.
func (a *AsyncConn) writeLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.wake:
		case <-a.done:
			return
		}

		for {
			req, ok := a.nextWrite()
			if !ok {
				break
			}

			err := a.conn.WritePacket(req.buf, req.dst)
			a.post(event{send: true, done: req.done, err: err})
		}
	}
}

// nextWrite pops the oldest queued write.
func (a *AsyncConn) nextWrite() (writeRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.writes) == 0 {
		return writeRequest{}, false
	}

	req := a.writes[0]
	a.writes[0] = writeRequest{}
	a.writes = a.writes[1:]
	return req, true
}

// post queues a finished operation and wakes the loop.
func (a *AsyncConn) post(ev event) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()

	signal(a.ready)
}

// postInbound copies data out of the shared read buffer and queues it.
// Datagrams that fit in packet.MaxSize use pooled buffers.
func (a *AsyncConn) postInbound(src netip.AddrPort, data []byte) {
	ev := event{src: src}

	if bufp, ok := packet.Pool.Get().(*[]byte); ok && len(data) <= len(*bufp) {
		n := copy(*bufp, data)
		ev.data = (*bufp)[:n]
		ev.bufp = bufp
	} else {
		if ok {
			packet.Pool.Put(bufp)
		}
		ev.data = bytes.Clone(data)
	}

	a.mu.Lock()
	if a.closed || a.inbound >= a.maxPending {
		closed := a.closed
		a.mu.Unlock()

		if ev.bufp != nil {
			packet.Pool.Put(ev.bufp)
		}
		if !closed {
			a.dropped.Add(1)
			a.logger.Debug("inbound queue full, datagram dropped",
				slog.String("src", src.String()),
				slog.Int("size", len(data)),
			)
		}
		return
	}
	a.inbound++
	a.events = append(a.events, ev)
	a.mu.Unlock()

	signal(a.ready)
}

// isClosed reports whether Close has been called.
func (a *AsyncConn) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// signal performs a non-blocking send on a 1-buffered notification channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
