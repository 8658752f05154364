package commands

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/dantte-lp/udplink/internal/packet"
	"github.com/dantte-lp/udplink/internal/udplink"
)

// probeHeaderSize is the big-endian sequence number that prefixes every
// probe payload.
const probeHeaderSize = 8

// pollInterval bounds how long the probe loop sleeps when no socket event
// wakes it.
const pollInterval = 2 * time.Millisecond

// Sentinel errors for probe validation.
var (
	errInvalidCount     = errors.New("--count must be >= 1")
	errInvalidSize      = errors.New("--size out of range")
	errInvalidRate      = errors.New("--rate must be >= 0")
	errConnectionClosed = errors.New("connection closed during probe")
)

// pump is the part of udplink.Service the probe loop drives.
type pump interface {
	Update()
	Ready() <-chan struct{}
}

// probeParams describes one probe run.
type probeParams struct {
	// Count is the number of probes to send.
	Count int

	// Size is the payload size of each probe, header included.
	Size int

	// Rate limits sends per second. Zero sends as fast as the connection
	// accepts them.
	Rate float64

	// Linger is how long to wait for echoes after the last send.
	Linger time.Duration
}

func (p probeParams) validate() error {
	if p.Count < 1 {
		return errInvalidCount
	}
	if p.Size < probeHeaderSize || p.Size > packet.MaxSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", errInvalidSize, p.Size, probeHeaderSize, packet.MaxSize)
	}
	if p.Rate < 0 {
		return errInvalidRate
	}
	return nil
}

// report summarizes a probe run.
type report struct {
	Remote     string
	Sent       int
	Received   int
	Duplicates int
	Reordered  int
	Lost       int
	RTTMin     time.Duration
	RTTAvg     time.Duration
	RTTMax     time.Duration
}

// prober tracks outstanding probes and the echoes seen so far.
type prober struct {
	rep     report
	sentAt  []time.Time
	seen    []bool
	rttSum  time.Duration
	highest uint64
	gotAny  bool
}

// runProbe sends p.Count sequenced probes on conn and matches their echoes.
// It returns once every probe has been echoed, or p.Linger after the last
// send, whichever is first. svc must be the Service owning conn.
func runProbe(ctx context.Context, svc pump, conn udplink.Conn, p probeParams) (report, error) {
	if err := p.validate(); err != nil {
		return report{}, err
	}

	limit := rate.Inf
	if p.Rate > 0 {
		limit = rate.Limit(p.Rate)
	}
	lim := rate.NewLimiter(limit, 1)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	pr := &prober{
		rep:    report{Remote: conn.Remote().String()},
		sentAt: make([]time.Time, p.Count),
		seen:   make([]bool, p.Count),
	}

	payload := make([]byte, p.Size)
	var deadline time.Time

	for {
		for pr.rep.Sent < p.Count && lim.Allow() {
			binary.BigEndian.PutUint64(payload, uint64(pr.rep.Sent))
			conn.Send(packet.MustNew(payload))
			pr.sentAt[pr.rep.Sent] = time.Now()
			pr.rep.Sent++

			if pr.rep.Sent == p.Count {
				deadline = time.Now().Add(p.Linger)
			}
		}

		svc.Update()

		var in packet.Packet
		for conn.Receive(&in) {
			pr.record(in, time.Now())
		}

		switch {
		case pr.rep.Received == p.Count:
			return pr.finish(), nil
		case conn.Status() == udplink.StatusClosed:
			return pr.finish(), fmt.Errorf("probe %s: %w", conn.Remote(), errConnectionClosed)
		case pr.rep.Sent == p.Count && !time.Now().Before(deadline):
			return pr.finish(), nil
		}

		select {
		case <-ctx.Done():
			return pr.finish(), fmt.Errorf("probe %s: %w", conn.Remote(), ctx.Err())
		case <-svc.Ready():
		case <-ticker.C:
		}
	}
}

// record matches one echo against the outstanding probes. Payloads that
// do not carry a known sequence number are ignored.
func (pr *prober) record(in packet.Packet, now time.Time) {
	data := in.Bytes()
	if len(data) < probeHeaderSize {
		return
	}

	seq := binary.BigEndian.Uint64(data)
	if seq >= uint64(pr.rep.Sent) {
		return
	}

	if pr.seen[seq] {
		pr.rep.Duplicates++
		return
	}
	pr.seen[seq] = true
	pr.rep.Received++

	if pr.gotAny && seq < pr.highest {
		pr.rep.Reordered++
	} else {
		pr.highest = seq
	}

	rtt := now.Sub(pr.sentAt[seq])
	if !pr.gotAny || rtt < pr.rep.RTTMin {
		pr.rep.RTTMin = rtt
	}
	pr.rep.RTTMax = max(pr.rep.RTTMax, rtt)
	pr.rttSum += rtt
	pr.gotAny = true
}

func (pr *prober) finish() report {
	pr.rep.Lost = pr.rep.Sent - pr.rep.Received
	if pr.rep.Received > 0 {
		pr.rep.RTTAvg = pr.rttSum / time.Duration(pr.rep.Received)
	}
	return pr.rep
}
