package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/trace"
	"time"

	"golang.org/x/time/rate"

	"github.com/dantte-lp/udplink/internal/config"
	"github.com/dantte-lp/udplink/internal/udplink"
)

// -------------------------------------------------------------------------
// Flight Recorder — runtime/trace
// -------------------------------------------------------------------------

const (
	// flightRecorderMinAge is the minimum trace window kept in memory.
	flightRecorderMinAge = 10 * time.Second

	// flightRecorderMaxBytes caps the in-memory trace window.
	flightRecorderMaxBytes = 16 << 20
)

// startFlightRecorder starts a rolling execution trace window when trace
// dumps are configured. Returns nil when they are not or when the
// recorder fails to start.
func startFlightRecorder(cfg config.TraceConfig, logger *slog.Logger) *trace.FlightRecorder {
	if cfg.Dir == "" {
		logger.Debug("trace dir not configured, flight recorder disabled")
		return nil
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.String("dir", cfg.Dir),
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Trace Dumps
// -------------------------------------------------------------------------

// windowWriter is the part of trace.FlightRecorder the dumper uses.
type windowWriter interface {
	WriteTo(w io.Writer) (int64, error)
}

// traceDumper writes the flight recorder window to a file when a
// connection leaves Open with an error recorded, which is how a failed
// send closes it. Dumps are rate limited and written off the service
// goroutine.
type traceDumper struct {
	rec     windowWriter
	dir     string
	limiter *rate.Limiter
	pending chan udplink.StateChange
	logger  *slog.Logger
}

func newTraceDumper(rec windowWriter, cfg config.TraceConfig, logger *slog.Logger) *traceDumper {
	return &traceDumper{
		rec:     rec,
		dir:     cfg.Dir,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		pending: make(chan udplink.StateChange, 1),
		logger:  logger.With(slog.String("component", "udplinkd.trace")),
	}
}

// observe is a StateCallback. It never blocks.
func (d *traceDumper) observe(sc udplink.StateChange) {
	if sc.Old != udplink.StatusOpen || sc.Err == "" {
		return
	}
	if !d.limiter.Allow() {
		d.logger.Debug("trace dump suppressed", slog.String("remote", sc.Remote.String()))
		return
	}

	select {
	case d.pending <- sc:
	default:
	}
}

// run writes one dump per observed failure until ctx is done.
func (d *traceDumper) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sc := <-d.pending:
			path, err := d.dump()
			if err != nil {
				d.logger.Warn("failed to write trace dump",
					slog.String("remote", sc.Remote.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			d.logger.Info("trace dump written",
				slog.String("path", path),
				slog.String("remote", sc.Remote.String()),
				slog.String("cause", sc.Err),
			)
		}
	}
}

// dump writes the current window to a new file in dir.
func (d *traceDumper) dump() (string, error) {
	f, err := os.CreateTemp(d.dir, "udplinkd-*.trace")
	if err != nil {
		return "", fmt.Errorf("create trace file: %w", err)
	}

	if _, err := d.rec.WriteTo(f); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write trace %s: %w", f.Name(), err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close trace %s: %w", f.Name(), err)
	}

	return f.Name(), nil
}

// chainStateCallbacks runs every non-nil callback in order.
func chainStateCallbacks(cbs ...udplink.StateCallback) udplink.StateCallback {
	return func(sc udplink.StateChange) {
		for _, cb := range cbs {
			if cb != nil {
				cb(sc)
			}
		}
	}
}
