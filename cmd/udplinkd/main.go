// udplinkd -- UDP echo daemon built on the udplink connection layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udplink/internal/config"
	"github.com/dantte-lp/udplink/internal/echo"
	linkmetrics "github.com/dantte-lp/udplink/internal/metrics"
	"github.com/dantte-lp/udplink/internal/server"
	"github.com/dantte-lp/udplink/internal/udplink"
	appversion "github.com/dantte-lp/udplink/internal/version"
)

// shutdownTimeout is the maximum time to wait for the HTTP server to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("udplinkd"))
		return 0
	}

	// 2. Load config. An empty path yields defaults plus env overrides.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("udplinkd starting",
		slog.String("version", appversion.Version),
		slog.Uint64("port", uint64(cfg.Service.Port)),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Bool("faults", cfg.Faults.Enabled),
	)

	// 4. Start flight recorder for post-mortem debugging.
	fr := startFlightRecorder(cfg.Trace, logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := linkmetrics.NewCollector(reg)

	// 6. Run the echo service and HTTP endpoint.
	if err := runServers(cfg, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("udplinkd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("udplinkd stopped")
	return 0
}

// runServers binds the udplink Service, runs the echo loop and the metrics
// HTTP server under an errgroup with a signal-aware context.
func runServers(
	cfg *config.Config,
	collector *linkmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	stateCB := logStateChange(logger)
	var dumper *traceDumper
	if fr != nil {
		dumper = newTraceDumper(fr, cfg.Trace, logger)
		stateCB = chainStateCallbacks(stateCB, dumper.observe)
	}

	svc, err := newService(ctx, cfg, collector, stateCB, logger)
	if err != nil {
		return fmt.Errorf("create udplink service: %w", err)
	}
	defer closeService(svc, logger)

	srv := echo.NewServer(svc, logger, echoOptions(cfg, collector)...)

	g, gCtx := errgroup.WithContext(ctx)

	// The echo loop owns svc until Run returns.
	g.Go(func() error {
		return srv.Run(gCtx)
	})

	if dumper != nil {
		g.Go(func() error {
			return dumper.run(gCtx)
		})
	}

	health := server.NewHealth()

	var servers []*http.Server
	if cfg.Metrics.Addr != "" {
		httpSrv := newHTTPServer(cfg.Metrics, reg, health, collector, logger)
		servers = append(servers, httpSrv)
		if err := startHTTPServer(gCtx, g, cfg.Metrics, httpSrv, logger); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	startDaemonGoroutines(gCtx, g, srv, configPath, logLevel, logger)

	notifyReady(logger, svc.LocalAddr())

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, health, logger, fr, servers...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}

	logger.Info("echo totals",
		slog.Uint64("echoed", srv.Echoed()),
		slog.Uint64("dropped_datagrams", svc.DroppedDatagrams()),
	)
	return nil
}

// newService binds the udplink Service described by cfg.
func newService(
	ctx context.Context,
	cfg *config.Config,
	collector *linkmetrics.Collector,
	stateCB udplink.StateCallback,
	logger *slog.Logger,
) (*udplink.Service, error) {
	addr, err := cfg.Service.Addr()
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}

	return udplink.NewService(ctx, cfg.Service.Port, logger,
		udplink.WithListenAddr(addr),
		udplink.WithSocketOptions(cfg.Socket.Options()),
		udplink.WithMetrics(collector),
		udplink.WithRecvQueueLimit(cfg.Service.RecvQueueLimit),
		udplink.WithMaxConnections(cfg.Service.MaxConnections),
		udplink.WithMaxPendingDatagrams(cfg.Service.MaxPendingDatagrams),
		udplink.WithStateCallback(stateCB),
	)
}

// echoOptions maps the service and faults sections to echo.Server options.
func echoOptions(cfg *config.Config, collector *linkmetrics.Collector) []echo.Option {
	opts := []echo.Option{
		echo.WithInterval(cfg.Service.UpdateInterval),
		echo.WithAccepting(cfg.Service.Accepting),
		echo.WithFaultReporter(collector),
	}
	if cfg.Faults.Enabled {
		opts = append(opts, echo.WithFaults(cfg.Faults.Profile(), cfg.Faults.Seed))
	}
	return opts
}

// logStateChange returns a StateCallback that logs connection transitions
// at debug level.
func logStateChange(logger *slog.Logger) udplink.StateCallback {
	logger = logger.With(slog.String("component", "udplinkd.state"))
	return func(sc udplink.StateChange) {
		attrs := []any{
			slog.String("remote", sc.Remote.String()),
			slog.String("origin", sc.Origin.String()),
			slog.String("old", sc.Old.String()),
			slog.String("new", sc.New.String()),
		}
		if sc.Err != "" {
			attrs = append(attrs, slog.String("error", sc.Err))
		}
		logger.Debug("connection state changed", attrs...)
	}
}

// closeService closes the Service, logging any error.
func closeService(svc *udplink.Service, logger *slog.Logger) {
	if err := svc.Close(); err != nil {
		logger.Warn("failed to close udplink service",
			slog.String("error", err.Error()),
		)
	}
}

// startHTTPServer binds the metrics/health listener and registers the
// serving goroutine. Binding happens before systemd is told the daemon is
// ready, so a taken port fails startup instead of a running daemon.
func startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	srv *http.Server,
	logger *slog.Logger,
) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	logger.Info("metrics server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", cfg.Path),
	)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve on %s: %w", ln.Addr(), err)
		}
		return nil
	})

	return nil
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	srv *echo.Server,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, srv.LastStep, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// sdNotify sends state to systemd, logging failures. A false return with
// no error means the daemon is not running under systemd.
func sdNotify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("failed to notify systemd",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Debug("notified systemd", slog.String("state", state))
	}
}

// notifyReady reports READY=1 with the bound endpoint once the echo loop
// is about to start.
func notifyReady(logger *slog.Logger, local netip.AddrPort) {
	sdNotify(logger, daemon.SdNotifyReady+"\nSTATUS=echoing on "+local.String())
}

// notifyStopping reports STOPPING=1.
func notifyStopping(logger *slog.Logger) {
	sdNotify(logger, daemon.SdNotifyStopping+"\nSTATUS=draining connections")
}

// runWatchdog pings the systemd watchdog at half of WatchdogSec while the
// echo loop keeps stepping. A loop that has not stepped for a whole
// watchdog period gets no keepalive, so systemd restarts the daemon.
func runWatchdog(ctx context.Context, lastStep func() time.Time, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
	)

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if stalled := time.Since(lastStep()); !loopAlive(stalled, interval) {
				logger.Warn("echo loop stalled, withholding watchdog keepalive",
					slog.Duration("since_last_step", stalled),
				)
				continue
			}
			sdNotify(logger, daemon.SdNotifyWatchdog)
		}
	}
}

// loopAlive reports whether a loop last seen sinceStep ago still earns a
// watchdog keepalive.
func loopAlive(sinceStep, watchdog time.Duration) bool {
	return sinceStep < watchdog
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// handleSIGHUP reloads the log level on every SIGHUP until ctx is done.
// Socket, service and fault settings need a restart.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

// reloadLogLevel loads a fresh configuration and applies its log level.
// On error the previous level stays in effect.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, marks the health check NOT_SERVING,
// stops the flight recorder and shuts down the HTTP servers. The echo loop
// terminates its own connections when the context is cancelled.
func gracefulShutdown(
	ctx context.Context,
	health *server.Health,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)
	health.SetServing(false)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}

	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// newHTTPServer creates the HTTP server for the Prometheus endpoint and the
// gRPC health check.
func newHTTPServer(
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	health *server.Health,
	collector *linkmetrics.Collector,
	logger *slog.Logger,
) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewHandler(cfg.Path, reg, health, collector, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
