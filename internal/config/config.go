// Package config manages udplink configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/dantte-lp/udplink/internal/faultsim"
	"github.com/dantte-lp/udplink/internal/netio"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete udplink configuration.
type Config struct {
	Service ServiceConfig `koanf:"service"`
	Socket  SocketConfig  `koanf:"socket"`
	Faults  FaultsConfig  `koanf:"faults"`
	Metrics MetricsConfig `koanf:"metrics"`
	Trace   TraceConfig   `koanf:"trace"`
	Log     LogConfig     `koanf:"log"`
}

// ServiceConfig holds the datagram service parameters.
type ServiceConfig struct {
	// ListenAddr is the local IP to bind. Empty binds all interfaces on a
	// dual-stack socket.
	ListenAddr string `koanf:"listen_addr"`

	// Port is the UDP port. 0 binds an ephemeral port.
	Port uint16 `koanf:"port"`

	// Accepting enables creation of connections for unseen endpoints.
	Accepting bool `koanf:"accepting"`

	// MaxConnections caps live connections. 0 means unlimited.
	MaxConnections int `koanf:"max_connections"`

	// RecvQueueLimit bounds each connection's inbound queue.
	RecvQueueLimit int `koanf:"recv_queue_limit"`

	// MaxPendingDatagrams bounds datagrams buffered between two updates.
	MaxPendingDatagrams int `koanf:"max_pending_datagrams"`

	// UpdateInterval is the idle poll period of the service loop.
	UpdateInterval time.Duration `koanf:"update_interval"`
}

// Addr parses ListenAddr. An empty string yields the zero Addr, which
// binds all interfaces.
func (sc ServiceConfig) Addr() (netip.Addr, error) {
	if sc.ListenAddr == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(sc.ListenAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse service listen_addr %q: %w", sc.ListenAddr, err)
	}
	return addr, nil
}

// SocketConfig holds OS socket tuning.
type SocketConfig struct {
	// RecvBuffer is SO_RCVBUF in bytes. 0 keeps the kernel default.
	RecvBuffer int `koanf:"recv_buffer"`

	// SendBuffer is SO_SNDBUF in bytes. 0 keeps the kernel default.
	SendBuffer int `koanf:"send_buffer"`

	// ReuseAddr sets SO_REUSEADDR.
	ReuseAddr bool `koanf:"reuse_addr"`
}

// Options converts the section to netio.SocketOptions.
func (sc SocketConfig) Options() netio.SocketOptions {
	return netio.SocketOptions{
		RecvBuffer: sc.RecvBuffer,
		SendBuffer: sc.SendBuffer,
		ReuseAddr:  sc.ReuseAddr,
	}
}

// FaultsConfig holds the fault-injection profile applied to accepted
// connections.
type FaultsConfig struct {
	Enabled       bool          `koanf:"enabled"`
	DropRate      float64       `koanf:"drop_rate"`
	DuplicateRate float64       `koanf:"duplicate_rate"`
	DelayRate     float64       `koanf:"delay_rate"`
	Delay         time.Duration `koanf:"delay"`
	Jitter        time.Duration `koanf:"jitter"`

	// Seed fixes the fault sequence. 0 draws a random seed.
	Seed uint64 `koanf:"seed"`
}

// Profile converts the section to a faultsim.Profile.
func (fc FaultsConfig) Profile() faultsim.Profile {
	return faultsim.Profile{
		DropRate:      fc.DropRate,
		DuplicateRate: fc.DuplicateRate,
		DelayRate:     fc.DelayRate,
		Delay:         fc.Delay,
		Jitter:        fc.Jitter,
	}
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for metrics and health (e.g., ":9110").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// TraceConfig holds the flight recorder dump settings.
type TraceConfig struct {
	// Dir receives an execution trace each time a connection closes on a
	// send error. Empty disables the flight recorder.
	Dir string `koanf:"dir"`

	// MinInterval is the minimum time between two dumps.
	MinInterval time.Duration `koanf:"min_interval"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultPort is the well-known port of the echo daemon.
const DefaultPort = 4113

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:                DefaultPort,
			Accepting:           true,
			RecvQueueLimit:      1024,
			MaxPendingDatagrams: netio.DefaultMaxPendingDatagrams,
			UpdateInterval:      10 * time.Millisecond,
		},
		Faults: FaultsConfig{
			Delay:  50 * time.Millisecond,
			Jitter: 10 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Addr: ":9110",
			Path: "/metrics",
		},
		Trace: TraceConfig{
			MinInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for udplink configuration.
// Variables are named UDPLINK_<section>_<key>, e.g., UDPLINK_SERVICE_PORT.
const envPrefix = "UDPLINK_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (UDPLINK_ prefix), and merges on top of
// DefaultConfig(). An empty path skips the file layer.
//
// Environment variable mapping (the first underscore after the prefix
// separates section from key):
//
//	UDPLINK_SERVICE_PORT        -> service.port
//	UDPLINK_SERVICE_LISTEN_ADDR -> service.listen_addr
//	UDPLINK_FAULTS_DROP_RATE    -> faults.drop_rate
//	UDPLINK_TRACE_DIR           -> trace.dir
//	UDPLINK_LOG_LEVEL           -> log.level
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms UDPLINK_FAULTS_DROP_RATE -> faults.drop_rate.
// Only the first underscore becomes a dot, since keys contain underscores.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	for key, val := range flatten(defaults) {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// flatten maps cfg to dotted koanf keys. Durations are rendered as strings
// so they round-trip through YAML and the duration decode hook.
func flatten(cfg *Config) map[string]any {
	return map[string]any{
		"service.listen_addr":           cfg.Service.ListenAddr,
		"service.port":                  cfg.Service.Port,
		"service.accepting":             cfg.Service.Accepting,
		"service.max_connections":       cfg.Service.MaxConnections,
		"service.recv_queue_limit":      cfg.Service.RecvQueueLimit,
		"service.max_pending_datagrams": cfg.Service.MaxPendingDatagrams,
		"service.update_interval":       cfg.Service.UpdateInterval.String(),
		"socket.recv_buffer":            cfg.Socket.RecvBuffer,
		"socket.send_buffer":            cfg.Socket.SendBuffer,
		"socket.reuse_addr":             cfg.Socket.ReuseAddr,
		"faults.enabled":                cfg.Faults.Enabled,
		"faults.drop_rate":              cfg.Faults.DropRate,
		"faults.duplicate_rate":         cfg.Faults.DuplicateRate,
		"faults.delay_rate":             cfg.Faults.DelayRate,
		"faults.delay":                  cfg.Faults.Delay.String(),
		"faults.jitter":                 cfg.Faults.Jitter.String(),
		"faults.seed":                   cfg.Faults.Seed,
		"metrics.addr":                  cfg.Metrics.Addr,
		"metrics.path":                  cfg.Metrics.Path,
		"trace.dir":                     cfg.Trace.Dir,
		"trace.min_interval":            cfg.Trace.MinInterval.String(),
		"log.level":                     cfg.Log.Level,
		"log.format":                    cfg.Log.Format,
	}
}

// Marshal renders cfg as YAML in the layout Load reads.
func Marshal(cfg *Config) ([]byte, error) {
	nested := make(map[string]map[string]any)
	for key, val := range flatten(cfg) {
		section, field, _ := strings.Cut(key, ".")
		if nested[section] == nil {
			nested[section] = make(map[string]any)
		}
		nested[section][field] = val
	}

	out, err := yamlv3.Marshal(nested)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidListenAddr indicates service.listen_addr is not an IP.
	ErrInvalidListenAddr = errors.New("service.listen_addr must be an IP address")

	// ErrInvalidRecvQueueLimit indicates a non-positive receive queue limit.
	ErrInvalidRecvQueueLimit = errors.New("service.recv_queue_limit must be >= 1")

	// ErrInvalidMaxPending indicates a non-positive pending datagram bound.
	ErrInvalidMaxPending = errors.New("service.max_pending_datagrams must be >= 1")

	// ErrInvalidMaxConnections indicates a negative connection limit.
	ErrInvalidMaxConnections = errors.New("service.max_connections must be >= 0")

	// ErrInvalidUpdateInterval indicates a non-positive update interval.
	ErrInvalidUpdateInterval = errors.New("service.update_interval must be > 0")

	// ErrInvalidSocketBuffer indicates a negative socket buffer size.
	ErrInvalidSocketBuffer = errors.New("socket buffer sizes must be >= 0")

	// ErrInvalidFaults indicates the fault profile is out of range.
	ErrInvalidFaults = errors.New("invalid faults section")

	// ErrEmptyMetricsPath indicates the metrics path is empty.
	ErrEmptyMetricsPath = errors.New("metrics.path must not be empty")

	// ErrInvalidTraceInterval indicates a non-positive dump interval.
	ErrInvalidTraceInterval = errors.New("trace.min_interval must be > 0")

	// ErrInvalidLogFormat indicates an unknown log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if _, err := cfg.Service.Addr(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidListenAddr, err)
	}

	if cfg.Service.RecvQueueLimit < 1 {
		return ErrInvalidRecvQueueLimit
	}

	if cfg.Service.MaxPendingDatagrams < 1 {
		return ErrInvalidMaxPending
	}

	if cfg.Service.MaxConnections < 0 {
		return ErrInvalidMaxConnections
	}

	if cfg.Service.UpdateInterval <= 0 {
		return ErrInvalidUpdateInterval
	}

	if cfg.Socket.RecvBuffer < 0 || cfg.Socket.SendBuffer < 0 {
		return ErrInvalidSocketBuffer
	}

	if err := cfg.Faults.Profile().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFaults, err)
	}

	if cfg.Metrics.Addr != "" && cfg.Metrics.Path == "" {
		return ErrEmptyMetricsPath
	}

	if cfg.Trace.Dir != "" && cfg.Trace.MinInterval <= 0 {
		return ErrInvalidTraceInterval
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, cfg.Log.Format)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
