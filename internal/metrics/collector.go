package linkmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/udplink/internal/faultsim"
	"github.com/dantte-lp/udplink/internal/server"
	"github.com/dantte-lp/udplink/internal/udplink"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace         = "udplink"
	subsystemConn     = "connection"
	subsystemFaultsim = "faultsim"
	subsystemHealth   = "health"
)

// Label names for udplink metrics.
const (
	labelOrigin    = "origin"
	labelReason    = "reason"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelKind      = "kind"
	labelDirection = "direction"
	labelService   = "service"
	labelCode      = "code"
)

// Compile-time checks.
var (
	_ udplink.MetricsReporter = (*Collector)(nil)
	_ faultsim.FaultReporter  = (*Collector)(nil)
	_ server.CheckObserver    = (*Collector)(nil)
)

// -------------------------------------------------------------------------
// Collector — Prometheus udplink Metrics
// -------------------------------------------------------------------------

// Collector holds all udplink Prometheus metrics.
//
// Labels stay low-cardinality: connections are labeled by origin rather
// than remote endpoint, since an accepting service may see an unbounded
// set of client ports.
type Collector struct {
	// Connections tracks live connections per origin.
	Connections *prometheus.GaugeVec

	// PacketsSent counts datagrams the socket accepted.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts datagrams queued for the application.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts discarded packets by reason.
	PacketsDropped *prometheus.CounterVec

	// SendErrors counts failed asynchronous sends.
	SendErrors *prometheus.CounterVec

	// StateTransitions counts connection status changes.
	StateTransitions *prometheus.CounterVec

	// FaultsInjected counts simulated faults by kind and direction.
	FaultsInjected *prometheus.CounterVec

	// HealthChecks counts health check requests by service and outcome.
	HealthChecks *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.SendErrors,
		c.StateTransitions,
		c.FaultsInjected,
		c.HealthChecks,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	originLabels := []string{labelOrigin}

	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemConn,
			Name:      "active",
			Help:      "Number of live connections.",
		}, originLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConn,
			Name:      "packets_sent_total",
			Help:      "Total datagrams transmitted.",
		}, originLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConn,
			Name:      "packets_received_total",
			Help:      "Total datagrams queued for the application.",
		}, originLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConn,
			Name:      "packets_dropped_total",
			Help:      "Total packets discarded, by reason.",
		}, []string{labelReason}),

		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConn,
			Name:      "send_errors_total",
			Help:      "Total failed datagram sends. Each one closes its connection.",
		}, originLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConn,
			Name:      "state_transitions_total",
			Help:      "Total connection status transitions.",
		}, []string{labelFromState, labelToState}),

		FaultsInjected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemFaultsim,
			Name:      "faults_injected_total",
			Help:      "Total simulated faults, by kind and direction.",
		}, []string{labelKind, labelDirection}),

		HealthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHealth,
			Name:      "checks_total",
			Help:      "Total health check requests, by checked service and outcome.",
		}, []string{labelService, labelCode}),
	}
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// RegisterConnection increments the live connections gauge.
func (c *Collector) RegisterConnection(origin string) {
	c.Connections.WithLabelValues(origin).Inc()
}

// UnregisterConnection decrements the live connections gauge.
func (c *Collector) UnregisterConnection(origin string) {
	c.Connections.WithLabelValues(origin).Dec()
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsSent increments the transmitted datagrams counter.
func (c *Collector) IncPacketsSent(origin string) {
	c.PacketsSent.WithLabelValues(origin).Inc()
}

// IncPacketsReceived increments the received datagrams counter.
func (c *Collector) IncPacketsReceived(origin string) {
	c.PacketsReceived.WithLabelValues(origin).Inc()
}

// IncPacketsDropped increments the dropped packets counter for reason.
func (c *Collector) IncPacketsDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// IncSendErrors increments the send error counter.
func (c *Collector) IncSendErrors(origin string) {
	c.SendErrors.WithLabelValues(origin).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the transition counter with the old
// and new status labels.
func (c *Collector) RecordStateTransition(from, to string) {
	c.StateTransitions.WithLabelValues(from, to).Inc()
}

// -------------------------------------------------------------------------
// Fault Injection
// -------------------------------------------------------------------------

// IncFaultInjected increments the simulated fault counter.
func (c *Collector) IncFaultInjected(kind, direction string) {
	c.FaultsInjected.WithLabelValues(kind, direction).Inc()
}

// -------------------------------------------------------------------------
// Health Checks
// -------------------------------------------------------------------------

// ObserveHealthCheck increments the health check counter.
func (c *Collector) ObserveHealthCheck(service, code string) {
	c.HealthChecks.WithLabelValues(service, code).Inc()
}
