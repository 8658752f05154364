package udplink

// -------------------------------------------------------------------------
// Drop Reasons
// -------------------------------------------------------------------------

// Drop reason labels passed to MetricsReporter.IncPacketsDropped.
const (
	// DropNotOpen counts packets handed to Send after the connection left
	// Open.
	DropNotOpen = "not_open"

	// DropOversize counts inbound datagrams longer than packet.MaxSize.
	DropOversize = "oversize"

	// DropClosed counts inbound datagrams for a Closed connection.
	DropClosed = "closed"

	// DropQueueFull counts inbound datagrams refused by a full receive
	// queue.
	DropQueueFull = "queue_full"

	// DropUnroutable counts datagrams from unknown endpoints while not
	// accepting.
	DropUnroutable = "unroutable"

	// DropConnectionLimit counts datagrams from unknown endpoints refused
	// because the connection limit was reached.
	DropConnectionLimit = "connection_limit"

	// DropBacklog counts outbound packets discarded by Terminate or after
	// a transport error.
	DropBacklog = "backlog_discarded"
)

// -------------------------------------------------------------------------
// MetricsReporter
// -------------------------------------------------------------------------

// MetricsReporter receives connection-level counters. Implementations must
// be safe for concurrent use since one reporter is shared by every
// Service in the process.
type MetricsReporter interface {
	// RegisterConnection is called when a connection is added to a Service.
	RegisterConnection(origin string)

	// UnregisterConnection is called when a Service discards a connection.
	UnregisterConnection(origin string)

	// IncPacketsSent is called for each datagram the socket accepted.
	IncPacketsSent(origin string)

	// IncPacketsReceived is called for each datagram queued for Receive.
	IncPacketsReceived(origin string)

	// IncPacketsDropped is called for each packet discarded, labeled with
	// one of the Drop* reasons.
	IncPacketsDropped(reason string)

	// IncSendErrors is called for each failed asynchronous send.
	IncSendErrors(origin string)

	// RecordStateTransition is called on every status change.
	RecordStateTransition(from, to string)
}

// noopMetrics discards everything. Used when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) RegisterConnection(string) {}
func (noopMetrics) UnregisterConnection(string) {}
func (noopMetrics) IncPacketsSent(string) {}
func (noopMetrics) IncPacketsReceived(string) {}
func (noopMetrics) IncPacketsDropped(string) {}
func (noopMetrics) IncSendErrors(string) {}
func (noopMetrics) RecordStateTransition(string, string) {}
