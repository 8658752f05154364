package udplink

// -------------------------------------------------------------------------
// Status
// -------------------------------------------------------------------------

// Status is the lifecycle state of a Connection.
//
//	        Close               Drained
//	Open ----------> Closing ----------> Closed
//	  |                                    ^
//	  +------------- Terminate ------------+
//
// Status only moves forward.
type Status uint8

const (
	// StatusOpen accepts sends and receives.
	StatusOpen Status = iota

	// StatusClosing rejects new sends but keeps flushing the outbound
	// backlog already queued.
	StatusClosing

	// StatusClosed is terminal. Nothing is transmitted; queued inbound
	// packets may still be drained with Receive.
	StatusClosed
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusClosing:
		return "Closing"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

// Event drives a Status transition.
type Event uint8

const (
	// EventClose is a graceful close request from the application or a
	// transport error.
	EventClose Event = iota

	// EventTerminate is an abrupt teardown.
	EventTerminate

	// EventDrained fires when a Closing connection has nothing queued and
	// nothing in flight.
	EventDrained
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventClose:
		return "Close"
	case EventTerminate:
		return "Terminate"
	case EventDrained:
		return "Drained"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Transition Table
// -------------------------------------------------------------------------

// statusEvent is the transition table key.
type statusEvent struct {
	status Status
	event  Event
}

// Transition holds the outcome of applying an event to a status.
type Transition struct {
	// Old is the status before the event.
	Old Status

	// New is the status after the event. Equal to Old when the event is
	// ignored.
	New Status

	// Changed is true when New differs from Old.
	Changed bool
}

// statusTable lists every legal transition. Unlisted pairs are ignored,
// which is what keeps the machine from moving backward.
//
//nolint:gochecknoglobals // transition table is intentionally package-level.
var statusTable = map[statusEvent]Status{
	{StatusOpen, EventClose}:        StatusClosing,
	{StatusOpen, EventTerminate}:    StatusClosed,
	{StatusClosing, EventTerminate}: StatusClosed,
	{StatusClosing, EventDrained}:   StatusClosed,
}

// ApplyEvent applies ev to current and returns the result. It is a pure
// function; the caller performs logging, metrics and notification.
func ApplyEvent(current Status, ev Event) Transition {
	next, ok := statusTable[statusEvent{status: current, event: ev}]
	if !ok {
		return Transition{Old: current, New: current}
	}

	return Transition{Old: current, New: next, Changed: next != current}
}

// -------------------------------------------------------------------------
// Origin
// -------------------------------------------------------------------------

// Origin records how a Connection came into existence.
type Origin uint8

const (
	// OriginConnect marks a connection created by Service.Connect.
	OriginConnect Origin = iota

	// OriginAccept marks a connection created for a first-seen remote
	// endpoint while the Service was accepting.
	OriginAccept
)

// String returns the metric-friendly name of the origin.
func (o Origin) String() string {
	switch o {
	case OriginConnect:
		return "connect"
	case OriginAccept:
		return "accept"
	default:
		return "unknown"
	}
}
