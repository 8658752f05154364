package udplink_test

import (
	"testing"

	"github.com/dantte-lp/udplink/internal/udplink"
)

// TestApplyEventTable verifies every (status, event) pair, including the
// ignored ones that keep the machine from moving backward.
func TestApplyEventTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      udplink.Status
		event       udplink.Event
		wantStatus  udplink.Status
		wantChanged bool
	}{
		{"Open+Close->Closing", udplink.StatusOpen, udplink.EventClose, udplink.StatusClosing, true},
		{"Open+Terminate->Closed", udplink.StatusOpen, udplink.EventTerminate, udplink.StatusClosed, true},
		{"Open+Drained ignored", udplink.StatusOpen, udplink.EventDrained, udplink.StatusOpen, false},
		{"Closing+Close ignored", udplink.StatusClosing, udplink.EventClose, udplink.StatusClosing, false},
		{"Closing+Terminate->Closed", udplink.StatusClosing, udplink.EventTerminate, udplink.StatusClosed, true},
		{"Closing+Drained->Closed", udplink.StatusClosing, udplink.EventDrained, udplink.StatusClosed, true},
		{"Closed+Close ignored", udplink.StatusClosed, udplink.EventClose, udplink.StatusClosed, false},
		{"Closed+Terminate ignored", udplink.StatusClosed, udplink.EventTerminate, udplink.StatusClosed, false},
		{"Closed+Drained ignored", udplink.StatusClosed, udplink.EventDrained, udplink.StatusClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := udplink.ApplyEvent(tt.status, tt.event)

			if got.Old != tt.status {
				t.Errorf("Old = %s, want %s", got.Old, tt.status)
			}
			if got.New != tt.wantStatus {
				t.Errorf("New = %s, want %s", got.New, tt.wantStatus)
			}
			if got.Changed != tt.wantChanged {
				t.Errorf("Changed = %v, want %v", got.Changed, tt.wantChanged)
			}
		})
	}
}

// TestStatusNeverMovesBackward applies every event sequence of length
// three and checks status order is monotonic.
func TestStatusNeverMovesBackward(t *testing.T) {
	t.Parallel()

	events := []udplink.Event{udplink.EventClose, udplink.EventTerminate, udplink.EventDrained}

	for _, a := range events {
		for _, b := range events {
			for _, c := range events {
				s := udplink.StatusOpen
				for _, ev := range []udplink.Event{a, b, c} {
					next := udplink.ApplyEvent(s, ev).New
					if next < s {
						t.Fatalf("%s + %s moved backward to %s", s, ev, next)
					}
					s = next
				}
			}
		}
	}
}

// TestStringers covers the human-readable names used in logs and metrics.
func TestStringers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got, want string
	}{
		{udplink.StatusOpen.String(), "Open"},
		{udplink.StatusClosing.String(), "Closing"},
		{udplink.StatusClosed.String(), "Closed"},
		{udplink.Status(99).String(), "Unknown"},
		{udplink.EventClose.String(), "Close"},
		{udplink.EventTerminate.String(), "Terminate"},
		{udplink.EventDrained.String(), "Drained"},
		{udplink.OriginConnect.String(), "connect"},
		{udplink.OriginAccept.String(), "accept"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
