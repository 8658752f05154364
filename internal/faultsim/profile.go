package faultsim

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidProfile indicates a Profile field out of range.
var ErrInvalidProfile = errors.New("invalid fault profile")

// MaxDelay bounds Delay and Jitter.
const MaxDelay = time.Hour

// Profile describes the faults injected into both directions of a
// connection. Rates are probabilities in [0, 1] evaluated independently
// per packet.
type Profile struct {
	// DropRate is the probability a packet is discarded.
	DropRate float64

	// DuplicateRate is the probability a surviving packet is sent twice.
	DuplicateRate float64

	// DelayRate is the probability a surviving packet is held back.
	DelayRate float64

	// Delay is the mean hold time of a delayed packet.
	Delay time.Duration

	// Jitter is the maximum deviation from Delay, applied uniformly in
	// [-Jitter, +Jitter]. A delayed packet is held for at least one
	// nanosecond, even when the draw is zero or negative.
	Jitter time.Duration
}

// Validate checks every field is in range.
func (p Profile) Validate() error {
	rates := []struct {
		name string
		v    float64
	}{
		{"drop rate", p.DropRate},
		{"duplicate rate", p.DuplicateRate},
		{"delay rate", p.DelayRate},
	}
	for _, r := range rates {
		if math.IsNaN(r.v) || r.v < 0 || r.v > 1 {
			return fmt.Errorf("%s %v not in [0, 1]: %w", r.name, r.v, ErrInvalidProfile)
		}
	}

	durations := []struct {
		name string
		v    time.Duration
	}{
		{"delay", p.Delay},
		{"jitter", p.Jitter},
	}
	for _, d := range durations {
		if d.v < 0 || d.v > MaxDelay {
			return fmt.Errorf("%s %s not in [0, %s]: %w", d.name, d.v, MaxDelay, ErrInvalidProfile)
		}
	}

	return nil
}

// Active reports whether the profile injects any fault.
func (p Profile) Active() bool {
	return p.DropRate > 0 || p.DuplicateRate > 0 || p.DelayRate > 0
}
