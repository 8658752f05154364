package commands

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"testing/synctest"
	"time"

	"github.com/dantte-lp/udplink/internal/faultsim"
	"github.com/dantte-lp/udplink/internal/packet"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func selftestWith(profile faultsim.Profile) selftestOptions {
	return selftestOptions{
		probe:   probeParams{Count: 20, Size: 32, Linger: 200 * time.Millisecond},
		profile: profile,
		seed:    7,
	}
}

// TestSelftestClean verifies every probe is echoed exactly once without
// faults.
func TestSelftestClean(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		rep, err := runSelftest(t.Context(), selftestWith(faultsim.Profile{}), discardLogger())
		if err != nil {
			t.Fatalf("runSelftest: %v", err)
		}

		if rep.Sent != 20 || rep.Received != 20 || rep.Lost != 0 {
			t.Errorf("report = %+v, want 20 sent and received", rep)
		}
		if rep.Duplicates != 0 || rep.Reordered != 0 {
			t.Errorf("duplicates=%d reordered=%d, want 0", rep.Duplicates, rep.Reordered)
		}
		if rep.RTTMin > rep.RTTAvg || rep.RTTAvg > rep.RTTMax {
			t.Errorf("RTT min/avg/max out of order: %v %v %v", rep.RTTMin, rep.RTTAvg, rep.RTTMax)
		}
		if rep.Remote != selftestAddr.String() {
			t.Errorf("Remote = %q, want %q", rep.Remote, selftestAddr)
		}
	})
}

// TestSelftestDropAll verifies a total drop profile reports every probe
// lost once the linger period expires.
func TestSelftestDropAll(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		rep, err := runSelftest(t.Context(), selftestWith(faultsim.Profile{DropRate: 1}), discardLogger())
		if err != nil {
			t.Fatalf("runSelftest: %v", err)
		}

		if rep.Received != 0 || rep.Lost != 20 {
			t.Errorf("report = %+v, want all 20 lost", rep)
		}
	})
}

// TestSelftestDuplicateAll verifies duplicated echoes are counted once and
// reported as duplicates.
func TestSelftestDuplicateAll(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		rep, err := runSelftest(t.Context(), selftestWith(faultsim.Profile{DuplicateRate: 1}), discardLogger())
		if err != nil {
			t.Fatalf("runSelftest: %v", err)
		}

		if rep.Received != 20 || rep.Lost != 0 {
			t.Errorf("report = %+v, want 20 received", rep)
		}
		if rep.Duplicates == 0 {
			t.Error("Duplicates = 0, want > 0")
		}
	})
}

// TestSelftestCancelled verifies the probe stops with the context error.
func TestSelftestCancelled(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()

		opts := selftestWith(faultsim.Profile{DropRate: 1})
		opts.probe.Linger = time.Hour

		_, err := runSelftest(ctx, opts, discardLogger())
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("runSelftest error = %v, want DeadlineExceeded", err)
		}
	})
}

func TestSelftestRejectsInvalidProfile(t *testing.T) {
	t.Parallel()

	opts := selftestWith(faultsim.Profile{DropRate: 2})

	_, err := runSelftest(t.Context(), opts, discardLogger())
	if !errors.Is(err, faultsim.ErrInvalidProfile) {
		t.Fatalf("runSelftest error = %v, want ErrInvalidProfile", err)
	}
}

func TestProbeParamsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  probeParams
		wantErr error
	}{
		{name: "valid", params: probeParams{Count: 1, Size: probeHeaderSize}},
		{name: "max size", params: probeParams{Count: 1, Size: packet.MaxSize, Rate: 5}},
		{name: "zero count", params: probeParams{Count: 0, Size: 64}, wantErr: errInvalidCount},
		{name: "short size", params: probeParams{Count: 1, Size: probeHeaderSize - 1}, wantErr: errInvalidSize},
		{name: "oversize", params: probeParams{Count: 1, Size: packet.MaxSize + 1}, wantErr: errInvalidSize},
		{name: "negative rate", params: probeParams{Count: 1, Size: 64, Rate: -1}, wantErr: errInvalidRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.params.validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestProberRecord verifies duplicate, reorder and foreign payload
// accounting.
func TestProberRecord(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	pr := &prober{
		rep:    report{Sent: 3},
		sentAt: []time.Time{start, start, start},
		seen:   make([]bool, 3),
	}

	probe := func(seq byte) packet.Packet {
		return packet.MustNew([]byte{0, 0, 0, 0, 0, 0, 0, seq})
	}

	pr.record(probe(1), start.Add(10*time.Millisecond))
	pr.record(probe(0), start.Add(30*time.Millisecond))
	pr.record(probe(0), start.Add(40*time.Millisecond))
	pr.record(probe(9), start.Add(40*time.Millisecond))
	pr.record(packet.MustNew([]byte("short")), start)

	rep := pr.finish()

	if rep.Received != 2 || rep.Duplicates != 1 || rep.Reordered != 1 || rep.Lost != 1 {
		t.Errorf("report = %+v", rep)
	}
	if rep.RTTMin != 10*time.Millisecond || rep.RTTMax != 30*time.Millisecond || rep.RTTAvg != 20*time.Millisecond {
		t.Errorf("RTT = %v/%v/%v, want 10ms/20ms/30ms", rep.RTTMin, rep.RTTAvg, rep.RTTMax)
	}
}
