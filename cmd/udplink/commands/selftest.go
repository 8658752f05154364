package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udplink/internal/config"
	"github.com/dantte-lp/udplink/internal/echo"
	"github.com/dantte-lp/udplink/internal/faultsim"
	"github.com/dantte-lp/udplink/internal/netio"
	"github.com/dantte-lp/udplink/internal/udplink"
)

// selftestAddr is the echo server endpoint on the in-process network.
var selftestAddr = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), config.DefaultPort)

// selftestOptions are the flags of the selftest command.
type selftestOptions struct {
	probe   probeParams
	profile faultsim.Profile
	seed    uint64
}

func selftestCmd() *cobra.Command {
	opts := selftestOptions{
		probe: probeParams{Count: 100, Size: 64, Linger: 500 * time.Millisecond},
	}

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Probe an in-process echo server through the fault simulator",
		Long: "selftest runs a client and an echo server on an in-memory network, " +
			"wraps every server-side connection in the fault simulator and reports " +
			"what arrived back.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := runSelftest(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}

			out, err := formatReport(rep, outputFormat)
			if err != nil {
				return fmt.Errorf("format report: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.probe.Count, "count", "c", opts.probe.Count, "number of probes")
	f.IntVarP(&opts.probe.Size, "size", "s", opts.probe.Size, "probe payload size in bytes")
	f.Float64VarP(&opts.probe.Rate, "rate", "r", 0, "probes per second (0 = unlimited)")
	f.DurationVar(&opts.probe.Linger, "linger", opts.probe.Linger, "wait for echoes after the last probe")
	f.Float64Var(&opts.profile.DropRate, "drop", 0, "per-packet drop probability")
	f.Float64Var(&opts.profile.DuplicateRate, "duplicate", 0, "per-packet duplicate probability")
	f.Float64Var(&opts.profile.DelayRate, "delay-rate", 0, "per-packet delay probability")
	f.DurationVar(&opts.profile.Delay, "delay", 50*time.Millisecond, "mean hold time of delayed packets")
	f.DurationVar(&opts.profile.Jitter, "jitter", 10*time.Millisecond, "hold time jitter")
	f.Uint64Var(&opts.seed, "seed", 0, "fault RNG seed (0 = random)")

	return cmd
}

// runSelftest wires a client Service and an echo Server over a MemNetwork
// and runs one probe between them.
func runSelftest(ctx context.Context, opts selftestOptions, logger *slog.Logger) (report, error) {
	if err := opts.probe.validate(); err != nil {
		return report{}, err
	}
	if err := opts.profile.Validate(); err != nil {
		return report{}, err
	}

	mem := netio.NewMemNetwork()

	serverPC, err := mem.Listen(selftestAddr)
	if err != nil {
		return report{}, fmt.Errorf("bind echo server: %w", err)
	}
	serverSvc, err := udplink.NewService(ctx, selftestAddr.Port(), logger,
		udplink.WithPacketConn(serverPC),
	)
	if err != nil {
		return report{}, fmt.Errorf("create echo service: %w", err)
	}
	defer closeService(serverSvc, logger)

	var echoOpts []echo.Option
	if opts.profile.Active() {
		echoOpts = append(echoOpts, echo.WithFaults(opts.profile, opts.seed))
	}
	srv := echo.NewServer(serverSvc, logger, echoOpts...)

	clientPC, err := mem.Listen(netip.AddrPortFrom(selftestAddr.Addr(), 0))
	if err != nil {
		return report{}, fmt.Errorf("bind client: %w", err)
	}
	client, err := udplink.NewService(ctx, 0, logger, udplink.WithPacketConn(clientPC))
	if err != nil {
		return report{}, fmt.Errorf("create client service: %w", err)
	}
	defer closeService(client, logger)

	conn, err := client.Connect(ctx, selftestAddr.Addr().String(), selftestAddr.Port())
	if err != nil {
		return report{}, fmt.Errorf("connect %s: %w", selftestAddr, err)
	}
	defer conn.Terminate()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	var rep report
	g.Go(func() error {
		defer cancel()

		var probeErr error
		rep, probeErr = runProbe(gCtx, client, conn, opts.probe)
		return probeErr
	})

	if err := g.Wait(); err != nil {
		return rep, fmt.Errorf("selftest: %w", err)
	}

	return rep, nil
}
