package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udplink/internal/config"
	"github.com/dantte-lp/udplink/internal/netio"
	"github.com/dantte-lp/udplink/internal/udplink"
)

// sendOptions are the flags of the send command.
type sendOptions struct {
	probe     probeParams
	port      uint16
	localPort uint16
	timeout   time.Duration
	sock      netio.SocketOptions
}

func sendCmd() *cobra.Command {
	opts := sendOptions{
		probe: probeParams{Count: 10, Size: 64, Rate: 10, Linger: time.Second},
		port:  config.DefaultPort,
	}

	cmd := &cobra.Command{
		Use:   "send <host>",
		Short: "Send sequenced probes to an echo daemon and report loss and RTT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			rep, err := runSend(ctx, args[0], opts, logger)
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
	f.Uint16Var(&opts.port, "port", opts.port, "remote UDP port")
	f.Uint16Var(&opts.localPort, "local-port", 0, "local UDP port (0 = ephemeral)")
	f.IntVarP(&opts.probe.Count, "count", "c", opts.probe.Count, "number of probes")
	f.IntVarP(&opts.probe.Size, "size", "s", opts.probe.Size, "probe payload size in bytes")
	f.Float64VarP(&opts.probe.Rate, "rate", "r", opts.probe.Rate, "probes per second (0 = unlimited)")
	f.DurationVar(&opts.probe.Linger, "linger", opts.probe.Linger, "wait for echoes after the last probe")
	f.DurationVar(&opts.timeout, "timeout", 0, "overall deadline (0 = none)")
	f.IntVar(&opts.sock.RecvBuffer, "recv-buffer", 0, "SO_RCVBUF in bytes (0 = OS default)")
	f.IntVar(&opts.sock.SendBuffer, "send-buffer", 0, "SO_SNDBUF in bytes (0 = OS default)")

	return cmd
}

// runSend binds a client Service, connects to host and runs one probe.
func runSend(ctx context.Context, host string, opts sendOptions, logger *slog.Logger) (report, error) {
	if err := opts.probe.validate(); err != nil {
		return report{}, err
	}

	svc, err := udplink.NewService(ctx, opts.localPort, logger,
		udplink.WithSocketOptions(opts.sock),
	)
	if err != nil {
		return report{}, fmt.Errorf("create client service: %w", err)
	}
	defer closeService(svc, logger)

	conn, err := svc.Connect(ctx, host, opts.port)
	if err != nil {
		return report{}, fmt.Errorf("connect %s:%d: %w", host, opts.port, err)
	}
	defer conn.Terminate()

	logger.Info("probing",
		slog.String("remote", conn.Remote().String()),
		slog.String("local", svc.LocalAddr().String()),
		slog.Int("count", opts.probe.Count),
	)

	return runProbe(ctx, svc, conn, opts.probe)
}

// closeService closes svc, logging any error.
func closeService(svc *udplink.Service, logger *slog.Logger) {
	if err := svc.Close(); err != nil {
		logger.Warn("failed to close service", slog.String("error", err.Error()))
	}
}
