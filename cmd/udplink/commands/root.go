package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udplink/internal/config"
)

var (
	// logger is the CLI logger, initialized in PersistentPreRunE.
	logger *slog.Logger

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// logLevel is the stderr log level name.
	logLevel string
)

// rootCmd is the top-level cobra command for udplink.
var rootCmd = &cobra.Command{
	Use:   "udplink",
	Short: "Client and self-test tool for udplink",
	Long: "udplink sends packets to a udplink echo daemon and reports loss and round-trip " +
		"times, or runs the same exchange in-process against a fault-injecting echo server.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: config.ParseLogLevel(logLevel),
		}))

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"log level on stderr: debug, info, warn, error")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(selftestCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command with a signal-aware context and exits with
// code 1 on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
