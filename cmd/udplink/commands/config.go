package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udplink/internal/config"
)

// configCmd prints the effective daemon configuration: defaults, then the
// file, then UDPLINK_ environment overrides.
func configCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective udplinkd configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVar(&path, "config", "", "path to configuration file (YAML)")

	return cmd
}
