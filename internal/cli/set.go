package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"rally/internal/config"
)

// NewSetCmd groups the persisted-configuration mutators.
func NewSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Persist a configuration value for the next start",
	}
	cmd.AddCommand(newSetInstancesCmd())
	return cmd
}

// newSetInstancesCmd persists max_instances_default to the on-disk
// config file. It does not reach into a running `start` process: the
// registry daemon holds no process-wide control state for this, so the
// new ceiling takes effect on the next `start` rather than live.
func newSetInstancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances <n>",
		Short: "Set the default max-instances ceiling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			configPath, err := getConfigPath(cmd)
			if err != nil {
				return err
			}

			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("cli: instances must be an integer: %w", err)
			}
			if n < 1 {
				n = 1
			}
			if cfg.MaxInstancesHardCeiling > 0 && n > cfg.MaxInstancesHardCeiling {
				n = cfg.MaxInstancesHardCeiling
			}

			cfg.MaxInstancesDefault = n
			if err := config.WriteTemplate(configPath, cfg); err != nil {
				return fmt.Errorf("persist config: %w", err)
			}
			fmt.Printf("max_instances_default set to %d (effective on next start)\n", n)
			return nil
		},
	}
}
