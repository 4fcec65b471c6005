// Package cli implements rally's command-line surface: a cobra root
// command wrapping the orchestrator's composition root so operators
// never have to talk to internal packages directly, with one file per
// subcommand (root/version/start/chat/set/stop).
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"rally/internal/config"
	"rally/pkg/logger"
)

// GlobalFlags holds the flags every subcommand inherits from the root.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

type contextKey struct{}

// appContext is threaded through cmd.Context() by the root's
// PersistentPreRunE so subcommands never load config themselves.
type appContext struct {
	Config     *config.Config
	ConfigPath string
}

// NewRootCmd builds the "rally" root command and registers every
// subcommand.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rally",
		Short:         "Rally multiplexes and supervises coding-assistant sessions across tabs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			configPath := globalFlags.ConfigPath
			if configPath == "" {
				var err error
				configPath, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			level := cfg.Log.Level
			if globalFlags.Verbose {
				level = "debug"
			}
			if globalFlags.Quiet {
				level = "error"
			}
			if err := logger.Init(logger.LogConfig{Level: level, Format: cfg.Log.Format, File: cfg.Log.File}); err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, &appContext{Config: cfg, ConfigPath: configPath}))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return logger.Close()
		},
	}

	root.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose logging")
	root.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "quiet logging")

	root.AddCommand(NewVersionCmd())
	root.AddCommand(NewStartCmd())
	root.AddCommand(NewChatCmd())
	root.AddCommand(NewSetCmd())
	root.AddCommand(NewStopCmd())

	return root
}

// getConfig retrieves the appContext's Config loaded by the root's
// PersistentPreRunE, failing loudly if a subcommand runs without it
// (a programmer error, not a user-facing one).
func getConfig(cmd *cobra.Command) (*config.Config, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return nil, fmt.Errorf("cli: command context not initialized")
	}
	ac, ok := ctx.Value(contextKey{}).(*appContext)
	if !ok || ac == nil {
		return nil, fmt.Errorf("cli: app context not initialized")
	}
	return ac.Config, nil
}

func getConfigPath(cmd *cobra.Command) (string, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return "", fmt.Errorf("cli: command context not initialized")
	}
	ac, ok := ctx.Value(contextKey{}).(*appContext)
	if !ok || ac == nil {
		return "", fmt.Errorf("cli: app context not initialized")
	}
	return ac.ConfigPath, nil
}
