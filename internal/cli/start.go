package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rally/internal/orchestrator"
	"rally/internal/webview"
	"rally/pkg/logger"
)

// NewStartCmd runs the orchestrator in the foreground until interrupted.
func NewStartCmd() *cobra.Command {
	var (
		prompt string
		port   int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the orchestrator and wait for activity",
		Long: `Start binds the registry socket, begins the dispatch loop, and
(if configured) serves the optional webview mirror. It runs until
interrupted with SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Webview.Port = port
			}

			orch := orchestrator.New(cfg)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := orch.Start(ctx); err != nil {
				return fmt.Errorf("start orchestrator: %w", err)
			}

			var webServer *webview.Server
			if cfg.Webview.Enabled {
				webServer = webview.New(orch.Store(), orch.Boundary(), cfg.Webview.Port)
				go func() {
					if err := webServer.Start(); err != nil {
						logger.Errorf("webview server error: %v", err)
					}
				}()
			}

			if prompt != "" {
				boundary := orch.Boundary()
				if err := boundary.SubmitInput(ctx, orch.Store().MainTabID(), prompt); err != nil {
					logger.Warnf("submit initial prompt: %v", err)
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			logger.Infof("shutting down...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if webServer != nil {
				_ = webServer.Shutdown(shutdownCtx)
			}
			return orch.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", "", "submit an initial prompt to the main tab on startup")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "webview port (overrides config)")
	return cmd
}
