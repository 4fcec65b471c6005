package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rally/internal/registry"
)

// NewStopCmd signals every registered orchestrator PID to exit. The
// registry daemon exposes no "shut down" command of its own, so stop
// asks it for the live PID list and kills each directly — portable
// across platforms since it goes through os.Process.Kill rather than a
// POSIX-only signal.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop every running rally orchestrator on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			socketPath := cfg.RegistrySocketPath
			if socketPath == "" {
				socketPath = registry.SocketPath("rally")
			}

			client := registry.NewClient(socketPath)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			resp, err := client.Do(ctx, registry.Request{Command: registry.CommandListPIDs})
			if err != nil {
				return fmt.Errorf("cli: no running orchestrator found: %w", err)
			}
			if !resp.Success || len(resp.Data) == 0 {
				fmt.Println("no running orchestrators")
				return nil
			}

			for sessionID, pid := range resp.Data {
				proc, err := os.FindProcess(int(pid))
				if err != nil {
					continue
				}
				if err := proc.Kill(); err != nil {
					fmt.Printf("failed to stop %s (pid %d): %v\n", sessionID, pid, err)
					continue
				}
				fmt.Printf("stopped %s (pid %d)\n", sessionID, pid)
			}
			return nil
		},
	}
}
