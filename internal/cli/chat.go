package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rally/internal/orchestrator"
	"rally/internal/tabstore"
)

// NewChatCmd runs a single headless turn against a fresh, self-contained
// orchestrator and prints the resulting transcript. Unlike start, chat
// never attaches to an already-running orchestrator: each invocation
// owns its own tab store and child process for the turn's duration.
func NewChatCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a single message and print the assistant's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			message := strings.Join(args, " ")

			orch := orchestrator.New(cfg)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := orch.Start(ctx); err != nil {
				return fmt.Errorf("start orchestrator: %w", err)
			}
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = orch.Shutdown(shutdownCtx)
			}()

			boundary := orch.Boundary()
			tabID := orch.Store().MainTabID()
			if err := boundary.SubmitInput(ctx, tabID, message); err != nil {
				return fmt.Errorf("submit input: %w", err)
			}

			if err := waitForIdle(orch.Store(), tabID, timeout); err != nil {
				return err
			}

			printTranscript(orch.Store(), tabID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the assistant's turn to finish")
	return cmd
}

// waitForIdle polls tabID's status until it leaves StatusAvailable (the
// turn has started) and then returns to it (the turn has finished), or
// until timeout elapses. A tab that never leaves StatusAvailable within
// the first second is assumed to have already finished by the time we
// polled, which happens with fast, cheap replies.
func waitForIdle(store *tabstore.Store, tabID string, timeout time.Duration) error {
	tab, ok := store.GetByID(tabID)
	if !ok {
		return fmt.Errorf("cli: unknown tab %q", tabID)
	}

	deadline := time.Now().Add(timeout)
	started := false
	startDeadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tab.Processing() {
			started = true
		}
		if started && !tab.Processing() {
			return nil
		}
		if !started && time.Now().After(startDeadline) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("cli: timed out waiting for the assistant's reply")
}

func printTranscript(store *tabstore.Store, tabID string) {
	tab, ok := store.GetByID(tabID)
	if !ok {
		return
	}
	for _, e := range tab.Snapshot() {
		fmt.Printf("%s: %s\n", senderLabel(e.Sender), e.Content)
	}
}

func senderLabel(s tabstore.Sender) string {
	switch s {
	case tabstore.SenderUser:
		return "you"
	case tabstore.SenderAssistant:
		return "assistant"
	case tabstore.SenderAdvisor:
		return "advisor"
	case tabstore.SenderTool:
		return "tool"
	case tabstore.SenderSystem:
		return "system"
	default:
		return "unknown"
	}
}
