package permission

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// CLIConfigCommand implements ConfigCommand by shelling out to the
// assistant binary's own config subcommand. Exact subcommand names are
// the assistant binary's contract, not ours; we follow the convention
// it already establishes for --mcp-config and friends.
type CLIConfigCommand struct {
	AssistantBinary string
}

// IsAllowed checks the current allow-list for toolName.
func (c *CLIConfigCommand) IsAllowed(ctx context.Context, toolName string) (bool, error) {
	out, err := exec.CommandContext(ctx, c.AssistantBinary, "config", "get", "allowedTools").Output()
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == toolName {
			return true, nil
		}
	}
	return false, nil
}

// Allow adds toolName to the allow-list.
func (c *CLIConfigCommand) Allow(ctx context.Context, toolName string) error {
	cmd := exec.CommandContext(ctx, c.AssistantBinary, "config", "add", "allowedTools", toolName)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return err
	}
	return nil
}
