// Package permission implements the permission / auto-enable subflow:
// when a child reports a denied tool, or an Advisor classifier judges
// an assistant's final turn to be permission-blocked, the subflow adds
// the tool to the child's allow-list and reinjects a retry prompt.
package permission

import (
	"context"
	"fmt"
	"strings"

	"rally/internal/advisor"
	"rally/internal/tabstore"
)

// ConfigCommand is the child's external allow-list configuration
// surface: idempotent check-first/add-if-absent per tool name. The
// default implementation shells out to the assistant binary's own
// config subcommand; tests substitute an in-memory fake.
type ConfigCommand interface {
	IsAllowed(ctx context.Context, toolName string) (bool, error)
	Allow(ctx context.Context, toolName string) error
}

// Advisor is the subset of *advisor.Client the subflow needs.
type Advisor interface {
	Stream(ctx context.Context, prompt string) (<-chan advisor.Chunk, error)
}

// TabSource is the subset of *tabstore.Store the subflow needs.
type TabSource interface {
	GetByID(tabID string) (*tabstore.Tab, bool)
	AppendEntry(tabID string, e tabstore.Entry) error
}

// Subflow drives the permission/auto-enable state machine.
type Subflow struct {
	tabs    TabSource
	config  ConfigCommand
	advisor Advisor
}

// New creates a Subflow.
func New(tabs TabSource, config ConfigCommand, adv Advisor) *Subflow {
	return &Subflow{tabs: tabs, config: config, advisor: adv}
}

// HandleDenied implements the subflow's action for a
// ToolPermissionDenied{tool_name} event: enable the tool (idempotent),
// log a system entry, and reinject a retry prompt. Failures
// are surfaced as system entries but do not abort the conversation.
func (s *Subflow) HandleDenied(ctx context.Context, tabID, toolName string) error {
	return s.enableAndRetry(ctx, tabID, []string{toolName})
}

const toolsNeededPrefix = "TOOLS_NEEDED:"

// ClassifyFinalTurn asks the Advisor whether an assistant's final-turn
// message — which followed one or more ToolUse calls in the same turn
// — indicates the assistant is blocked on a missing permission. The
// caller is responsible for only invoking this after confirming the
// turn-shape precondition (tool calls preceded the final message).
// Returns the tool names the Advisor named, or nil if it judged the
// turn not permission-blocked.
func (s *Subflow) ClassifyFinalTurn(ctx context.Context, toolNames []string, finalMessage string) ([]string, error) {
	prompt := advisor.PermissionClassifierPrompt(toolNames, finalMessage)
	ch, err := s.advisor.Stream(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var verdict strings.Builder
	for chunk := range ch {
		switch chunk.Kind {
		case advisor.ChunkText:
			if !chunk.IsThinking {
				verdict.WriteString(chunk.Text)
			}
		case advisor.ChunkError:
			return nil, chunk.Err
		}
	}

	for _, line := range strings.Split(verdict.String(), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, toolsNeededPrefix) {
			rest := strings.TrimSpace(strings.TrimPrefix(line, toolsNeededPrefix))
			var names []string
			for _, name := range strings.Split(rest, ",") {
				name = strings.TrimSpace(name)
				if name != "" {
					names = append(names, name)
				}
			}
			return names, nil
		}
	}
	return nil, nil
}

// EnableAndRetryForClassifiedTurn is called once ClassifyFinalTurn
// returns a non-empty tool list: it enables every named tool and
// reinjects a retry prompt, mirroring HandleDenied's action but for
// multiple tools at once.
func (s *Subflow) EnableAndRetryForClassifiedTurn(ctx context.Context, tabID string, toolNames []string) error {
	return s.enableAndRetry(ctx, tabID, toolNames)
}

func (s *Subflow) enableAndRetry(ctx context.Context, tabID string, toolNames []string) error {
	var enabled []string
	var failed []string

	for _, name := range toolNames {
		allowed, err := s.config.IsAllowed(ctx, name)
		if err != nil {
			failed = append(failed, name)
			continue
		}
		if allowed {
			enabled = append(enabled, name)
			continue
		}
		if err := s.config.Allow(ctx, name); err != nil {
			failed = append(failed, name)
			continue
		}
		enabled = append(enabled, name)
	}

	if len(failed) > 0 {
		_ = s.tabs.AppendEntry(tabID, tabstore.Entry{
			Sender:  tabstore.SenderSystem,
			Content: fmt.Sprintf("Failed to enable tools: %s", strings.Join(failed, ", ")),
		})
	}

	if len(enabled) == 0 {
		return fmt.Errorf("permission: could not enable any of %v", toolNames)
	}

	_ = s.tabs.AppendEntry(tabID, tabstore.Entry{
		Sender:  tabstore.SenderSystem,
		Content: fmt.Sprintf("Enabled tools: %s", strings.Join(enabled, ", ")),
	})

	return s.tabs.AppendEntry(tabID, tabstore.Entry{
		Sender:  tabstore.SenderUser,
		Content: fmt.Sprintf("I've enabled the following tools: %s; please try again.", strings.Join(enabled, ", ")),
	})
}

// PreEnableSafeTools marks every whitelisted tool as approved on a
// freshly created tab, avoiding a round-trip through the denied-tool
// path for common tools.
func PreEnableSafeTools(tab *tabstore.Tab, wl *Whitelist) {
	for _, name := range wl.Names() {
		tab.ApproveTool(name)
	}
}
