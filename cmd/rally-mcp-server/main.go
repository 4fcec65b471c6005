// Command rally-mcp-server is the MCP server a spawned coding
// assistant is configured to talk to for the three reserved control
// tools (spawn_siblings, list_siblings, close_instance). It runs over
// stdio as a child of the assistant process, inherits RALLY_SESSION_ID
// from the Supervisor's spawn environment, and forwards every tool
// call to the registry daemon, which routes it to the orchestrator
// that owns the session.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"rally/internal/registry"
	"rally/internal/supervisor"
)

func main() {
	sessionID := os.Getenv(supervisor.EnvSessionID)
	requesterTabID := os.Getenv(supervisor.EnvTargetTabID)
	socketPath := os.Getenv("RALLY_REGISTRY_SOCKET_PATH")
	if socketPath == "" {
		socketPath = registry.SocketPath("rally")
	}

	client := registry.NewClient(socketPath)
	s := newServer(client, sessionID, requesterTabID)

	if err := server.ServeStdio(s); err != nil {
		log.Fatal(err)
	}
}

func newServer(client *registry.Client, sessionID, requesterTabID string) *server.MCPServer {
	s := server.NewMCPServer("rally-control", "1.0.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("spawn_siblings",
		mcp.WithDescription("Request the orchestrator spawn N sibling tabs to split the current task"),
		mcp.WithNumber("count", mcp.Required(), mcp.Description("number of sibling instances to spawn")),
		mcp.WithString("task_hint", mcp.Description("short description of the work to split across siblings")),
	), spawnSiblingsHandler(client, sessionID, requesterTabID))

	s.AddTool(mcp.NewTool("list_siblings",
		mcp.WithDescription("List every tab the orchestrator is currently tracking"),
	), listSiblingsHandler(client, sessionID, requesterTabID))

	s.AddTool(mcp.NewTool("close_instance",
		mcp.WithDescription("Close a sibling tab by id"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("the tab id to close")),
	), closeInstanceHandler(client, sessionID, requesterTabID))

	return s
}

func spawnSiblingsHandler(client *registry.Client, sessionID, requesterTabID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		count := 0
		if v, ok := args["count"].(float64); ok {
			count = int(v)
		}
		hint, _ := args["task_hint"].(string)

		payload, err := json.Marshal(controlPayload{
			Type: registry.ControlSpawnInstances, Count: count, TaskHint: hint, RequesterTabID: requesterTabID,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return sendControl(ctx, client, sessionID, registry.ControlSpawnInstances, payload)
	}
}

func listSiblingsHandler(client *registry.Client, sessionID, requesterTabID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload, err := json.Marshal(controlPayload{Type: registry.ControlListInstances, RequesterTabID: requesterTabID})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return sendControl(ctx, client, sessionID, registry.ControlListInstances, payload)
	}
}

func closeInstanceHandler(client *registry.Client, sessionID, requesterTabID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		instanceID, _ := args["instance_id"].(string)
		if instanceID == "" {
			return mcp.NewToolResultError("instance_id is required"), nil
		}
		payload, err := json.Marshal(controlPayload{
			Type: registry.ControlCloseInstance, InstanceID: instanceID, RequesterTabID: requesterTabID,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return sendControl(ctx, client, sessionID, registry.ControlCloseInstance, payload)
	}
}

// controlPayload mirrors internal/orchestrator's routedControl wire
// shape: this binary is the counterpart that produces what that
// struct consumes.
type controlPayload struct {
	Type           string `json:"type"`
	Count          int    `json:"count,omitempty"`
	TaskHint       string `json:"task_hint,omitempty"`
	InstanceID     string `json:"instance_id,omitempty"`
	RequesterTabID string `json:"requester_id,omitempty"`
}

func sendControl(ctx context.Context, client *registry.Client, sessionID, controlType string, payload json.RawMessage) (*mcp.CallToolResult, error) {
	resp, err := client.Do(ctx, registry.Request{Type: controlType, SessionID: sessionID, Payload: payload})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registry: %v", err)), nil
	}
	if !resp.Success {
		return mcp.NewToolResultError(resp.Message), nil
	}
	return mcp.NewToolResultText("ok"), nil
}
