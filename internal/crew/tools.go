package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCall is one tool invocation requested by a worker's completion turn.
type ToolCall struct {
	// Name is the tool identifier (e.g. "read_file").
	Name string `json:"tool"`
	// Input is the tool's argument object.
	Input map[string]interface{} `json:"input"`
}

// ToolInvoker executes tool calls on behalf of workers. Implementations
// must be safe for concurrent use; every worker shares one invoker.
type ToolInvoker interface {
	// Invoke runs the tool and returns its textual output.
	Invoke(ctx context.Context, call ToolCall) (string, error)
}

// NopInvoker rejects every tool call. Used when a run is purely
// conversational and for roles with an empty tool surface.
type NopInvoker struct{}

// Invoke always returns an error naming the unavailable tool.
func (NopInvoker) Invoke(_ context.Context, call ToolCall) (string, error) {
	return "", fmt.Errorf("tool %s not available", call.Name)
}

// mutatingTools lists tool names denied to read-only roles.
var mutatingTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"delete_file": true,
	"run_command": true,
}

// toolFence delimits a tool request in a completion response.
const toolFence = "```tool"

// parseToolCall extracts a tool request from a completion turn. The
// worker protocol is a fenced JSON object: ```tool {"tool": ..., "input":
// {...}} ```. Returns nil when the turn carries no tool request.
func parseToolCall(text string) (*ToolCall, error) {
	start := strings.Index(text, toolFence)
	if start == -1 {
		return nil, nil
	}
	rest := text[start+len(toolFence):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return nil, fmt.Errorf("unterminated tool block")
	}

	var call ToolCall
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &call); err != nil {
		return nil, fmt.Errorf("invalid tool block: %w", err)
	}
	if call.Name == "" {
		return nil, fmt.Errorf("tool block missing tool name")
	}
	return &call, nil
}

// toolPermitted checks a call against a role's allowed set and mode.
func toolPermitted(call *ToolCall, allowed []string, readOnly bool) error {
	if readOnly && mutatingTools[call.Name] {
		return fmt.Errorf("tool %s denied: role is read-only", call.Name)
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, name := range allowed {
		if name == call.Name {
			return nil
		}
	}
	return fmt.Errorf("tool %s denied: not in role's allowed set", call.Name)
}
