// Package tools provides the tool registry, argument validation, and the
// built-in and MCP-backed tool implementations the generation loop can
// delegate to.
package tools

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors classifying tool failures. Callers decide recoverability:
// invalid arguments and timeouts can be folded back into the conversation,
// an unreachable tool disables it for the rest of the process.
var (
	ErrToolNotFound         = errors.New("tool not found")
	ErrToolDisabled         = errors.New("tool disabled")
	ErrInvalidToolArguments = errors.New("invalid tool arguments")
	ErrToolTimeout          = errors.New("tool execution timed out")
	ErrToolUnreachable      = errors.New("tool unreachable")
)

// ToolInfo describes a callable tool. InputSchema is a JSON-schema object
// ({"type":"object","properties":...,"required":...}) in the shape model
// providers and MCP servers both speak.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	RequestID string                 `json:"request_id"`
	ToolName  string                 `json:"tool_name"`
	Success   bool                   `json:"success"`
	Output    string                 `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Tool is a callable capability exposed to the model.
type Tool interface {
	Info() ToolInfo
	Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error)
}

// ToolSource discovers tools from an external provider, such as an MCP
// server spoken to over stdio.
type ToolSource interface {
	Name() string
	Connect(ctx context.Context) error
	Tools() []Tool
	Close() error
}
