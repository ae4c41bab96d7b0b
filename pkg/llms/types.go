// Package llms defines the generation capability consumed by the driver and
// provides two implementations: an OpenAI-compatible streaming provider and a
// scripted provider for keyless operation and tests.
package llms

import "context"

// Message is one prompt-context entry sent to the model.
type Message struct {
	// Role is one of user, assistant, tool, system.
	Role string

	// Content is the message text.
	Content string

	// ToolCalls records tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a tool message to the call it answers.
	ToolCallID string
}

// ToolDefinition describes a tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolCall is a structured tool-call directive emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// StreamChunk is one unit of streamed model output.
type StreamChunk struct {
	// Type is one of "text", "tool_call", "done", "error".
	Type string

	// Text holds content for text chunks.
	Text string

	// ToolCall holds the directive for tool_call chunks.
	ToolCall *ToolCall

	// Tokens reports total token usage on the done chunk, when known.
	Tokens int

	// Error holds the failure for error chunks.
	Error error
}

// Provider is an opaque generation capability: given prompt context and tool
// definitions it produces an incremental chunk stream. The channel is closed
// after a "done" or "error" chunk.
type Provider interface {
	// Name identifies the provider.
	Name() string

	// GenerateStreaming starts one model call. Cancelling ctx stops the
	// stream; the channel is always closed.
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)
}
