// Package driver runs one model generation to completion, intercepting
// tool-call directives mid-stream, delegating them to the tool registry,
// and resuming generation with the tool results folded into the context.
package driver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/convo-dev/convo/pkg/llms"
	"github.com/convo-dev/convo/pkg/tools"
)

// ErrUpstreamGeneration marks a failure of the model call itself. It is
// fatal to the current response only; partial output already emitted
// stays valid.
var ErrUpstreamGeneration = errors.New("upstream generation failure")

// DefaultMaxIterations bounds the generate/tool/resume loop.
const DefaultMaxIterations = 8

// State tracks where a single driver invocation is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateAwaitingTool
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventType tags a driver event.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
)

// Event is one unit of driver output. Text events carry visible chunk
// text with directives already stripped.
type Event struct {
	Type       EventType
	Text       string
	ToolCall   llms.ToolCall
	ToolResult tools.ToolResult
	Tokens     int
}

// Config configures a Driver.
type Config struct {
	MaxIterations int
}

// Driver drives the generate/tool loop for one response at a time. It is
// stateless across invocations; each Run carries its own state machine.
type Driver struct {
	provider      llms.Provider
	registry      *tools.Registry
	maxIterations int
}

func New(provider llms.Provider, registry *tools.Registry, cfg Config) *Driver {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Driver{
		provider:      provider,
		registry:      registry,
		maxIterations: maxIterations,
	}
}

// Run executes the loop: call the model, stream text, and when the model
// requests a tool, invoke it, extend the context with the result, and
// issue a fresh model call. The sequence ends with exactly one of: an
// EventDone event, an error, or silently on context cancellation (the
// caller owns finalizing partial output).
func (d *Driver) Run(ctx context.Context, messages []llms.Message) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		state := StateIdle
		contextMessages := append([]llms.Message(nil), messages...)
		definitions := d.toolDefinitions()

		for iteration := 0; iteration < d.maxIterations; iteration++ {
			if ctx.Err() != nil {
				return
			}

			state = StateGenerating
			slog.Debug("Driver state", "state", state, "iteration", iteration)

			stream, err := d.provider.GenerateStreaming(ctx, contextMessages, definitions)
			if err != nil {
				state = StateFailed
				yield(nil, fmt.Errorf("%w: %v", ErrUpstreamGeneration, err))
				return
			}

			var assistantText strings.Builder
			var pendingCalls []llms.ToolCall
			var tokens int
			scanner := &directiveScanner{}

			for chunk := range stream {
				if ctx.Err() != nil {
					return
				}

				switch chunk.Type {
				case "text":
					visible, calls := scanner.Feed(chunk.Text)
					pendingCalls = append(pendingCalls, calls...)
					if visible != "" {
						assistantText.WriteString(visible)
						if !yield(&Event{Type: EventText, Text: visible}, nil) {
							return
						}
					}
				case "tool_call":
					if chunk.ToolCall != nil {
						pendingCalls = append(pendingCalls, *chunk.ToolCall)
					}
				case "done":
					tokens = chunk.Tokens
				case "error":
					state = StateFailed
					yield(nil, fmt.Errorf("%w: %v", ErrUpstreamGeneration, chunk.Error))
					return
				}
			}

			if leftover := scanner.Flush(); leftover != "" {
				assistantText.WriteString(leftover)
				if !yield(&Event{Type: EventText, Text: leftover}, nil) {
					return
				}
			}

			if len(pendingCalls) == 0 {
				state = StateDone
				slog.Debug("Driver state", "state", state, "iteration", iteration)
				yield(&Event{Type: EventDone, Tokens: tokens}, nil)
				return
			}

			state = StateAwaitingTool
			slog.Debug("Driver state", "state", state, "tools", len(pendingCalls))

			populateCallIDs(pendingCalls)
			contextMessages = append(contextMessages, llms.Message{
				Role:      "assistant",
				Content:   assistantText.String(),
				ToolCalls: pendingCalls,
			})

			for _, call := range pendingCalls {
				if !yield(&Event{Type: EventToolCall, ToolCall: call}, nil) {
					return
				}

				result, err := d.registry.Invoke(ctx, call.Name, call.Arguments)
				if err != nil && ctx.Err() != nil {
					return
				}

				// Tool failures of every class are folded back into the
				// context as an error-describing tool turn; the response
				// keeps going.
				content := result.Output
				if err != nil {
					content = fmt.Sprintf("Error: %v", err)
				} else if !result.Success {
					content = fmt.Sprintf("Error: %s", result.Error)
				}

				contextMessages = append(contextMessages, llms.Message{
					Role:       "tool",
					Content:    content,
					ToolCallID: call.ID,
				})

				if !yield(&Event{Type: EventToolResult, ToolCall: call, ToolResult: result}, nil) {
					return
				}
			}
		}

		yield(nil, fmt.Errorf("%w: tool loop exceeded %d iterations", ErrUpstreamGeneration, d.maxIterations))
	}
}

func (d *Driver) toolDefinitions() []llms.ToolDefinition {
	if d.registry == nil {
		return nil
	}
	infos := d.registry.List()
	definitions := make([]llms.ToolDefinition, 0, len(infos))
	for _, info := range infos {
		definitions = append(definitions, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.InputSchema,
		})
	}
	return definitions
}

// populateCallIDs assigns IDs to tool calls that arrived without one, so
// results can be paired with calls in the extended context.
func populateCallIDs(calls []llms.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "convo-" + uuid.NewString()
		}
	}
}
