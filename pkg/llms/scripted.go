package llms

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedResponse is one canned model call outcome.
type ScriptedResponse struct {
	// Chunks are emitted in order as text chunks.
	Chunks []string

	// ToolCalls are emitted after the chunks.
	ToolCalls []*ToolCall

	// Err ends the stream with an error chunk instead of done.
	Err error

	// Tokens is reported on the done chunk.
	Tokens int
}

// ScriptedProvider replays canned responses, one per GenerateStreaming call.
// When the script is exhausted it echoes the last user message. It serves two
// purposes: deterministic tests, and a fallback backend when no API key is
// configured so the server still answers.
type ScriptedProvider struct {
	mu     sync.Mutex
	script []ScriptedResponse
	call   int
}

// NewScriptedProvider creates a provider that replays the given responses.
func NewScriptedProvider(script ...ScriptedResponse) *ScriptedProvider {
	return &ScriptedProvider{script: script}
}

func (p *ScriptedProvider) Name() string {
	return "scripted"
}

// Calls reports how many times GenerateStreaming has been invoked.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.call
}

func (p *ScriptedProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	p.mu.Lock()
	var resp ScriptedResponse
	if p.call < len(p.script) {
		resp = p.script[p.call]
	} else {
		resp = ScriptedResponse{Chunks: fallbackChunks(messages)}
	}
	p.call++
	p.mu.Unlock()

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		emit := func(chunk StreamChunk) bool {
			select {
			case outputCh <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, text := range resp.Chunks {
			if ctx.Err() != nil {
				return
			}
			if !emit(StreamChunk{Type: "text", Text: text}) {
				return
			}
		}
		for _, tc := range resp.ToolCalls {
			if !emit(StreamChunk{Type: "tool_call", ToolCall: tc}) {
				return
			}
		}
		if resp.Err != nil {
			emit(StreamChunk{Type: "error", Error: resp.Err})
			return
		}
		emit(StreamChunk{Type: "done", Tokens: resp.Tokens})
	}()

	return outputCh, nil
}

func fallbackChunks(messages []Message) []string {
	lastUser := ""
	for _, m := range messages {
		if m.Role == "user" {
			lastUser = m.Content
		}
	}
	return []string{
		"No model backend is configured. ",
		fmt.Sprintf("You said: %s", lastUser),
	}
}

var _ Provider = (*ScriptedProvider)(nil)
