// Package orchestrator coordinates the session store, knowledge index,
// and generation driver into a single cancellable event stream per user
// message.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/convo-dev/convo/pkg/driver"
	"github.com/convo-dev/convo/pkg/knowledge"
	"github.com/convo-dev/convo/pkg/llms"
	"github.com/convo-dev/convo/pkg/session"
)

// ErrSessionBusy rejects a concurrent respond call for a session that
// already has one in flight. The caller may retry once the active stream
// ends.
var ErrSessionBusy = errors.New("session busy")

// ErrEmptyMessage rejects a respond call with no user content.
var ErrEmptyMessage = errors.New("message must not be empty")

// StreamEventType tags a stream event.
type StreamEventType string

const (
	EventChunk            StreamEventType = "chunk"
	EventToolCallStarted  StreamEventType = "tool_call_started"
	EventToolCallFinished StreamEventType = "tool_call_finished"
	EventDone             StreamEventType = "done"
	EventError            StreamEventType = "error"
)

// StreamEvent is the unit delivered to the caller. The sequence for one
// respond call is finite and ends with exactly one done or error event,
// unless the caller cancels first.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Config configures an Orchestrator.
type Config struct {
	// SystemPrompt is prepended to every generation context.
	SystemPrompt string

	// RetrievalTopK is how many knowledge passages to retrieve per message.
	// Zero disables augmentation even when an index is wired.
	RetrievalTopK int

	// ContextTokenBudget caps the assembled prompt; oldest history is
	// trimmed first. Zero means DefaultContextTokenBudget.
	ContextTokenBudget int
}

// DefaultContextTokenBudget bounds the assembled prompt context.
const DefaultContextTokenBudget = 8000

var (
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convo_active_streams",
		Help: "Respond calls currently streaming.",
	})

	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_responses_total",
		Help: "Completed respond calls by outcome.",
	}, []string{"outcome"})
)

// Orchestrator owns the respond pipeline. Safe for concurrent use across
// sessions; per session, at most one respond call is active at a time.
type Orchestrator struct {
	store  session.Store
	index  knowledge.Index
	driver *driver.Driver
	cfg    Config

	counter *tokenCounter

	mu     sync.Mutex
	active map[string]struct{}
}

func New(store session.Store, index knowledge.Index, d *driver.Driver, cfg Config) *Orchestrator {
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = DefaultContextTokenBudget
	}
	return &Orchestrator{
		store:   store,
		index:   index,
		driver:  d,
		cfg:     cfg,
		counter: newTokenCounter(),
		active:  make(map[string]struct{}),
	}
}

// Respond appends the user turn, then returns the lazy event sequence for
// the generated reply. The sequence is consumed once and is not
// restartable. Validation and the busy check happen before any mutation,
// except that the user turn is always appended before generation starts
// so history reflects the request even if generation fails.
func (o *Orchestrator) Respond(ctx context.Context, sessionID, message string) (iter.Seq[StreamEvent], error) {
	if err := session.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	if !o.acquire(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}

	if err := o.store.Append(sessionID, session.Turn{Role: session.RoleUser, Content: message}); err != nil {
		o.release(sessionID)
		return nil, err
	}

	return o.stream(ctx, sessionID, message), nil
}

func (o *Orchestrator) stream(ctx context.Context, sessionID, message string) iter.Seq[StreamEvent] {
	return func(yield func(StreamEvent) bool) {
		activeStreams.Inc()
		defer activeStreams.Dec()
		defer o.release(sessionID)

		finalized := false
		finalize := func() {
			if finalized {
				return
			}
			finalized = true
			if err := o.store.FinalizeAssistantTurn(sessionID); err != nil {
				slog.Warn("Failed to finalize assistant turn", "session", sessionID, "error", err)
			}
		}
		// Abandoned or cancelled streams still leave a consistent history.
		defer finalize()

		passages := o.retrieve(ctx, message)
		messages := o.assembleContext(sessionID, message, passages)

		if err := o.store.BeginAssistantTurn(sessionID); err != nil {
			finalized = true
			responsesTotal.WithLabelValues("error").Inc()
			yield(StreamEvent{Type: EventError, Error: err.Error()})
			return
		}

		for event, err := range o.driver.Run(ctx, messages) {
			if ctx.Err() != nil {
				responsesTotal.WithLabelValues("cancelled").Inc()
				return
			}
			if err != nil {
				finalize()
				responsesTotal.WithLabelValues("error").Inc()
				yield(StreamEvent{Type: EventError, Error: err.Error()})
				return
			}

			switch event.Type {
			case driver.EventText:
				if err := o.store.AppendChunk(sessionID, event.Text); err != nil {
					slog.Warn("Failed to append chunk", "session", sessionID, "error", err)
				}
				if !yield(StreamEvent{Type: EventChunk, Text: event.Text}) {
					responsesTotal.WithLabelValues("cancelled").Inc()
					return
				}
			case driver.EventToolCall:
				if !yield(StreamEvent{Type: EventToolCallStarted, ToolName: event.ToolCall.Name}) {
					responsesTotal.WithLabelValues("cancelled").Inc()
					return
				}
			case driver.EventToolResult:
				o.appendToolTurn(sessionID, event)
				if !yield(StreamEvent{Type: EventToolCallFinished, ToolName: event.ToolCall.Name}) {
					responsesTotal.WithLabelValues("cancelled").Inc()
					return
				}
			case driver.EventDone:
				finalize()
				responsesTotal.WithLabelValues("done").Inc()
				yield(StreamEvent{Type: EventDone})
				return
			}
		}

		// The driver ended without a terminal event: the context was
		// cancelled mid-generation.
		responsesTotal.WithLabelValues("cancelled").Inc()
	}
}

// retrieve queries the knowledge index; an unavailable index degrades to
// no augmentation instead of failing the response.
func (o *Orchestrator) retrieve(ctx context.Context, message string) []knowledge.Passage {
	if o.index == nil || o.cfg.RetrievalTopK <= 0 {
		return nil
	}

	passages, err := o.index.Retrieve(ctx, message, o.cfg.RetrievalTopK)
	if err != nil {
		slog.Warn("Knowledge retrieval unavailable, continuing without augmentation", "error", err)
		return nil
	}
	return passages
}

// assembleContext builds the prompt: system instructions, retrieved
// passages, then session history trimmed to the token budget.
func (o *Orchestrator) assembleContext(sessionID, message string, passages []knowledge.Passage) []llms.Message {
	var messages []llms.Message

	if o.cfg.SystemPrompt != "" {
		messages = append(messages, llms.Message{Role: "system", Content: o.cfg.SystemPrompt})
	}

	if len(passages) > 0 {
		var b strings.Builder
		b.WriteString("Relevant knowledge-base passages:\n")
		for _, passage := range passages {
			b.WriteString("- ")
			b.WriteString(passage.Text)
			b.WriteString("\n")
		}
		messages = append(messages, llms.Message{Role: "system", Content: b.String()})
	}

	history, err := o.store.History(sessionID)
	if err != nil {
		slog.Warn("Failed to read history for context assembly", "session", sessionID, "error", err)
		return append(messages, llms.Message{Role: "user", Content: message})
	}

	budget := o.cfg.ContextTokenBudget
	for _, msg := range messages {
		budget -= o.counter.Count(msg.Content)
	}

	messages = append(messages, o.trimHistory(history, budget)...)
	return messages
}

// trimHistory converts session turns to prompt messages, dropping the
// oldest turns first when the budget is exceeded. The latest user turn is
// always kept.
func (o *Orchestrator) trimHistory(history []session.Turn, budget int) []llms.Message {
	converted := make([]llms.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case session.RoleUser:
			converted = append(converted, llms.Message{Role: "user", Content: turn.Content})
		case session.RoleAssistant:
			converted = append(converted, llms.Message{Role: "assistant", Content: turn.Content})
		case session.RoleTool:
			// Historical tool output is replayed as system context; the
			// call/result pairing only exists within a live driver run.
			converted = append(converted, llms.Message{Role: "system", Content: "Earlier tool result: " + turn.Content})
		case session.RoleSystem:
			converted = append(converted, llms.Message{Role: "system", Content: turn.Content})
		}
	}

	if len(converted) == 0 {
		return converted
	}

	total := 0
	counts := make([]int, len(converted))
	for i, msg := range converted {
		counts[i] = o.counter.Count(msg.Content)
		total += counts[i]
	}

	start := 0
	for total > budget && start < len(converted)-1 {
		total -= counts[start]
		start++
	}
	if start > 0 {
		slog.Debug("Trimmed history to fit context budget", "dropped_turns", start)
	}
	return converted[start:]
}

func (o *Orchestrator) appendToolTurn(sessionID string, event *driver.Event) {
	content := event.ToolResult.Output
	if !event.ToolResult.Success {
		content = fmt.Sprintf("Tool %s failed: %s", event.ToolCall.Name, event.ToolResult.Error)
	}
	err := o.store.Append(sessionID, session.Turn{Role: session.RoleTool, Content: content})
	if err != nil {
		slog.Warn("Failed to append tool turn", "session", sessionID, "error", err)
	}
}

func (o *Orchestrator) acquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[sessionID]; busy {
		return false
	}
	o.active[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, sessionID)
}
