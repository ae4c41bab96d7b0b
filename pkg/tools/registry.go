package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultInvokeTimeout bounds a single tool invocation unless the registry
// is configured otherwise.
const DefaultInvokeTimeout = 30 * time.Second

var (
	toolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_tool_invocations_total",
		Help: "Tool invocations by tool name and outcome.",
	}, []string{"tool", "outcome"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "convo_tool_duration_seconds",
		Help:    "Tool invocation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
)

type registryEntry struct {
	tool     Tool
	info     ToolInfo
	disabled bool
}

// Registry holds the tools the generation loop may delegate to. Tools are
// listed in registration order; a tool whose backend proves unreachable is
// disabled for the remainder of the process.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*registryEntry
	sources []ToolSource
	timeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithInvokeTimeout overrides the per-invocation timeout.
func WithInvokeTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*registryEntry),
		timeout: DefaultInvokeTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool under its declared name. Names must be unique.
func (r *Registry) Register(tool Tool) error {
	info := tool.Info()
	if info.Name == "" {
		return fmt.Errorf("tool has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[info.Name]; exists {
		return fmt.Errorf("tool %q already registered", info.Name)
	}

	r.entries[info.Name] = &registryEntry{tool: tool, info: info}
	r.order = append(r.order, info.Name)

	slog.Debug("Registered tool", "tool", info.Name)
	return nil
}

// RegisterSource connects an external tool source and registers every tool
// it advertises.
func (r *Registry) RegisterSource(ctx context.Context, source ToolSource) error {
	if err := source.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect tool source %q: %w", source.Name(), err)
	}

	for _, tool := range source.Tools() {
		if err := r.Register(tool); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.sources = append(r.sources, source)
	r.mu.Unlock()

	return nil
}

// List returns the enabled tools in registration order.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		entry := r.entries[name]
		if entry.disabled {
			continue
		}
		infos = append(infos, entry.info)
	}
	return infos
}

// Get returns the info for a single enabled tool.
func (r *Registry) Get(name string) (ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return ToolInfo{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	if entry.disabled {
		return ToolInfo{}, fmt.Errorf("%w: %q", ErrToolDisabled, name)
	}
	return entry.info, nil
}

// Invoke validates args against the tool's schema, then executes the tool
// under the registry timeout. Validation failures never reach the tool.
// The returned error, when non-nil, wraps one of the package sentinels.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (ToolResult, error) {
	requestID := "convo-" + uuid.NewString()

	r.mu.RLock()
	entry, ok := r.entries[name]
	var disabled bool
	var info ToolInfo
	var tool Tool
	if ok {
		disabled = entry.disabled
		info = entry.info
		tool = entry.tool
	}
	r.mu.RUnlock()

	result := ToolResult{RequestID: requestID, ToolName: name}

	if !ok {
		toolInvocations.WithLabelValues(name, "not_found").Inc()
		err := fmt.Errorf("%w: %q", ErrToolNotFound, name)
		result.Error = err.Error()
		return result, err
	}
	if disabled {
		toolInvocations.WithLabelValues(name, "disabled").Inc()
		err := fmt.Errorf("%w: %q", ErrToolDisabled, name)
		result.Error = err.Error()
		return result, err
	}

	if err := validateArguments(info, args); err != nil {
		toolInvocations.WithLabelValues(name, "invalid_arguments").Inc()
		result.Error = err.Error()
		return result, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	execResult, err := tool.Execute(execCtx, args)
	elapsed := time.Since(start)
	toolDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	execResult.RequestID = requestID
	execResult.ToolName = name
	execResult.Duration = elapsed

	if err != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			toolInvocations.WithLabelValues(name, "timeout").Inc()
			err = fmt.Errorf("%w: %q after %v", ErrToolTimeout, name, r.timeout)
		case errors.Is(err, ErrToolUnreachable):
			toolInvocations.WithLabelValues(name, "unreachable").Inc()
			r.disable(name)
			slog.Warn("Tool backend unreachable, disabling tool", "tool", name, "error", err)
		default:
			toolInvocations.WithLabelValues(name, "error").Inc()
		}
		execResult.Success = false
		if execResult.Error == "" {
			execResult.Error = err.Error()
		}
		return execResult, err
	}

	if execResult.Success {
		toolInvocations.WithLabelValues(name, "success").Inc()
	} else {
		toolInvocations.WithLabelValues(name, "tool_error").Inc()
	}
	return execResult, nil
}

func (r *Registry) disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[name]; ok {
		entry.disabled = true
	}
}

// Close shuts down all connected tool sources.
func (r *Registry) Close() error {
	r.mu.Lock()
	sources := r.sources
	r.sources = nil
	r.mu.Unlock()

	var errs []error
	for _, source := range sources {
		if err := source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tool source %q: %w", source.Name(), err))
		}
	}
	return errors.Join(errs...)
}
