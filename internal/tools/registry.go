package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Tool outcomes reported to the registry observer.
const (
	OutcomeOK      = "ok"
	OutcomeUnknown = "unknown"
	OutcomeError   = "error"
)

// UnregisteredTool is the observer label for every name missing from the
// registry, so caller-supplied names never become label values.
const UnregisteredTool = "unregistered"

// Tool is a local capability a model may call mid-stream.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema object
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Definition is the provider-neutral description of a tool sent upstream.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Observer is notified after every invocation.
type Observer func(tool, outcome string)

// Registry is the fixed dispatch table of tools.
type Registry struct {
	tools    map[string]Tool
	mu       sync.RWMutex
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver installs a callback invoked after each tool invocation.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Invoke runs the named tool and always returns a string. Unknown tools
// resolve to a "not implemented" placeholder and tool failures to a
// failure notice, so the caller can continue the conversation either way.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) string {
	t, ok := r.Get(name)
	if !ok {
		slog.Warn("tool not implemented", slog.String("tool", name))
		r.observe(UnregisteredTool, OutcomeUnknown)
		return NotImplemented(name)
	}

	result, err := t.Execute(ctx, args)
	if err != nil {
		slog.Error("tool execution failed", slog.String("tool", name), slog.Any("err", err))
		r.observe(name, OutcomeError)
		return fmt.Sprintf("Function '%s' failed: %v", name, err)
	}

	r.observe(name, OutcomeOK)
	return result
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// List returns all tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NotImplemented is the placeholder result for an unknown tool name.
func NotImplemented(name string) string {
	return fmt.Sprintf("Function '%s' is not implemented.", name)
}

func (r *Registry) observe(name, outcome string) {
	if r.observer != nil {
		r.observer(name, outcome)
	}
}

func getString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
