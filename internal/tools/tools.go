// Package tools defines the tools available to the agent and the
// registry that resolves and invokes them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
)

// Result is the outcome of one tool invocation. It is always produced,
// including for unknown tools and unavailable servers, and is what the
// model sees as the tool's answer.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Success wraps output in a successful result.
func Success(output any) Result {
	return Result{Success: true, Output: output}
}

// Failure builds a failed result with a formatted message.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// String renders the result as the JSON document sent back to the model.
func (r Result) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Output held something json cannot encode.
		data, _ = json.Marshal(Result{Success: r.Success, Output: fmt.Sprint(r.Output), Error: r.Error})
	}
	return string(data)
}

// Invoker is the thing a tool name resolves to: a local handler or a
// tool hosted by an MCP server session.
type Invoker interface {
	Invoke(ctx context.Context, args map[string]any) Result
}

// HandlerFunc adapts a plain function to [Invoker]. A returned error
// becomes a failed result and a panic is recovered into one.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke implements Invoker.
func (f HandlerFunc) Invoke(ctx context.Context, args map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool handler panicked", "panic", r, "stack", string(debug.Stack()))
			res = Failure("tool panicked: %v", r)
		}
	}()

	out, err := f(ctx, args)
	if err != nil {
		return Failure("%s", err.Error())
	}
	return Success(out)
}

// Tool describes a callable tool.
type Tool struct {
	// Name is unique within a registry. MCP tools use the qualified
	// form mcp__<server>__<tool>.
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Target      Invoker        `json:"-"`
}

// Stopper is a resource the registry owns and releases on Shutdown,
// such as an MCP server session.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Registry holds available tools in one flat namespace.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	stoppers []Stopper
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names must be unique and a target is required.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Target == nil {
		return fmt.Errorf("tool %s has no target", t.Name)
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return &DuplicateToolError{ToolName: t.Name}
	}
	r.tools[t.Name] = t
	return nil
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{ToolName: name}
	}
	return t, nil
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	t, _ := r.Resolve(name)
	return t
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke resolves name and runs the tool. It never returns an error:
// every failure, including an unknown name, is reported in the Result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	t, err := r.Resolve(name)
	if err != nil {
		return Failure("%s", err.Error())
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.Target.Invoke(ctx, args)
}

// AddStopper hands ownership of s to the registry.
func (r *Registry) AddStopper(s Stopper) {
	r.mu.Lock()
	r.stoppers = append(r.stoppers, s)
	r.mu.Unlock()
}

// Shutdown stops every owned resource, in reverse order of addition.
// A failure to stop one does not prevent stopping the rest; all
// failures are joined into the returned error.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	stoppers := r.stoppers
	r.stoppers = nil
	r.mu.Unlock()

	var errs []error
	for i := len(stoppers) - 1; i >= 0; i-- {
		if err := stoppers[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
