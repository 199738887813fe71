package tool

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcore/errs"
	"github.com/hupe1980/agentcore/internal/util"
)

// Definition is what a node's tools entry resolves to: the schema surfaced
// to the LLM when composing a request (§4.2/§6).
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Handler is the implementation a Definition dispatches to: a plain context
// plus validated arguments, the same shape Tool.Call takes, so any Tool
// registers straight in via RegisterTool with no adapter in between.
// set_output is never registered as a Handler: the event-loop runtime
// intercepts it before dispatch (§4.2).
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Dispatcher is the contract the event-loop runtime calls through (§6).
// A remote MCP-style dispatcher satisfying this interface is a drop-in
// replacement for Registry.
type Dispatcher interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
	List() []Definition
	Resolves(name string) bool
}

type registration struct {
	Definition
	Handler Handler
}

// Registry is the bundled in-process Dispatcher implementation, grounded on
// Tool/FunctionTool's Name/Description/Parameters/Call shape.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]registration{}}
}

// Register adds a tool definition and its handler. Returns an error if the
// name is already registered.
func (r *Registry) Register(def Definition, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return errs.Newf(errs.ToolUnavailable, "tool %q already registered", def.Name)
	}
	r.entries[def.Name] = registration{Definition: def, Handler: h}
	return nil
}

// RegisterTool adapts a Tool into the Registry, dispatching through its
// Call method directly: Tool and Handler share the same context-plus-args
// shape, so no translation layer sits between Invoke and a registered Tool.
func (r *Registry) RegisterTool(t Tool) error {
	return r.Register(Definition{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}, t.Call)
}

func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.ToolUnavailable, "tool %q is not registered", name)
	}
	if reg.Parameters != nil {
		if err := util.ValidateParameters(args, reg.Parameters); err != nil {
			return nil, errs.Wrap(errs.ToolUnavailable, "validating arguments for tool "+name, err)
		}
	}
	result, err := reg.Handler(ctx, args)
	if err != nil {
		return nil, &ToolError{Tool: name, Message: err.Error(), Code: "execution_error"}
	}
	return result, nil
}

func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.Definition)
	}
	return out
}

func (r *Registry) Resolves(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}
