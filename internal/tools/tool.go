// Package tools implements the worker tool catalog: filesystem access,
// shell execution, search, patching, web retrieval, and a scratch SQLite
// surface. Every tool takes JSON arguments and produces one string result;
// errors are returned in-band so the model can read and recover from them.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"codeswarm/internal/jsonx"
	"codeswarm/internal/llm"
	"codeswarm/internal/logging"
)

// Call is a single tool invocation, decoded from a model tool call.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is a tool's outcome. Err is carried alongside Content rather than
// aborting the loop; the worker renders it into the transcript.
type Result struct {
	CallID   string
	Content  string
	Err      error
	Metadata map[string]any
}

// MetaArtifact keys the produced-file relative path in Result.Metadata.
const MetaArtifact = "artifact"

// Tool is one executable capability exposed to workers.
type Tool interface {
	Execute(ctx context.Context, call Call) (*Result, error)
	Definition() llm.ToolDefinition
}

// Registry holds the tool catalog for one worker.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{tools: make(map[string]Tool), logger: logging.OrNop(logger)}
}

// Register adds a tool, replacing any prior tool of the same name.
func (r *Registry) Register(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the catalog in registration order, for the LLM
// request's tools field.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Invoke parses rawArgs (salvaging malformed JSON) and executes the named
// tool. Unknown tools and argument failures come back as in-band errors.
func (r *Registry) Invoke(ctx context.Context, callID, name, rawArgs string) *Result {
	tool, ok := r.Get(name)
	if !ok {
		known := r.Names()
		sort.Strings(known)
		return &Result{
			CallID: callID,
			Err:    fmt.Errorf("unknown tool %q (available: %v)", name, known),
		}
	}

	args := map[string]any{}
	if rawArgs != "" {
		if !jsonx.SalvageInto(rawArgs, &args) {
			return &Result{
				CallID: callID,
				Err:    fmt.Errorf("arguments for %s are not valid JSON: %s", name, rawArgs),
			}
		}
	}

	res, err := tool.Execute(ctx, Call{ID: callID, Name: name, Args: args})
	if err != nil {
		// Tools report user-visible failures via Result.Err; an error
		// returned here is an infrastructure fault.
		r.logger.Error("tool %s infrastructure failure: %v", name, err)
		return &Result{CallID: callID, Err: err}
	}
	if res.CallID == "" {
		res.CallID = callID
	}
	return res
}

// Rendered returns the string the worker feeds back to the model.
func (res *Result) Rendered() string {
	if res.Err != nil {
		return "Error: " + res.Err.Error()
	}
	return res.Content
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing %q argument", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%q must be a non-empty string", key)
	}
	return s, nil
}

// optionalStringArg extracts an optional string argument.
func optionalStringArg(args map[string]any, key, fallback string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// intArg extracts an optional integer (JSON numbers arrive as float64).
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
