// Package llm speaks the OpenAI-compatible chat completions API: a plain
// HTTP client, an SSE streaming variant, and a retrying wrapper that
// integrates the rate limiter and token accountant.
package llm

import (
	"context"

	"codeswarm/internal/token"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a conversation transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments is the raw JSON
// string as produced by the model; callers salvage it if malformed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool in the function-calling schema.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a single chat completion call.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Response is the aggregated result of a completion, streamed or not.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        token.Usage
}

// StreamCallbacks receives incremental output while a stream is in flight.
type StreamCallbacks struct {
	// OnContentDelta is invoked for each non-empty content fragment.
	OnContentDelta func(delta string)
}

// ChatClient is the transport contract the rest of the system depends on.
type ChatClient interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error)
	Model() string
}
