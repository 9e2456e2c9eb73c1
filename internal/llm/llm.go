// Package llm defines the streaming model interface the agent runtime drives.
// Concrete providers live in llm/providers; the factory there reads the
// runtime configuration snapshot at call time so pre-run overrides from the
// WebSocket control channel are observed.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one turn of a model conversation.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string

	// Content is the textual content of the message.
	Content string

	// ToolCalls carries tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolResults carries results being returned for earlier tool calls.
	ToolResults []ToolResult
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of one executed tool call.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature float64
}

// Chunk is one streamed piece of a completion. Exactly one of Text, ToolCall,
// Done, or Err is meaningful per chunk; Done chunks may carry token usage.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Done     bool
	Err      error

	InputTokens  int
	OutputTokens int
}

// Provider is a streaming chat model handle.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Complete streams a completion. The returned channel is closed when the
	// stream ends; errors are delivered as Chunk.Err.
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// CompleteOnce performs a non-streaming single-shot completion with the
	// same messages. Used as the fallback when streaming fails mid-run.
	CompleteOnce(ctx context.Context, req *Request) (string, error)
}
