// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote model API (OpenAI, or any backend reachable through
// any-llm-go) and exposes a single request/response completion call with tool
// calling. The dialogue orchestrator never streams tokens: a phone turn is
// spoken as a whole once the model has answered, so one round-trip per step of
// the tool loop is all that is needed.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry of a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant or RoleTool.
	Role string

	// Content is the text content. For assistant messages this is what gets
	// spoken to the caller; it may be empty when the reply only carries tool
	// calls.
	Content string

	// ToolCalls lists the tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the ToolCall it answers.
	ToolCallID string
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier echoed back in the tool result.
	ID string

	// Name is the tool name as declared in [ToolDefinition.Name].
	Name string

	// Arguments is the raw JSON object produced by the model.
	Arguments string
}

// ToolDefinition declares a tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation window, system message first.
	Messages []Message

	// Tools is the set of tools offered to the model.
	Tools []ToolDefinition

	// ToolChoice pins a specific tool by name. Empty leaves the decision to the
	// model. Backends that cannot force a named tool restrict Tools to the
	// pinned one instead.
	ToolChoice string

	// Temperature in the range [0.0, 2.0]. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply to a [CompletionRequest].
type CompletionResponse struct {
	// Content is the text of the reply. Empty when the model answered only with
	// tool calls.
	Content string

	// ToolCalls lists the requested tool invocations in model order.
	ToolCalls []ToolCall

	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	// It returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
