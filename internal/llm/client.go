package llm

import (
	"context"
	"fmt"
)

// Roles understood by the completion provider
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Client defines the interface for completion providers
type Client interface {
	Chat(ctx context.Context, request *ChatRequest) (*ChatResponse, error)
	// ChatStream streams a completion, calling onDelta for every text chunk.
	// Returning an error from onDelta stops the stream.
	ChatStream(ctx context.Context, request *ChatRequest, onDelta func(string) error) (*StreamResult, error)
}

// ChatRequest represents a chat completion request
type ChatRequest struct {
	Model          string
	Messages       []Message
	Tools          []ToolDefinition
	Temperature    float64
	MaxTokens      int
	TopP           float64
	SystemPrompt   string
	EnableThinking bool
	ThinkingBudget int
}

// Message represents a chat message
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // opaque JSON text
}

// ToolDefinition defines a tool for the model
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Reply is the shape of a non-streaming completion. It is one of
// TextReply, ToolCallsReply or UnexpectedReply.
type Reply interface {
	isReply()
}

// TextReply carries a final answer
type TextReply struct {
	Content string
}

// ToolCallsReply carries the tool invocations the model wants performed
type ToolCallsReply struct {
	Content string
	Calls   []ToolCall
}

// UnexpectedReply covers every other response shape
type UnexpectedReply struct {
	Reason string
}

func (TextReply) isReply()       {}
func (ToolCallsReply) isReply()  {}
func (UnexpectedReply) isReply() {}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	Reply Reply
	Model string
	Usage TokenUsage
}

// StreamResult is what remains after a stream has been fully consumed
type StreamResult struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Total returns the total token count, deriving it when the provider
// only reported the parts.
func (u TokenUsage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// ProviderError is returned when the provider answers with a non-success status
// or cannot be reached.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
