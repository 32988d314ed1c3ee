// Package llm provides the model API boundary and its provider
// implementations.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Conversation roles. The system prompt travels on ChatRequest, not as
// a message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	IsError    bool       `json:"is_error,omitempty"`

	// Thinking is the reasoning text for display. ThinkingBlocks keeps
	// each block as received: Anthropic requires them sent back
	// verbatim, signatures included, when the same turn requested tools.
	Thinking       string          `json:"thinking,omitempty"`
	ThinkingBlocks []ThinkingBlock `json:"thinking_blocks,omitempty"`
}

// ThinkingBlock is one extended thinking block. A redacted block has no
// readable text, only the opaque Data the provider issued.
type ThinkingBlock struct {
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
	Data      string `json:"data,omitempty"`
}

// FunctionCall names a tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall is a tool request from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned, echoed on the tool result
	Function FunctionCall `json:"function"`
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is one model call.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSpec

	// MaxTokens caps the response. Zero means DefaultMaxTokens.
	MaxTokens int

	// ThinkingBudget enables extended thinking where the provider
	// supports it. Zero disables it.
	ThinkingBudget int
}

// DefaultMaxTokens is used when a request leaves MaxTokens unset.
const DefaultMaxTokens = 8192

func (r *ChatRequest) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at the provider boundary.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
}
