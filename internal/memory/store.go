// Package memory stores conversation transcripts so a session can be
// resumed and tool activity inspected later.
package memory

import (
	"slices"
	"sync"
	"time"

	"github.com/nugget/hal-agent/internal/llm"
)

// Store persists conversation turns and tool activity.
type Store interface {
	// AddMessage appends one turn to a conversation, creating the
	// conversation on first use.
	AddMessage(conversationID string, msg llm.Message) error

	// GetMessages returns a conversation's turns in append order. An
	// unknown conversation yields an empty slice.
	GetMessages(conversationID string) ([]llm.Message, error)

	// RecordToolCall stores one completed tool invocation.
	RecordToolCall(tc ToolCall) error

	// GetToolCalls returns a conversation's tool invocations, oldest first.
	GetToolCalls(conversationID string) ([]ToolCall, error)

	// ListConversations returns all conversations, most recently
	// updated first.
	ListConversations() ([]Conversation, error)

	Close() error
}

// Conversation summarizes a stored conversation.
type Conversation struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// ToolCall is a recorded tool invocation.
type ToolCall struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CallID         string    `json:"call_id"` // Provider-assigned tool call ID
	ToolName       string    `json:"tool_name"`
	Arguments      string    `json:"arguments"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	DurationMs     int64     `json:"duration_ms"`
}

type conversation struct {
	Conversation
	messages []llm.Message
	calls    []ToolCall
}

// MemStore is an in-memory Store. Nothing survives the process.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{conversations: make(map[string]*conversation)}
}

func (s *MemStore) getOrCreate(id string) *conversation {
	conv, ok := s.conversations[id]
	if !ok {
		now := time.Now()
		conv = &conversation{Conversation: Conversation{ID: id, CreatedAt: now, UpdatedAt: now}}
		s.conversations[id] = conv
	}
	return conv
}

// AddMessage adds a message to a conversation.
func (s *MemStore) AddMessage(conversationID string, msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(conversationID)
	conv.messages = append(conv.messages, msg)
	conv.MessageCount = len(conv.messages)
	conv.UpdatedAt = time.Now()
	return nil
}

// GetMessages returns a copy of the conversation's messages.
func (s *MemStore) GetMessages(conversationID string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return []llm.Message{}, nil
	}
	return slices.Clone(conv.messages), nil
}

// RecordToolCall records a tool call execution.
func (s *MemStore) RecordToolCall(tc ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(tc.ConversationID)
	conv.calls = append(conv.calls, tc)
	return nil
}

// GetToolCalls returns a copy of the conversation's tool calls.
func (s *MemStore) GetToolCalls(conversationID string) ([]ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(conv.calls), nil
}

// ListConversations returns conversation summaries, newest first.
func (s *MemStore) ListConversations() ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.Conversation)
	}
	slices.SortFunc(out, func(a, b Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
