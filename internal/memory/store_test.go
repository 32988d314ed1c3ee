package memory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/hal-agent/internal/llm"
)

// storeFactories runs each test against every Store implementation.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemStore() },
		"sqlite": func() Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "hal.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s
		},
	}
}

func transcript() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleUser, Content: "list the workspace"},
		{
			Role:     llm.RoleAssistant,
			Content:  "Looking.",
			Thinking: "need list_directory",
			ThinkingBlocks: []llm.ThinkingBlock{
				{Thinking: "need list_directory", Signature: "sig"},
				{Redacted: true, Data: "opaque"},
			},
			ToolCalls: []llm.ToolCall{{
				ID:       "call_1",
				Function: llm.FunctionCall{Name: "mcp__fs__list_directory", Arguments: map[string]any{"path": "."}},
			}},
		},
		{Role: llm.RoleTool, ToolCallID: "call_1", Content: `{"success":false,"error":"server unavailable"}`, IsError: true},
		{Role: llm.RoleAssistant, Content: "The filesystem server is down."},
	}
}

func TestStore_MessagesRoundTrip(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			want := transcript()
			for _, m := range want {
				if err := s.AddMessage("conv-1", m); err != nil {
					t.Fatalf("AddMessage: %v", err)
				}
			}
			if err := s.AddMessage("conv-2", llm.Message{Role: llm.RoleUser, Content: "other"}); err != nil {
				t.Fatalf("AddMessage: %v", err)
			}

			got, err := s.GetMessages("conv-1")
			if err != nil {
				t.Fatalf("GetMessages: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("GetMessages mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_UnknownConversation(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			got, err := s.GetMessages("nope")
			if err != nil {
				t.Fatalf("GetMessages: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Errorf("GetMessages(unknown) = %#v, want empty slice", got)
			}
		})
	}
}

func TestStore_ToolCalls(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			start := time.Now().Add(-time.Second)
			calls := []ToolCall{
				{ConversationID: "c", CallID: "call_1", ToolName: "shell", Arguments: `{"command":"ls"}`, Result: "ok", StartedAt: start, DurationMs: 12},
				{ConversationID: "c", CallID: "call_2", ToolName: "mcp__fs__read_file", Arguments: `{}`, Error: "unknown tool", StartedAt: start.Add(time.Millisecond), DurationMs: 1},
			}
			for _, tc := range calls {
				if err := s.RecordToolCall(tc); err != nil {
					t.Fatalf("RecordToolCall: %v", err)
				}
			}

			got, err := s.GetToolCalls("c")
			if err != nil {
				t.Fatalf("GetToolCalls: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("GetToolCalls = %d, want 2", len(got))
			}
			if got[0].CallID != "call_1" || got[0].Result != "ok" || got[0].DurationMs != 12 {
				t.Errorf("got[0] = %+v", got[0])
			}
			if got[1].ToolName != "mcp__fs__read_file" || got[1].Error != "unknown tool" {
				t.Errorf("got[1] = %+v", got[1])
			}
			if !got[0].StartedAt.Equal(start) {
				t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, start)
			}
		})
	}
}

func TestStore_ListConversations(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			_ = s.AddMessage("old", llm.Message{Role: llm.RoleUser, Content: "a"})
			time.Sleep(5 * time.Millisecond)
			_ = s.AddMessage("new", llm.Message{Role: llm.RoleUser, Content: "b"})
			_ = s.AddMessage("new", llm.Message{Role: llm.RoleAssistant, Content: "c"})

			convs, err := s.ListConversations()
			if err != nil {
				t.Fatalf("ListConversations: %v", err)
			}
			if len(convs) != 2 {
				t.Fatalf("ListConversations = %d, want 2", len(convs))
			}
			if convs[0].ID != "new" || convs[0].MessageCount != 2 {
				t.Errorf("convs[0] = %+v, want new with 2 messages", convs[0])
			}
			if convs[1].ID != "old" || convs[1].MessageCount != 1 {
				t.Errorf("convs[1] = %+v", convs[1])
			}
		})
	}
}

func TestSQLiteStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hal.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.AddMessage("conv", llm.Message{Role: llm.RoleUser, Content: "remember me"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.GetMessages("conv")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 1 || got[0].Content != "remember me" {
		t.Errorf("GetMessages after reopen = %+v", got)
	}
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	s := NewMemStore()
	_ = s.AddMessage("c", llm.Message{Role: llm.RoleUser, Content: "original"})

	got, _ := s.GetMessages("c")
	got[0].Content = "mutated"

	again, _ := s.GetMessages("c")
	if again[0].Content != "original" {
		t.Error("GetMessages must not expose internal storage")
	}
}
