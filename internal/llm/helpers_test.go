package llm

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// recordingServer answers every request with a canned status and body
// and keeps the decoded request bodies for inspection.
type recordingServer struct {
	*httptest.Server

	mu       sync.Mutex
	paths    []string
	requests []map[string]any
}

func newRecordingServer(t *testing.T, status int, body string) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(raw, &req)

		rs.mu.Lock()
		rs.paths = append(rs.paths, r.URL.Path)
		rs.requests = append(rs.requests, req)
		rs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) lastRequest(t *testing.T) map[string]any {
	t.Helper()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.requests) == 0 {
		t.Fatal("server saw no requests")
	}
	return rs.requests[len(rs.requests)-1]
}

func (rs *recordingServer) lastPath() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.paths) == 0 {
		return ""
	}
	return rs.paths[len(rs.paths)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// toolConversation is a user turn, an assistant tool request with two
// calls, and both results.
func toolConversation() []Message {
	return []Message{
		{Role: RoleUser, Content: "What is in notes.txt?"},
		{
			Role:    RoleAssistant,
			Content: "Let me look.",
			ToolCalls: []ToolCall{
				{ID: "call_1", Function: FunctionCall{Name: "mcp__fs__read_file", Arguments: map[string]any{"path": "notes.txt"}}},
				{ID: "call_2", Function: FunctionCall{Name: "mcp__fs__list_directory"}},
			},
		},
		{Role: RoleTool, ToolCallID: "call_1", Content: `{"success":true,"output":"hello"}`},
		{Role: RoleTool, ToolCallID: "call_2", Content: `{"success":false,"error":"server unavailable"}`, IsError: true},
	}
}

func sampleTools() []ToolSpec {
	return []ToolSpec{{
		Name:        "mcp__fs__read_file",
		Description: "Read a file",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required":             []any{"path"},
			"additionalProperties": false,
		},
	}}
}
