package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
)

const openAIToolCallResponse = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4.1",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "logprobs": null,
    "message": {
      "role": "assistant",
      "content": "Checking.",
      "refusal": null,
      "tool_calls": [
        {"id": "call_a", "type": "function", "function": {"name": "mcp__fs__read_file", "arguments": "{\"path\":\"notes.txt\"}"}},
        {"id": "call_b", "type": "function", "function": {"name": "shell", "arguments": "not json"}}
      ]
    }
  }],
  "usage": {"prompt_tokens": 50, "completion_tokens": 12, "total_tokens": 62}
}`

func newTestOpenAI(srv *recordingServer) *OpenAIClient {
	return NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/v1/",
		Logger:  discardLogger(),
	})
}

func TestOpenAIChat_ParsesResponse(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK, openAIToolCallResponse)
	client := newTestOpenAI(srv)

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-4.1",
		Messages: []Message{{Role: RoleUser, Content: "read notes.txt"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if !strings.HasSuffix(srv.lastPath(), "/chat/completions") {
		t.Errorf("path = %q", srv.lastPath())
	}
	if resp.Model != "gpt-4.1" || resp.StopReason != "tool_calls" {
		t.Errorf("model/stop = %q/%q", resp.Model, resp.StopReason)
	}
	if resp.InputTokens != 50 || resp.OutputTokens != 12 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Message.Content != "Checking." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %d, want 2", len(resp.Message.ToolCalls))
	}
	if got := resp.Message.ToolCalls[0]; got.ID != "call_a" || got.Function.Arguments["path"] != "notes.txt" {
		t.Errorf("ToolCalls[0] = %+v", got)
	}
	if got := resp.Message.ToolCalls[1].Function.Arguments["_raw"]; got != "not json" {
		t.Errorf("undecodable arguments should be kept raw, got %v", got)
	}
}

func TestOpenAIChat_RequestShape(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK, openAIToolCallResponse)
	client := newTestOpenAI(srv)

	_, err := client.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-4.1",
		System:   "Your name is HAL.",
		Messages: toolConversation(),
		Tools:    sampleTools(),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	req := srv.lastRequest(t)

	msgs, _ := req["messages"].([]any)
	wantRoles := []string{"system", "user", "assistant", "tool", "tool"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, want := range wantRoles {
		if role := msgs[i].(map[string]any)["role"]; role != want {
			t.Errorf("messages[%d].role = %v, want %s", i, role, want)
		}
	}

	asst := msgs[2].(map[string]any)
	calls := asst["tool_calls"].([]any)
	if len(calls) != 2 {
		t.Fatalf("tool_calls = %d, want 2", len(calls))
	}
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "mcp__fs__read_file" || fn["arguments"] != `{"path":"notes.txt"}` {
		t.Errorf("function = %v", fn)
	}
	if args := calls[1].(map[string]any)["function"].(map[string]any)["arguments"]; args != "{}" {
		t.Errorf("nil arguments = %v, want {}", args)
	}

	if id := msgs[4].(map[string]any)["tool_call_id"]; id != "call_2" {
		t.Errorf("tool_call_id = %v, want call_2", id)
	}

	tools := req["tools"].([]any)
	tool := tools[0].(map[string]any)
	if tool["type"] != "function" {
		t.Errorf("tool.type = %v", tool["type"])
	}
	if tool["function"].(map[string]any)["name"] != "mcp__fs__read_file" {
		t.Errorf("tool = %v", tool)
	}
}

func TestOpenAIChat_NoChoices(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK,
		`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`)
	client := newTestOpenAI(srv)

	_, err := client.Chat(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Chat() error = %v, want *APIError", err)
	}
}

func TestOpenAIChat_APIError(t *testing.T) {
	srv := newRecordingServer(t, http.StatusServiceUnavailable,
		`{"error":{"message":"busy","type":"server_error"}}`)
	client := newTestOpenAI(srv)

	_, err := client.Chat(context.Background(), &ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Chat() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || !apiErr.Temporary() {
		t.Errorf("APIError = %+v, temporary=%v", apiErr, apiErr.Temporary())
	}
}

func TestOpenAIClientImplementsInterface(t *testing.T) {
	var _ Client = (*OpenAIClient)(nil)
}
