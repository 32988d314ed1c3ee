package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string // empty uses the SDK default

	// HTTPClient overrides the transport. Nil uses the SDK default.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. Retries are left
// to RetryClient so every provider backs off the same way.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends a Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.maxTokens()),
		Messages:  convertToAnthropic(req.Messages),
		Tools:     convertToolsToAnthropic(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
		// The budget counts against max_tokens and must stay below it.
		if params.MaxTokens <= int64(req.ThinkingBudget) {
			params.MaxTokens = int64(req.ThinkingBudget) + DefaultMaxTokens
		}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
		"system_len", len(req.System),
		"thinking_budget", req.ThinkingBudget,
	)

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, c.wrapError(err)
	}

	resp := convertFromAnthropic(msg)
	c.logger.Debug("response received",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)
	return resp, nil
}

func (c *AnthropicClient) wrapError(err error) error {
	apiErr := &APIError{Provider: "anthropic", Err: err}
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		apiErr.StatusCode = sdkErr.StatusCode
	}
	c.logger.Error("API error", "status", apiErr.StatusCode, "error", err)
	return apiErr
}

// convertToAnthropic converts the conversation to Messages API params.
// Consecutive tool results are merged into a single user turn since
// the API requires strictly alternating roles.
func convertToAnthropic(messages []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))

		case RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			for _, tb := range msg.ThinkingBlocks {
				switch {
				case tb.Redacted && tb.Data != "":
					blocks = append(blocks, anthropic.NewRedactedThinkingBlock(tb.Data))
				case !tb.Redacted && tb.Signature != "":
					blocks = append(blocks, anthropic.NewThinkingBlock(tb.Signature, tb.Thinking))
				}
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		default:
			flushResults()
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()
	return result
}

// convertToolsToAnthropic converts tool specs to Anthropic tool params.
// Schema keywords beyond properties/required ride along as extra fields.
func convertToolsToAnthropic(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}

	result := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema := anthropic.ToolInputSchemaParam{
			Properties: map[string]any{},
		}
		extra := map[string]any{}
		for k, v := range spec.Parameters {
			switch k {
			case "type":
			case "properties":
				if v != nil {
					schema.Properties = v
				}
			case "required":
				schema.Required = stringSlice(v)
			default:
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			schema.ExtraFields = extra
		}

		tool := &anthropic.ToolParam{
			Name:        spec.Name,
			InputSchema: schema,
		}
		if spec.Description != "" {
			tool.Description = anthropic.String(spec.Description)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: tool})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our format.
func convertFromAnthropic(msg *anthropic.Message) *ChatResponse {
	out := Message{Role: RoleAssistant}

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += b.Text
		case anthropic.ThinkingBlock:
			if out.Thinking != "" && b.Thinking != "" {
				out.Thinking += "\n\n"
			}
			out.Thinking += b.Thinking
			out.ThinkingBlocks = append(out.ThinkingBlocks, ThinkingBlock{Thinking: b.Thinking, Signature: b.Signature})
		case anthropic.RedactedThinkingBlock:
			out.ThinkingBlocks = append(out.ThinkingBlocks, ThinkingBlock{Redacted: true, Data: b.Data})
		case anthropic.ToolUseBlock:
			var args map[string]any
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					args = map[string]any{"_raw": string(b.Input)}
				}
			}
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: FunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}

	return &ChatResponse{
		Model:        string(msg.Model),
		Message:      out,
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}

// stringSlice accepts the []string or []any forms a decoded JSON
// schema may carry.
func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
