package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey string

	// BaseURL points the client at any Chat Completions compatible
	// endpoint, for example http://localhost:11434/v1/ for Ollama.
	BaseURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAIClient speaks the Chat Completions API.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a Chat Completions client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
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

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a chat completion request. ThinkingBudget is ignored.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(req.Model),
		Messages:            convertToOpenAI(req.System, req.Messages),
		Tools:               convertToolsToOpenAI(req.Tools),
		MaxCompletionTokens: openai.Int(int64(req.maxTokens())),
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		apiErr := &APIError{Provider: "openai", Err: err}
		var sdkErr *openai.Error
		if errors.As(err, &sdkErr) {
			apiErr.StatusCode = sdkErr.StatusCode
		}
		c.logger.Error("API error", "status", apiErr.StatusCode, "error", err)
		return nil, apiErr
	}

	resp, err := convertFromOpenAI(completion)
	if err != nil {
		return nil, err
	}
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

func convertToOpenAI(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.SystemMessage(system))
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, openai.AssistantMessage(msg.Content))
				continue
			}
			asst := &openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				asst.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				raw, _ := json.Marshal(args)
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: string(raw),
						},
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: asst})

		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

func convertToolsToOpenAI(specs []ToolSpec) []openai.ChatCompletionToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		fn := shared.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: shared.FunctionParameters(spec.Parameters),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		result = append(result, openai.ChatCompletionFunctionTool(fn))
	}
	return result
}

func convertFromOpenAI(completion *openai.ChatCompletion) (*ChatResponse, error) {
	if len(completion.Choices) == 0 {
		return nil, &APIError{Provider: "openai", Err: errors.New("response has no choices")}
	}
	choice := completion.Choices[0]

	out := Message{Role: RoleAssistant, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}

	return &ChatResponse{
		Model:        completion.Model,
		Message:      out,
		StopReason:   choice.FinishReason,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}
