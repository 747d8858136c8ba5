package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"catalogd/internal/apperrors"
)

// AnthropicProvider is the Provider backed by Anthropic's Messages API.
type AnthropicProvider struct {
	client     anthropic.Client
	model      string
	credential CredentialSource
}

func NewAnthropicProvider(baseURL, model string, credential CredentialSource) *AnthropicProvider {
	opts := []option.RequestOption{}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		model:      model,
		credential: credential,
	}
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) Complete(ctx context.Context, messages []Message, tools []ToolDefinition, opts CompletionOptions) (*CompletionResponse, error) {
	const op = "llm.AnthropicProvider.Complete"

	token, err := p.credential.Token(ctx)
	if err != nil {
		return nil, apperrors.Wrap(op, apperrors.KindConnection, err)
	}
	reqOpts := []option.RequestOption{}
	if token != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(token))
	}

	var system string
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokensOrDefault(opts.MaxTokens)),
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	for _, m := range messages {
		if m.Role == RoleSystem {
			system += m.Content + "\n"
			continue
		}
		params.Messages = append(params.Messages, toAnthropicMessage(m))
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for _, t := range tools {
		params.Tools = append(params.Tools, toAnthropicTool(t))
	}

	resp, err := p.client.Messages.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, classifyAnthropicErr(op, err)
	}

	return fromAnthropicMessage(resp), nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func toAnthropicMessage(m Message) anthropic.MessageParam {
	switch m.Role {
	case RoleTool:
		return anthropic.NewUserMessage(
			anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
		)
	case RoleAssistant:
		blocks := []anthropic.ContentBlockParamUnion{}
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
		}
		return anthropic.NewAssistantMessage(blocks...)
	default:
		return anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content))
	}
}

func toAnthropicTool(t ToolDefinition) anthropic.ToolUnionParam {
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Schema["properties"],
				Required:   schemaRequired(t.Schema),
			},
		},
	}
}

func schemaRequired(schema map[string]any) []string {
	raw, ok := schema["required"].([]string)
	if ok {
		return raw
	}
	var out []string
	if list, ok := schema["required"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func fromAnthropicMessage(resp *anthropic.Message) *CompletionResponse {
	msg := Message{Role: RoleAssistant}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			msg.Content += variant.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			_ = json.Unmarshal(variant.Input, &args)
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}

	finish := FinishStop
	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		finish = FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		finish = FinishMaxTokens
	}

	return &CompletionResponse{
		Message:      msg,
		FinishReason: finish,
		Usage: &Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
}

func classifyAnthropicErr(op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return apperrors.New(op, apperrors.KindRateLimited, apiErr.Error())
		}
		return apperrors.API(op, apiErr.StatusCode, apiErr.Error())
	}
	return apperrors.Wrap(op, apperrors.KindConnection, err)
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) (HealthStatus, error) {
	_, err := p.Complete(ctx, []Message{{Role: RoleUser, Content: "ping"}}, nil, CompletionOptions{MaxTokens: 1})
	if err != nil {
		return HealthStatus{Healthy: false, Detail: err.Error()}, err
	}
	return HealthStatus{Healthy: true}, nil
}
