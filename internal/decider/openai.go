package decider

import (
	"context"
	"fmt"

	"github.com/tjfontaine/credit-desk/internal/api/openai"
)

type openAIService struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func newOpenAI(cfg Config) *openAIService {
	opts := []openai.ClientOption{openai.WithHTTPClient(cfg.HTTPClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return &openAIService{
		client:    openai.NewClient(cfg.APIKey, opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (s *openAIService) Name() string { return string(ProviderOpenAI) }

func (s *openAIService) Next(ctx context.Context, req Request) (Turn, error) {
	resp, err := s.client.CreateChatCompletion(ctx, s.buildRequest(req))
	if err != nil {
		return Turn{}, err
	}
	if len(resp.Choices) == 0 {
		return Turn{}, fmt.Errorf("%w: no choices", ErrMalformedTurn)
	}

	msg := resp.Choices[0].Message
	turn := Turn{
		Text: msg.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		args, err := normalizeArgs([]byte(tc.Function.Arguments))
		if err != nil {
			return Turn{}, err
		}
		turn.ToolCalls = append(turn.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return turn, nil
}

func (s *openAIService) buildRequest(req Request) *openai.ChatCompletionRequest {
	out := &openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
	}
	if req.Instruction != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: "system", Content: req.Instruction})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: "assistant", Content: m.Text}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openai.FunctionCall{Name: tc.Name, Arguments: string(tc.Arguments)},
				})
			}
			out.Messages = append(out.Messages, msg)
		case RoleTool:
			// One tool message per call id.
			for _, r := range m.Results {
				out.Messages = append(out.Messages, openai.ChatCompletionMessage{
					Role:       "tool",
					Content:    r.Content,
					ToolCallID: r.CallID,
				})
			}
		default:
			out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: "user", Content: m.Text})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.FunctionTool{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = "auto"
	}
	return out
}
