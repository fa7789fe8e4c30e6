package decider

import (
	"context"
	"encoding/json"

	"github.com/tjfontaine/credit-desk/internal/api/anthropic"
)

type anthropicService struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

func newAnthropic(cfg Config) *anthropicService {
	opts := []anthropic.ClientOption{anthropic.WithHTTPClient(cfg.HTTPClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicService{
		client:    anthropic.NewClient(cfg.APIKey, opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (s *anthropicService) Name() string { return string(ProviderAnthropic) }

func (s *anthropicService) Next(ctx context.Context, req Request) (Turn, error) {
	resp, err := s.client.CreateMessage(ctx, s.buildRequest(req))
	if err != nil {
		return Turn{}, err
	}

	turn := Turn{
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			turn.Text += c.Text
		case "tool_use":
			args, err := normalizeArgs(c.Input)
			if err != nil {
				return Turn{}, err
			}
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{ID: c.ID, Name: c.Name, Arguments: args})
		}
	}
	return turn, nil
}

func (s *anthropicService) buildRequest(req Request) *anthropic.MessagesRequest {
	out := &anthropic.MessagesRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
	}
	if req.Instruction != "" {
		out.System = anthropic.SystemMessages{{Type: "text", Text: req.Instruction}}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			var parts anthropic.ContentBlock
			if m.Text != "" {
				parts = append(parts, anthropic.ContentPart{Type: "text", Text: m.Text})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, anthropic.ContentPart{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(tc.Arguments),
				})
			}
			out.Messages = append(out.Messages, anthropic.Message{Role: "assistant", Content: parts})
		case RoleTool:
			// Tool results travel back in a single user message.
			var parts anthropic.ContentBlock
			for _, r := range m.Results {
				parts = append(parts, anthropic.ContentPart{
					Type:      "tool_result",
					ToolUseID: r.CallID,
					Content:   r.Content,
					IsError:   r.IsError,
				})
			}
			out.Messages = append(out.Messages, anthropic.Message{Role: "user", Content: parts})
		default:
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    "user",
				Content: anthropic.ContentBlock{{Type: "text", Text: m.Text}},
			})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropic.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = &anthropic.ToolChoice{Type: "auto"}
	}
	return out
}
