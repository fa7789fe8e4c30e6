// Package decider abstracts the external decision-making service that picks
// the next stage operation in the agent tool loop. A Service receives the
// steering instruction, the transcript so far and the tool schemas, and
// answers with either tool calls or free text.
package decider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolSpec describes one callable tool. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one tool invocation requested by the service.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message is one transcript entry. Assistant messages may carry ToolCalls,
// tool messages carry Results.
type Message struct {
	Role      Role
	Text      string
	ToolCalls []ToolCall
	Results   []ToolResult
}

// Request is one turn sent to the service.
type Request struct {
	Instruction string
	Messages    []Message
	Tools       []ToolSpec
}

// Usage reports token accounting when the service provides it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Turn is the service's answer. A turn with no ToolCalls is free text.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// HasTools reports whether the turn names at least one tool.
func (t Turn) HasTools() bool { return len(t.ToolCalls) > 0 }

// Service is a decision-making backend.
type Service interface {
	Name() string
	Next(ctx context.Context, req Request) (Turn, error)
}

// Func adapts a function to the Service interface.
type Func func(ctx context.Context, req Request) (Turn, error)

// Name implements Service.
func (f Func) Name() string { return "func" }

// Next implements Service.
func (f Func) Next(ctx context.Context, req Request) (Turn, error) { return f(ctx, req) }

// ErrMalformedTurn is returned when the service answer cannot be decoded
// into a Turn.
var ErrMalformedTurn = errors.New("decider: malformed turn")

// Provider names a backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Config selects and configures a backend.
type Config struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
	Timeout    time.Duration
}

const defaultMaxTokens = 1024

// New builds the Service named by cfg.Provider.
func New(cfg Config) (Service, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("decider: model is required for provider %q", cfg.Provider)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAI(cfg), nil
	case ProviderAnthropic:
		return newAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("decider: unknown provider %q", cfg.Provider)
	}
}

// normalizeArgs guarantees a JSON object document for a tool call.
func normalizeArgs(raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: tool arguments are not JSON", ErrMalformedTurn)
	}
	return json.RawMessage(raw), nil
}
