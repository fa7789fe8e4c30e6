// Package anthropic provides wire types and an HTTP client for the Anthropic
// Messages API with tool use.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest is the subset of the Messages API request the decision
// loop sends.
type MessagesRequest struct {
	Model      string         `json:"model"`
	System     SystemMessages `json:"system,omitempty"`
	Messages   []Message      `json:"messages"`
	MaxTokens  int            `json:"max_tokens"`
	Tools      []Tool         `json:"tools,omitempty"`
	ToolChoice *ToolChoice    `json:"tool_choice,omitempty"`
}

type Message struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// ContentBlock is a message body. The API accepts either a bare string or a
// list of parts; both decode into parts.
type ContentBlock []ContentPart

func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = ContentBlock{{Type: "text", Text: str}}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// ContentPart is one text, tool_use or tool_result part.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// SystemMessages is the system prompt; a bare string decodes into one block.
type SystemMessages []SystemBlock

func (s *SystemMessages) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SystemMessages{{Type: "text", Text: str}}
		return nil
	}
	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*s = blocks
	return nil
}

type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Tool declares a callable tool with its JSON schema.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

// ToolChoice is "auto", "any" or "tool" (with Name).
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type MessagesResponse struct {
	ID         string            `json:"id"`
	Model      string            `json:"model"`
	Content    []ResponseContent `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      MessagesUsage     `json:"usage"`
}

// ResponseContent keeps tool input raw so the caller decides how to decode it.
type ResponseContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// APIError is an upstream failure. StatusCode is set by the client.
type APIError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic: status %d: %s: %s", e.StatusCode, e.Type, e.Message)
}

// Retryable reports whether the failure is transient.
func (e *APIError) Retryable() bool {
	return e.Type == "overloaded_error" || e.StatusCode == 429 || e.StatusCode >= 500
}
