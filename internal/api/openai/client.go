package openai

import (
	"context"
	"net/http"
	"strings"

	"github.com/tjfontaine/credit-desk/internal/api"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL points the client at any OpenAI-compatible server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client calls the chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateChatCompletion sends one non-streaming completion request. Upstream
// failures come back as *APIError.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	header := http.Header{}
	// Local compatible servers usually run without a key.
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var out ChatCompletionResponse
	if err := api.PostJSON(ctx, c.httpClient, c.baseURL+"/chat/completions", header, req, &out, decodeError); err != nil {
		return nil, err
	}
	return &out, nil
}

func decodeError(status int, body []byte) error {
	if apiErr, err := ParseErrorResponse(body); err == nil && apiErr != nil {
		apiErr.StatusCode = status
		return apiErr
	}
	return &APIError{
		Message:    strings.TrimSpace(string(body)),
		Type:       "http_error",
		StatusCode: status,
	}
}
