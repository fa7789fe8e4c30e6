// Package tokens counts the tokens of an agent transcript so the tool loop
// can stop before a decision service rejects an oversized prompt.
package tokens

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/credit-desk/internal/decider"
)

// Counter counts the prompt tokens of a decider request.
type Counter interface {
	Count(model string, req decider.Request) int
}

// Chat framing overhead, per OpenAI's accounting for cl100k models.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerCall    = 3
	tokensPerResult  = 2
)

// TiktokenCounter counts with the tiktoken encoding matching the model.
// Non-OpenAI models are counted with cl100k_base, which overestimates
// slightly for Claude models.
type TiktokenCounter struct {
	mu         sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// NewTiktokenCounter creates a counter with an empty codec cache.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{codecCache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (c *TiktokenCounter) codec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.mu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.mu.Lock()
	c.codecCache[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

// modelToEncoding maps model names to encodings. O200kBase covers gpt-4o,
// gpt-4.1, gpt-5 and the o-series; everything else uses cl100k_base.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	default:
		return tokenizer.Cl100kBase
	}
}

// Count implements Counter. If no codec can be loaded it falls back to the
// character estimate.
func (c *TiktokenCounter) Count(model string, req decider.Request) int {
	codec, err := c.codec(model)
	if err != nil {
		return NewEstimator().Count(model, req)
	}
	enc := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, _ := codec.Encode(s)
		return len(ids)
	}

	total := 0
	if req.Instruction != "" {
		total += tokensPerMessage + tokensPerRole + enc(req.Instruction)
	}
	for _, m := range req.Messages {
		total += tokensPerMessage + tokensPerRole + enc(m.Text)
		for _, tc := range m.ToolCalls {
			total += tokensPerCall + enc(tc.Name) + enc(string(tc.Arguments))
		}
		for _, r := range m.Results {
			total += tokensPerResult + enc(r.Content)
		}
	}
	for _, t := range req.Tools {
		total += enc(t.Name) + enc(t.Description)
		if t.Parameters != nil {
			schema, _ := json.Marshal(t.Parameters)
			total += enc(string(schema))
		}
	}
	return total
}

// Estimator approximates token counts from character length.
type Estimator struct {
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// Count implements Counter.
func (e *Estimator) Count(_ string, req decider.Request) int {
	chars := len(req.Instruction)
	for _, m := range req.Messages {
		chars += len(m.Role) + len(m.Text) + 4
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
		for _, r := range m.Results {
			chars += len(r.Content)
		}
	}
	for _, t := range req.Tools {
		// Schema size is approximated.
		chars += len(t.Name) + len(t.Description) + 50
	}
	return int(float64(chars) / e.CharsPerToken)
}
