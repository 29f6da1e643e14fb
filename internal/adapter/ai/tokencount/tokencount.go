// Package tokencount counts prompt tokens with tiktoken encodings.
//
// Providers report usage on success, but budget checks and context
// compression need counts before any request is sent, and failed calls
// report nothing. Counts for non-OpenAI models are approximations on
// cl100k_base, close enough for cost accounting.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// Bundle the BPE dictionaries so counting never reaches for the network.
func init() {
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
}

// Counter caches one encoding per model. Safe for concurrent use.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewCounter returns an empty counter.
func NewCounter() *Counter {
	return &Counter{cache: make(map[string]*tiktoken.Tiktoken)}
}

// DefaultCounter is the process-wide counter.
var DefaultCounter = NewCounter()

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	key := normalizeModel(model)

	c.mu.RLock()
	enc, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[key]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model), slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.cache[key] = enc
	return enc, nil
}

// Count returns the token count of text under the model's encoding. On
// encoding failure it falls back to a chars/4 estimate rather than erroring:
// callers use counts for budgeting, not billing.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := c.encodingFor(model)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most maxTokens tokens under the model's encoding.
func (c *Counter) Truncate(model, text string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return ""
	}
	enc, err := c.encodingFor(model)
	if err != nil {
		if len(text) > maxTokens*4 {
			return text[:maxTokens*4]
		}
		return text
	}
	ids := enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return enc.Decode(ids[:maxTokens])
}

func normalizeModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4"), strings.HasPrefix(m, "gpt-3.5"):
		return m
	default:
		// Anthropic, Meta and Qwen models have no tiktoken entry; cl100k_base
		// is the closest published encoding.
		return "cl100k_base"
	}
}
