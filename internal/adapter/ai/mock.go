package ai

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// Mock is a fast, deterministic model client for local development and
// tests. MODEL_MOCK=true wires it in place of the real client.
type Mock struct {
	// Script, when set, produces the response for each call. The default
	// echoes a canned completion.
	Script func(req domain.ModelRequest) (string, error)

	calls int64
}

// NewMock returns a mock with the default script.
func NewMock() *Mock { return &Mock{} }

// Calls reports how many completions have been served.
func (m *Mock) Calls() int64 { return atomic.LoadInt64(&m.calls) }

// Complete returns a deterministic completion without leaving the process.
func (m *Mock) Complete(_ domain.Context, req domain.ModelRequest) (domain.ModelResponse, error) {
	atomic.AddInt64(&m.calls, 1)
	started := time.Now()

	output := fmt.Sprintf("mock completion for tier %s", req.Tier)
	if m.Script != nil {
		var err error
		output, err = m.Script(req)
		if err != nil {
			return domain.ModelResponse{}, err
		}
	}

	counter := tokencount.DefaultCounter
	prompt := int64(counter.Count("cl100k_base", req.SystemPrompt) + counter.Count("cl100k_base", req.UserPrompt))
	completion := int64(counter.Count("cl100k_base", output))
	return domain.ModelResponse{
		Output:           output,
		Model:            "mock/" + string(req.Tier),
		Provider:         "mock",
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CostUSD:          0,
		LatencyMS:        time.Since(started).Milliseconds(),
	}, nil
}

var _ domain.ModelClient = (*Mock)(nil)
