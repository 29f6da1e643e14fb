package ai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

func testTiers() config.TierTable {
	return config.TierTable{
		domain.TierIntern: {
			Model: "test/small", Provider: "test",
			InputPricePerMTok: 1.0, OutputPricePerMTok: 2.0,
			TimeoutSeconds: 10, MaxTokens: 256,
		},
	}
}

func newClient(t *testing.T, handler http.HandlerFunc) *ai.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.Config{ModelAPIKey: "test-key", ModelBaseURL: srv.URL}
	return ai.New(cfg, testTiers())
}

func chatOK(t *testing.T, promptTokens, completionTokens int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test/small", req["model"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test/small",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "done"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     promptTokens,
				"completion_tokens": completionTokens,
			},
		})
	}
}

func TestComplete_UsageAndPricing(t *testing.T) {
	c := newClient(t, chatOK(t, 1000, 500))

	resp, err := c.Complete(context.Background(), domain.ModelRequest{
		Tier:         domain.TierIntern,
		SystemPrompt: "system",
		UserPrompt:   "user",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Output)
	assert.Equal(t, "test/small", resp.Model)
	assert.Equal(t, "test", resp.Provider)
	assert.EqualValues(t, 1000, resp.PromptTokens)
	assert.EqualValues(t, 500, resp.CompletionTokens)
	// 1000 in at $1/MTok plus 500 out at $2/MTok.
	assert.InDelta(t, 0.002, resp.CostUSD, 1e-9)
}

func TestComplete_CountsTokensWhenUsageMissing(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "a longer completion body"}},
			},
		})
	})

	resp, err := c.Complete(context.Background(), domain.ModelRequest{
		Tier:         domain.TierIntern,
		SystemPrompt: "classify this request",
		UserPrompt:   "please summarise the quarterly report",
	})
	require.NoError(t, err)
	assert.Positive(t, resp.PromptTokens)
	assert.Positive(t, resp.CompletionTokens)
}

func TestComplete_4xxIsPermanentWithoutRetry(t *testing.T) {
	var hits int32
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Complete(context.Background(), domain.ModelRequest{Tier: domain.TierIntern})
	require.ErrorIs(t, err, domain.ErrModelPermanent)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "client errors must not be retried")
}

func TestComplete_429RetriedThenSucceeds(t *testing.T) {
	var hits int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatOK(t, 10, 5)(w, r)
	})

	resp, err := c.Complete(context.Background(), domain.ModelRequest{
		Tier: domain.TierIntern, SystemPrompt: "s", UserPrompt: "u",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Output)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&hits), int32(2))
}

func TestComplete_MissingKeyAndUnknownTier(t *testing.T) {
	c := ai.New(config.Config{ModelBaseURL: "http://localhost:0"}, testTiers())
	_, err := c.Complete(context.Background(), domain.ModelRequest{Tier: domain.TierIntern})
	require.ErrorIs(t, err, domain.ErrModelPermanent)

	c = ai.New(config.Config{ModelAPIKey: "k", ModelBaseURL: "http://localhost:0"}, testTiers())
	_, err = c.Complete(context.Background(), domain.ModelRequest{Tier: domain.TierCEO})
	require.ErrorIs(t, err, domain.ErrModelPermanent)
}

func TestMock_Deterministic(t *testing.T) {
	m := ai.NewMock()
	resp, err := m.Complete(context.Background(), domain.ModelRequest{Tier: domain.TierDirector, UserPrompt: "x"})
	require.NoError(t, err)
	assert.Contains(t, resp.Output, "director")
	assert.Equal(t, "mock", resp.Provider)
	assert.Zero(t, resp.CostUSD)
	assert.EqualValues(t, 1, m.Calls())

	m.Script = func(domain.ModelRequest) (string, error) { return `{"ok":true}`, nil }
	resp, err = m.Complete(context.Background(), domain.ModelRequest{Tier: domain.TierIntern})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, resp.Output)
}
