// Package ai implements the model client against OpenAI-compatible chat
// completion APIs. One client serves every tier; the tier table supplies the
// concrete model, timeout and pricing per call.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"log/slog"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// Client implements domain.ModelClient over an OpenAI-compatible endpoint.
type Client struct {
	cfg     config.Config
	tiers   config.TierTable
	hc      *http.Client
	counter *tokencount.Counter
}

// New constructs the client. The http.Client carries no timeout of its own;
// per-call deadlines come from the tier table.
func New(cfg config.Config, tiers config.TierTable) *Client {
	return &Client{
		cfg:     cfg,
		tiers:   tiers,
		hc:      &http.Client{},
		counter: tokencount.DefaultCounter,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends one chat completion for the request's tier. Transient
// provider failures (429, 5xx, transport errors) are retried with
// exponential backoff inside the call; what escapes wraps ErrModelTransient
// or ErrModelPermanent so the dispatcher can decide retry vs block.
func (c *Client) Complete(ctx domain.Context, req domain.ModelRequest) (domain.ModelResponse, error) {
	if c.cfg.ModelAPIKey == "" {
		return domain.ModelResponse{}, fmt.Errorf("op=ai.complete: %w: MODEL_API_KEY missing", domain.ErrModelPermanent)
	}
	tm, ok := c.tiers[req.Tier]
	if !ok {
		return domain.ModelResponse{}, fmt.Errorf("op=ai.complete: %w: no model for tier %q", domain.ErrModelPermanent, req.Tier)
	}
	model := req.Model
	if model == "" {
		model = tm.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = tm.MaxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Temperature: 0.2,
		MaxTokens:   maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
	})
	if err != nil {
		return domain.ModelResponse{}, fmt.Errorf("op=ai.complete: %w", err)
	}

	callCtx := ctx
	if tm.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(tm.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var out chatResponse
	started := time.Now()
	op := func() error {
		// Rebuild the request each attempt so a consumed body is never reused.
		r, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.ModelBaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %w", domain.ErrModelPermanent, err))
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.ModelAPIKey)
		r.Header.Set("Content-Type", "application/json")
		// Fresh id per attempt so provider-side logs can tell retries apart.
		r.Header.Set("X-Request-Id", uuid.NewString())

		resp, err := c.hc.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("model provider rate limited",
				slog.String("model", model), slog.String("tier", string(req.Tier)))
			return fmt.Errorf("chat status 429")
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			snippet := string(respBody)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("model provider 4xx",
				slog.Int("status", resp.StatusCode),
				slog.String("model", model),
				slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("%w: chat status %d", domain.ErrModelPermanent, resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Warn("model provider non-2xx",
				slog.Int("status", resp.StatusCode), slog.String("model", model))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(respBody, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode response: %w", domain.ErrModelPermanent, err))
		}
		if len(out.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("%w: empty choices", domain.ErrModelPermanent))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 10 * time.Second
	expo.MaxElapsedTime = 45 * time.Second
	err = backoff.Retry(op, backoff.WithContext(expo, callCtx))

	latency := time.Since(started)
	observability.ModelRequestDuration.WithLabelValues(tm.Provider, string(req.Tier)).Observe(latency.Seconds())

	if err != nil {
		// Retry unwraps backoff.Permanent, so classification rides on the
		// sentinel attached inside op. Everything else exhausted its retries
		// and stays transient, including context deadlines.
		if errors.Is(err, domain.ErrModelPermanent) {
			return domain.ModelResponse{}, fmt.Errorf("op=ai.complete: %w", err)
		}
		return domain.ModelResponse{}, fmt.Errorf("op=ai.complete: %w: %w", domain.ErrModelTransient, err)
	}

	promptTokens := out.Usage.PromptTokens
	completionTokens := out.Usage.CompletionTokens
	content := out.Choices[0].Message.Content
	if promptTokens == 0 {
		promptTokens = int64(c.counter.Count(model, req.SystemPrompt) + c.counter.Count(model, req.UserPrompt))
	}
	if completionTokens == 0 {
		completionTokens = int64(c.counter.Count(model, content))
	}

	usedModel := out.Model
	if usedModel == "" {
		usedModel = model
	}
	return domain.ModelResponse{
		Output:           content,
		Model:            usedModel,
		Provider:         tm.Provider,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          tm.Cost(promptTokens, completionTokens),
		LatencyMS:        latency.Milliseconds(),
	}, nil
}

var _ domain.ModelClient = (*Client)(nil)
