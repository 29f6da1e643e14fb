package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// TierModel is one row of the tier-to-model mapping.
type TierModel struct {
	Model              string  `yaml:"model"`
	Provider           string  `yaml:"provider"`
	InputPricePerMTok  float64 `yaml:"input_price_per_mtok"`
	OutputPricePerMTok float64 `yaml:"output_price_per_mtok"`
	TimeoutSeconds     int     `yaml:"timeout_s"`
	MaxTokens          int     `yaml:"max_tokens"`
}

// Cost converts token usage into USD under this row's per-million pricing.
func (t TierModel) Cost(promptTokens, completionTokens int64) float64 {
	return float64(promptTokens)/1e6*t.InputPricePerMTok +
		float64(completionTokens)/1e6*t.OutputPricePerMTok
}

// TierTable maps a tier to its concrete model configuration. The dispatcher
// reads it at startup and on reload.
type TierTable map[domain.Tier]TierModel

// DefaultTierTable is the built-in topology: cheap model for interns, a
// mid-tier model for directors, the top model for the ceo, and a local free
// model for the admin classifier.
func DefaultTierTable() TierTable {
	return TierTable{
		domain.TierIntern: {
			Model: "meta-llama/llama-3.1-8b-instruct", Provider: "openrouter",
			InputPricePerMTok: 0.05, OutputPricePerMTok: 0.08,
			TimeoutSeconds: 60, MaxTokens: 2048,
		},
		domain.TierDirector: {
			Model: "anthropic/claude-3.5-haiku", Provider: "openrouter",
			InputPricePerMTok: 0.80, OutputPricePerMTok: 4.0,
			TimeoutSeconds: 60, MaxTokens: 4096,
		},
		domain.TierCEO: {
			Model: "anthropic/claude-sonnet-4", Provider: "openrouter",
			InputPricePerMTok: 3.0, OutputPricePerMTok: 15.0,
			TimeoutSeconds: 120, MaxTokens: 8192,
		},
		domain.TierAdmin: {
			Model: "qwen/qwen-2.5-7b-instruct:free", Provider: "openrouter",
			InputPricePerMTok: 0, OutputPricePerMTok: 0,
			TimeoutSeconds: 30, MaxTokens: 1024,
		},
	}
}

// LoadTierTable reads a tier table from a YAML file. Unknown keys are
// rejected at load time. When path is empty the defaults apply.
func LoadTierTable(path string) (TierTable, error) {
	if path == "" {
		return DefaultTierTable(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadTierTable: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var raw map[string]TierModel
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("op=config.LoadTierTable: %w", err)
	}

	tbl := TierTable{}
	for k, v := range raw {
		tier := domain.Tier(k)
		switch tier {
		case domain.TierIntern, domain.TierDirector, domain.TierCEO, domain.TierAdmin:
		default:
			return nil, fmt.Errorf("op=config.LoadTierTable: unknown tier %q", k)
		}
		if v.Model == "" {
			return nil, fmt.Errorf("op=config.LoadTierTable: tier %q missing model", k)
		}
		if v.TimeoutSeconds <= 0 {
			v.TimeoutSeconds = 60
		}
		tbl[tier] = v
	}
	// Fill gaps from defaults so every tier resolves.
	for tier, tm := range DefaultTierTable() {
		if _, ok := tbl[tier]; !ok {
			tbl[tier] = tm
		}
	}
	return tbl, nil
}

// Ladder parses the configured escalation ladder, rejecting unknown tiers
// and the admin tier (classification only, never dispatched to by
// escalation).
func (c Config) Ladder() ([]domain.Tier, error) {
	if len(c.EscalationLadder) == 0 {
		return []domain.Tier{domain.TierIntern, domain.TierDirector, domain.TierCEO}, nil
	}
	out := make([]domain.Tier, 0, len(c.EscalationLadder))
	for _, s := range c.EscalationLadder {
		t := domain.Tier(s)
		switch t {
		case domain.TierIntern, domain.TierDirector, domain.TierCEO:
			out = append(out, t)
		default:
			return nil, fmt.Errorf("op=config.Ladder: invalid ladder tier %q", s)
		}
	}
	return out, nil
}
