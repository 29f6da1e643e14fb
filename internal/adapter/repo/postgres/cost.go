package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// QueryCost aggregates agent metrics over the window.
func (s *Store) QueryCost(ctx domain.Context, from, to time.Time) (domain.CostSummary, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd),0), COALESCE(SUM(prompt_tokens),0),
		        COALESCE(SUM(completion_tokens),0), COUNT(*)
		 FROM agent_metrics WHERE ts >= $1 AND ts <= $2`, from, to)
	sum := domain.CostSummary{WindowStart: from, WindowEnd: to}
	if err := row.Scan(&sum.CostUSD, &sum.PromptTokens, &sum.CompletionTokens, &sum.Invocations); err != nil {
		return domain.CostSummary{}, fmt.Errorf("op=cost.query: %w", err)
	}
	return sum, nil
}

// AddDailyCost increments the per-day aggregate and returns the new total.
// The upsert keeps the counter monotonic under concurrent writers.
func (s *Store) AddDailyCost(ctx domain.Context, day string, usd float64) (float64, error) {
	if usd < 0 {
		return 0, fmt.Errorf("op=cost.add_daily: %w: negative cost", domain.ErrInvalidArgument)
	}
	row := s.Pool.QueryRow(ctx,
		`INSERT INTO daily_costs (day, cost_usd) VALUES ($1, $2)
		 ON CONFLICT (day) DO UPDATE SET cost_usd = daily_costs.cost_usd + EXCLUDED.cost_usd
		 RETURNING cost_usd`, day, usd)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("op=cost.add_daily: %w", err)
	}
	return total, nil
}

// DailyCost returns the accumulated spend for the given UTC day.
func (s *Store) DailyCost(ctx domain.Context, day string) (float64, error) {
	var total float64
	err := s.Pool.QueryRow(ctx, `SELECT cost_usd FROM daily_costs WHERE day=$1`, day).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=cost.daily: %w", err)
	}
	return total, nil
}
