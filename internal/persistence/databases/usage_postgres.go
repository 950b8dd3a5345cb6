package databases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"kilo/internal/persistence"
)

// NewPostgresUsageStore returns a Postgres-backed usage store.
func NewPostgresUsageStore(pool *pgxpool.Pool) persistence.UsageStore {
	return &pgUsageStore{pool: pool}
}

type pgUsageStore struct {
	pool *pgxpool.Pool
}

func (s *pgUsageStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres usage store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS llm_usage (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    bot_id UUID,
    session_id UUID,
    message_id UUID,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    task_type TEXT NOT NULL,
    prompt_tokens INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    cost_usd DOUBLE PRECISION NOT NULL,
    latency_ms BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS llm_usage_user_created_idx ON llm_usage(user_id, created_at DESC);
`)
	return err
}

func (s *pgUsageStore) Insert(ctx context.Context, r persistence.UsageRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO llm_usage (id, user_id, bot_id, session_id, message_id, provider, model, task_type,
prompt_tokens, completion_tokens, cost_usd, latency_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.UserID, r.BotID, r.SessionID, r.MessageID, r.Provider, r.Model, r.TaskType,
		r.PromptTokens, r.CompletionTokens, r.CostUsd, r.LatencyMs, r.CreatedAt)
	return err
}

func (s *pgUsageStore) Summary(ctx context.Context, userID string, start, end *time.Time) (persistence.UsageSummary, error) {
	where := `user_id = $1`
	args := []any{userID}
	if start != nil {
		args = append(args, *start)
		where += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if end != nil {
		args = append(args, *end)
		where += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}

	summary := persistence.UsageSummary{ByProvider: map[string]float64{}}
	row := s.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(prompt_tokens), 0),
       COALESCE(SUM(completion_tokens), 0), COUNT(*)
FROM llm_usage WHERE `+where, args...)
	if err := row.Scan(&summary.TotalCostUsd, &summary.TotalPromptTokens,
		&summary.TotalCompletionTokens, &summary.RequestCount); err != nil {
		return persistence.UsageSummary{}, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT provider, COALESCE(SUM(cost_usd), 0)
FROM llm_usage WHERE `+where+` GROUP BY provider`, args...)
	if err != nil {
		return persistence.UsageSummary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var provider string
		var cost float64
		if err := rows.Scan(&provider, &cost); err != nil {
			return persistence.UsageSummary{}, err
		}
		summary.ByProvider[provider] = cost
	}
	return summary, rows.Err()
}

func (s *pgUsageStore) Breakdown(ctx context.Context, userID, groupBy string) ([]persistence.UsageBucket, error) {
	var keyExpr string
	switch groupBy {
	case "model":
		keyExpr = "model"
	case "bot":
		keyExpr = "COALESCE(bot_id::text, 'none')"
	case "day":
		keyExpr = "to_char(created_at, 'YYYY-MM-DD')"
	case "month":
		keyExpr = "to_char(created_at, 'YYYY-MM')"
	default:
		return nil, fmt.Errorf("unsupported groupBy %q", groupBy)
	}

	rows, err := s.pool.Query(ctx, `
SELECT `+keyExpr+` AS bucket, COALESCE(SUM(cost_usd), 0), COALESCE(SUM(prompt_tokens), 0),
       COALESCE(SUM(completion_tokens), 0), COUNT(*)
FROM llm_usage WHERE user_id = $1
GROUP BY bucket ORDER BY bucket`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.UsageBucket
	for rows.Next() {
		var b persistence.UsageBucket
		if err := rows.Scan(&b.Key, &b.CostUsd, &b.PromptTokens, &b.CompletionTokens, &b.RequestCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// NewPostgresPricingStore returns a Postgres-backed model pricing store.
func NewPostgresPricingStore(pool *pgxpool.Pool) persistence.PricingStore {
	return &pgPricingStore{pool: pool}
}

type pgPricingStore struct {
	pool *pgxpool.Pool
}

func (s *pgPricingStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres pricing store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS model_pricing (
    model TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    input_cost_per_m DOUBLE PRECISION NOT NULL,
    output_cost_per_m DOUBLE PRECISION NOT NULL
);
`)
	return err
}

func (s *pgPricingStore) Get(ctx context.Context, model string) (persistence.ModelPricing, error) {
	var p persistence.ModelPricing
	err := s.pool.QueryRow(ctx, `
SELECT model, provider, input_cost_per_m, output_cost_per_m FROM model_pricing WHERE model = $1`, model).
		Scan(&p.Model, &p.Provider, &p.InputCostPerM, &p.OutputCostPerM)
	if err != nil {
		return persistence.ModelPricing{}, persistence.ErrNotFound
	}
	return p, nil
}

func (s *pgPricingStore) List(ctx context.Context) ([]persistence.ModelPricing, error) {
	rows, err := s.pool.Query(ctx, `SELECT model, provider, input_cost_per_m, output_cost_per_m FROM model_pricing`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.ModelPricing
	for rows.Next() {
		var p persistence.ModelPricing
		if err := rows.Scan(&p.Model, &p.Provider, &p.InputCostPerM, &p.OutputCostPerM); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *pgPricingStore) Upsert(ctx context.Context, p persistence.ModelPricing) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO model_pricing (model, provider, input_cost_per_m, output_cost_per_m)
VALUES ($1,$2,$3,$4)
ON CONFLICT (model) DO UPDATE SET provider = EXCLUDED.provider,
  input_cost_per_m = EXCLUDED.input_cost_per_m, output_cost_per_m = EXCLUDED.output_cost_per_m`,
		p.Model, p.Provider, p.InputCostPerM, p.OutputCostPerM)
	return err
}
