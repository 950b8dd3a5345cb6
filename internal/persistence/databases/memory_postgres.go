package databases

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"kilo/internal/persistence"
)

// NewPostgresMemoryStore returns a Postgres-backed memory fact store.
func NewPostgresMemoryStore(pool *pgxpool.Pool) persistence.MemoryStore {
	return &pgMemoryStore{pool: pool}
}

type pgMemoryStore struct {
	pool *pgxpool.Pool
}

func (s *pgMemoryStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres memory store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_facts (
    id UUID PRIMARY KEY,
    bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    source TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (bot_id, user_id, key)
);
`)
	return err
}

func (s *pgMemoryStore) Upsert(ctx context.Context, f persistence.MemoryFact) (persistence.MemoryFact, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	// Latest statement of a fact wins; higher-confidence stale values do not
	// block corrections.
	_, err := s.pool.Exec(ctx, `
INSERT INTO memory_facts (id, bot_id, user_id, key, value, source, confidence, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (bot_id, user_id, key)
DO UPDATE SET value = EXCLUDED.value, source = EXCLUDED.source, confidence = EXCLUDED.confidence`,
		f.ID, f.BotID, f.UserID, f.Key, f.Value, string(f.Source), f.Confidence, f.CreatedAt)
	if err != nil {
		return persistence.MemoryFact{}, err
	}
	return f, nil
}

func (s *pgMemoryStore) ListByBotUser(ctx context.Context, botID, userID string) ([]persistence.MemoryFact, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, bot_id, user_id, key, value, source, confidence, created_at
FROM memory_facts WHERE bot_id = $1 AND user_id = $2 ORDER BY created_at`, botID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.MemoryFact
	for rows.Next() {
		var f persistence.MemoryFact
		var source string
		if err := rows.Scan(&f.ID, &f.BotID, &f.UserID, &f.Key, &f.Value, &source, &f.Confidence, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Source = persistence.FactSource(source)
		out = append(out, f)
	}
	return out, rows.Err()
}
