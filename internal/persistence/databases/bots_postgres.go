package databases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kilo/internal/persistence"
)

// NewPostgresBotStore returns a Postgres-backed bot store.
func NewPostgresBotStore(pool *pgxpool.Pool) persistence.BotStore {
	return &pgBotStore{pool: pool}
}

type pgBotStore struct {
	pool *pgxpool.Pool
}

func (s *pgBotStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres bot store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bots (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    personality TEXT NOT NULL DEFAULT '',
    soul JSONB,
    schema_name TEXT NOT NULL,
    tier TEXT NOT NULL DEFAULT 'free',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS bots_user_idx ON bots(user_id, created_at DESC);
`)
	return err
}

// SchemaNameFor derives the bot's dedicated schema name from its id.
func SchemaNameFor(botID string) string {
	compact := strings.ReplaceAll(botID, "-", "")
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return "bot_" + strings.ToLower(compact)
}

func (s *pgBotStore) Create(ctx context.Context, b persistence.Bot) (persistence.Bot, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.SchemaName = SchemaNameFor(b.ID)
	if b.Tier == "" {
		b.Tier = "free"
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	soul, err := marshalSoul(b.Soul)
	if err != nil {
		return persistence.Bot{}, err
	}

	// Row and schema are created atomically so a bot never exists without
	// its namespace.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistence.Bot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO bots (id, user_id, name, personality, soul, schema_name, tier, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.UserID, b.Name, b.Personality, soul, b.SchemaName, b.Tier, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return persistence.Bot{}, err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, b.SchemaName)); err != nil {
		return persistence.Bot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence.Bot{}, err
	}
	return b, nil
}

func (s *pgBotStore) Get(ctx context.Context, id string) (persistence.Bot, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, user_id, name, personality, soul, schema_name, tier, created_at, updated_at
FROM bots WHERE id = $1`, id)
	return scanBot(row)
}

func (s *pgBotStore) ListByUser(ctx context.Context, userID string) ([]persistence.Bot, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, name, personality, soul, schema_name, tier, created_at, updated_at
FROM bots WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *pgBotStore) Update(ctx context.Context, b persistence.Bot) (persistence.Bot, error) {
	soul, err := marshalSoul(b.Soul)
	if err != nil {
		return persistence.Bot{}, err
	}
	b.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE bots SET name = $2, personality = $3, soul = $4, tier = $5, updated_at = $6
WHERE id = $1`,
		b.ID, b.Name, b.Personality, soul, b.Tier, b.UpdatedAt)
	if err != nil {
		return persistence.Bot{}, err
	}
	if tag.RowsAffected() == 0 {
		return persistence.Bot{}, persistence.ErrNotFound
	}
	return s.Get(ctx, b.ID)
}

func (s *pgBotStore) Delete(ctx context.Context, id string) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	// Schema drop and row delete commit together; the bot's data namespace
	// cannot outlive the bot.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, b.SchemaName)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func marshalSoul(s *persistence.Soul) ([]byte, error) {
	if s.Empty() {
		return nil, nil
	}
	return json.Marshal(s)
}

func scanBot(row pgx.Row) (persistence.Bot, error) {
	var b persistence.Bot
	var soul []byte
	err := row.Scan(&b.ID, &b.UserID, &b.Name, &b.Personality, &soul, &b.SchemaName, &b.Tier, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.Bot{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.Bot{}, err
	}
	if len(soul) > 0 {
		var sl persistence.Soul
		if err := json.Unmarshal(soul, &sl); err == nil {
			b.Soul = &sl
		}
	}
	return b, nil
}
