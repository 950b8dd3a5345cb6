package databases

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kilo/internal/persistence"
	"kilo/internal/vault"
)

// NewPostgresToolStore returns a Postgres-backed tool registry store.
func NewPostgresToolStore(pool *pgxpool.Pool) persistence.ToolStore {
	return &pgToolStore{pool: pool}
}

type pgToolStore struct {
	pool *pgxpool.Pool
}

func (s *pgToolStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres tool store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tool_entries (
    id UUID PRIMARY KEY,
    bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    base_url TEXT NOT NULL,
    auth_kind TEXT NOT NULL,
    encrypted_auth JSONB NOT NULL,
    endpoints JSONB NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (bot_id, name)
);
`)
	return err
}

const toolColumns = `id, bot_id, name, base_url, auth_kind, encrypted_auth, endpoints, active, created_at, updated_at`

func (s *pgToolStore) Create(ctx context.Context, t persistence.ToolEntry) (persistence.ToolEntry, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	auth, _ := json.Marshal(t.EncryptedAuth)
	endpoints, _ := json.Marshal(t.Endpoints)

	_, err := s.pool.Exec(ctx, `
INSERT INTO tool_entries (`+toolColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.BotID, t.Name, t.BaseURL, string(t.AuthKind), auth, endpoints, t.Active, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.ToolEntry{}, persistence.ErrConflict
		}
		return persistence.ToolEntry{}, err
	}
	return t, nil
}

func (s *pgToolStore) Get(ctx context.Context, id string) (persistence.ToolEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+toolColumns+` FROM tool_entries WHERE id = $1`, id)
	return scanTool(row)
}

func (s *pgToolStore) ListByBot(ctx context.Context, botID string) ([]persistence.ToolEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+toolColumns+` FROM tool_entries WHERE bot_id = $1 ORDER BY name`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTools(rows)
}

func (s *pgToolStore) ListByNames(ctx context.Context, botID string, names []string) ([]persistence.ToolEntry, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+toolColumns+` FROM tool_entries
WHERE bot_id = $1 AND active AND name = ANY($2) ORDER BY name`, botID, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTools(rows)
}

func (s *pgToolStore) Update(ctx context.Context, t persistence.ToolEntry) (persistence.ToolEntry, error) {
	t.UpdatedAt = time.Now().UTC()
	auth, _ := json.Marshal(t.EncryptedAuth)
	endpoints, _ := json.Marshal(t.Endpoints)
	tag, err := s.pool.Exec(ctx, `
UPDATE tool_entries SET name=$2, base_url=$3, auth_kind=$4, encrypted_auth=$5, endpoints=$6, active=$7, updated_at=$8
WHERE id = $1`,
		t.ID, t.Name, t.BaseURL, string(t.AuthKind), auth, endpoints, t.Active, t.UpdatedAt)
	if err != nil {
		return persistence.ToolEntry{}, err
	}
	if tag.RowsAffected() == 0 {
		return persistence.ToolEntry{}, persistence.ErrNotFound
	}
	return s.Get(ctx, t.ID)
}

func (s *pgToolStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tool_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func collectTools(rows pgx.Rows) ([]persistence.ToolEntry, error) {
	var out []persistence.ToolEntry
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTool(row pgx.Row) (persistence.ToolEntry, error) {
	var t persistence.ToolEntry
	var auth, endpoints []byte
	var kind string
	err := row.Scan(&t.ID, &t.BotID, &t.Name, &t.BaseURL, &kind, &auth, &endpoints, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.ToolEntry{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.ToolEntry{}, err
	}
	t.AuthKind = persistence.AuthKind(kind)
	var enc vault.Encrypted
	if json.Unmarshal(auth, &enc) == nil {
		t.EncryptedAuth = enc
	}
	_ = json.Unmarshal(endpoints, &t.Endpoints)
	return t, nil
}

func isUniqueViolation(err error) bool {
	// 23505 is the Postgres unique_violation SQLSTATE.
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
