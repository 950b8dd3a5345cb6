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
)

// NewPostgresMessageStore returns a Postgres-backed message store.
func NewPostgresMessageStore(pool *pgxpool.Pool) persistence.MessageStore {
	return &pgMessageStore{pool: pool}
}

type pgMessageStore struct {
	pool *pgxpool.Pool
}

func (s *pgMessageStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres message store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS messages (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL,
    bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    attachments JSONB,
    skill_id UUID,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS messages_session_created_idx ON messages(session_id, created_at);
`)
	return err
}

func (s *pgMessageStore) Append(ctx context.Context, m persistence.Message) (persistence.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var attachments []byte
	if len(m.Attachments) > 0 {
		attachments, _ = json.Marshal(m.Attachments)
	}
	// Builtin skill identifiers are not UUIDs and cannot be stored in the
	// skill_id column; they are nulled here while the API response keeps them.
	skillID := m.SkillID
	if skillID != nil {
		if _, err := uuid.Parse(*skillID); err != nil {
			skillID = nil
		}
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO messages (id, session_id, bot_id, role, content, attachments, skill_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.SessionID, m.BotID, m.Role, m.Content, attachments, skillID, m.CreatedAt)
	if err != nil {
		return persistence.Message{}, err
	}
	return m, nil
}

func (s *pgMessageStore) History(ctx context.Context, sessionID string, limit int) ([]persistence.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, session_id, bot_id, role, content, attachments, skill_id, created_at
FROM messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first query, chronological result.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *pgMessageStore) LastAssistant(ctx context.Context, sessionID string) (persistence.Message, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, session_id, bot_id, role, content, attachments, skill_id, created_at
FROM messages WHERE session_id = $1 AND role = 'assistant'
ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (persistence.Message, error) {
	var m persistence.Message
	var attachments []byte
	err := row.Scan(&m.ID, &m.SessionID, &m.BotID, &m.Role, &m.Content, &attachments, &m.SkillID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.Message{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.Message{}, err
	}
	if len(attachments) > 0 {
		_ = json.Unmarshal(attachments, &m.Attachments)
	}
	return m, nil
}
