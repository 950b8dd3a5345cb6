package databases

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"kilo/internal/persistence"
)

// NewPostgresDismissalStore returns a Postgres-backed proposal dismissal
// store.
func NewPostgresDismissalStore(pool *pgxpool.Pool) persistence.DismissalStore {
	return &pgDismissalStore{pool: pool}
}

type pgDismissalStore struct {
	pool *pgxpool.Pool
}

func (s *pgDismissalStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres dismissal store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS proposal_dismissals (
    id UUID PRIMARY KEY,
    bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS proposal_dismissals_bot_created_idx ON proposal_dismissals(bot_id, created_at DESC);
`)
	return err
}

func (s *pgDismissalStore) Record(ctx context.Context, d persistence.ProposalDismissal) (persistence.ProposalDismissal, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO proposal_dismissals (id, bot_id, name, created_at)
VALUES ($1, $2, $3, $4)`,
		d.ID, d.BotID, d.Name, d.CreatedAt)
	if err != nil {
		return persistence.ProposalDismissal{}, err
	}
	return d, nil
}

func (s *pgDismissalStore) ListSince(ctx context.Context, botID string, since time.Time) ([]persistence.ProposalDismissal, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, bot_id, name, created_at
FROM proposal_dismissals WHERE bot_id = $1 AND created_at >= $2
ORDER BY created_at DESC`, botID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.ProposalDismissal
	for rows.Next() {
		var d persistence.ProposalDismissal
		if err := rows.Scan(&d.ID, &d.BotID, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
