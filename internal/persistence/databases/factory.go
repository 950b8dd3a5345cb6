package databases

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"kilo/internal/persistence"
)

// NewStores resolves the store bundle for the configured database. An empty
// DSN yields in-memory stores so database-less development runs still boot.
func NewStores(ctx context.Context, dsn string) (persistence.Stores, *pgxpool.Pool, error) {
	if dsn == "" {
		log.Info().Msg("stores: no database url, using in-memory stores")
		return NewMemoryStores(), nil, nil
	}
	pool, err := OpenPool(ctx, dsn)
	if err != nil {
		return persistence.Stores{}, nil, err
	}
	stores := persistence.Stores{
		Bots:       NewPostgresBotStore(pool),
		Skills:     NewPostgresSkillStore(pool),
		Tools:      NewPostgresToolStore(pool),
		Messages:   NewPostgresMessageStore(pool),
		Memory:     NewPostgresMemoryStore(pool),
		Usage:      NewPostgresUsageStore(pool),
		Pricing:    NewPostgresPricingStore(pool),
		Dismissals: NewPostgresDismissalStore(pool),
	}
	for _, init := range []interface {
		Init(context.Context) error
	}{stores.Bots, stores.Skills, stores.Tools, stores.Messages, stores.Memory, stores.Usage, stores.Pricing, stores.Dismissals} {
		if err := init.Init(ctx); err != nil {
			pool.Close()
			return persistence.Stores{}, nil, err
		}
	}
	return stores, pool, nil
}
