package orchestrator

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"kilo/internal/prompt"
)

// PgIntrospector reads column layouts from information_schema.
type PgIntrospector struct {
	pool *pgxpool.Pool
}

func NewPgIntrospector(pool *pgxpool.Pool) *PgIntrospector {
	return &PgIntrospector{pool: pool}
}

func (p *PgIntrospector) Columns(ctx context.Context, schemaName, table string) ([]prompt.ColumnInfo, error) {
	rows, err := p.pool.Query(ctx, `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, schemaName, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []prompt.ColumnInfo
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, err
		}
		out = append(out, prompt.ColumnInfo{
			Name:    name,
			Type:    dataType,
			NotNull: nullable == "NO",
		})
	}
	return out, rows.Err()
}
