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

// NewPostgresSkillStore returns a Postgres-backed skill store.
func NewPostgresSkillStore(pool *pgxpool.Pool) persistence.SkillStore {
	return &pgSkillStore{pool: pool}
}

type pgSkillStore struct {
	pool *pgxpool.Pool
}

func (s *pgSkillStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres skill store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS skills (
    id UUID PRIMARY KEY,
    bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    trigger_patterns JSONB NOT NULL,
    behavior_prompt TEXT NOT NULL,
    input_schema JSONB,
    output_format TEXT NOT NULL DEFAULT 'text',
    schedule TEXT NOT NULL DEFAULT '',
    data_table TEXT,
    readable_tables JSONB,
    generated_ddl TEXT NOT NULL DEFAULT '',
    required_integrations JSONB,
    created_by TEXT NOT NULL DEFAULT 'user_conversation',
    version INTEGER NOT NULL DEFAULT 1,
    performance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS skills_bot_active_idx ON skills(bot_id, active);
`)
	return err
}

const skillColumns = `id, bot_id, name, description, trigger_patterns, behavior_prompt, input_schema,
output_format, schedule, data_table, readable_tables, generated_ddl, required_integrations,
created_by, version, performance_score, active, created_at, updated_at`

func (s *pgSkillStore) Create(ctx context.Context, def persistence.SkillDefinition) (persistence.SkillDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.OutputFormat == "" {
		def.OutputFormat = persistence.OutputText
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	triggers, _ := json.Marshal(def.TriggerPatterns)
	schema, readable, integrations := marshalSkillJSON(def)

	_, err := s.pool.Exec(ctx, `
INSERT INTO skills (`+skillColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		def.ID, def.BotID, def.Name, def.Description, triggers, def.BehaviorPrompt, schema,
		string(def.OutputFormat), def.Schedule, nullString(def.DataTable), readable, def.GeneratedDDL,
		integrations, string(def.CreatedBy), def.Version, def.PerformanceScore, def.Active,
		def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return persistence.SkillDefinition{}, err
	}
	return def, nil
}

func (s *pgSkillStore) Get(ctx context.Context, id string) (persistence.SkillDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = $1`, id)
	return scanSkill(row)
}

func (s *pgSkillStore) ListByBot(ctx context.Context, botID string) ([]persistence.SkillDefinition, error) {
	return s.list(ctx, `SELECT `+skillColumns+` FROM skills WHERE bot_id = $1 ORDER BY created_at`, botID)
}

func (s *pgSkillStore) ListActiveByBot(ctx context.Context, botID string) ([]persistence.SkillDefinition, error) {
	return s.list(ctx, `SELECT `+skillColumns+` FROM skills WHERE bot_id = $1 AND active ORDER BY created_at`, botID)
}

func (s *pgSkillStore) list(ctx context.Context, query, botID string) ([]persistence.SkillDefinition, error) {
	rows, err := s.pool.Query(ctx, query, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.SkillDefinition
	for rows.Next() {
		def, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *pgSkillStore) CountByBot(ctx context.Context, botID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM skills WHERE bot_id = $1`, botID).Scan(&n)
	return n, err
}

func (s *pgSkillStore) Update(ctx context.Context, def persistence.SkillDefinition) (persistence.SkillDefinition, error) {
	def.UpdatedAt = time.Now().UTC()
	triggers, _ := json.Marshal(def.TriggerPatterns)
	schema, readable, integrations := marshalSkillJSON(def)

	// Version bumps monotonically on every update.
	tag, err := s.pool.Exec(ctx, `
UPDATE skills SET name=$2, description=$3, trigger_patterns=$4, behavior_prompt=$5, input_schema=$6,
output_format=$7, schedule=$8, data_table=$9, readable_tables=$10, generated_ddl=$11,
required_integrations=$12, performance_score=$13, active=$14, version = version + 1, updated_at=$15
WHERE id = $1`,
		def.ID, def.Name, def.Description, triggers, def.BehaviorPrompt, schema,
		string(def.OutputFormat), def.Schedule, nullString(def.DataTable), readable, def.GeneratedDDL,
		integrations, def.PerformanceScore, def.Active, def.UpdatedAt)
	if err != nil {
		return persistence.SkillDefinition{}, err
	}
	if tag.RowsAffected() == 0 {
		return persistence.SkillDefinition{}, persistence.ErrNotFound
	}
	return s.Get(ctx, def.ID)
}

func (s *pgSkillStore) Delete(ctx context.Context, id string) error {
	// Messages reference skills weakly; clear before the row goes away.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE messages SET skill_id = NULL WHERE skill_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM skills WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return tx.Commit(ctx)
}

func marshalSkillJSON(def persistence.SkillDefinition) (schema, readable, integrations []byte) {
	if len(def.InputSchema) > 0 {
		schema, _ = json.Marshal(def.InputSchema)
	}
	if len(def.ReadableTables) > 0 {
		readable, _ = json.Marshal(def.ReadableTables)
	}
	if len(def.RequiredIntegrations) > 0 {
		integrations, _ = json.Marshal(def.RequiredIntegrations)
	}
	return schema, readable, integrations
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanSkill(row pgx.Row) (persistence.SkillDefinition, error) {
	var def persistence.SkillDefinition
	var triggers, schema, readable, integrations []byte
	var dataTable *string
	var outputFormat, createdBy string
	err := row.Scan(&def.ID, &def.BotID, &def.Name, &def.Description, &triggers, &def.BehaviorPrompt,
		&schema, &outputFormat, &def.Schedule, &dataTable, &readable, &def.GeneratedDDL,
		&integrations, &createdBy, &def.Version, &def.PerformanceScore, &def.Active,
		&def.CreatedAt, &def.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.SkillDefinition{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.SkillDefinition{}, err
	}
	def.OutputFormat = persistence.OutputFormat(outputFormat)
	def.CreatedBy = persistence.Provenance(createdBy)
	if dataTable != nil {
		def.DataTable = *dataTable
	}
	_ = json.Unmarshal(triggers, &def.TriggerPatterns)
	if len(schema) > 0 {
		_ = json.Unmarshal(schema, &def.InputSchema)
	}
	if len(readable) > 0 {
		_ = json.Unmarshal(readable, &def.ReadableTables)
	}
	if len(integrations) > 0 {
		_ = json.Unmarshal(integrations, &def.RequiredIntegrations)
	}
	return def, nil
}
