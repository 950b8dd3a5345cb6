package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"kilo/internal/cache"
	"kilo/internal/persistence"
	"kilo/internal/prompt"
	"kilo/internal/skills"
	"kilo/internal/sqlsandbox"
)

// RAGProvider retrieves knowledge chunks for skills that declare the need.
// The default runtime ships without a retrieval backend; the port exists so
// one can be wired in without touching the pipeline.
type RAGProvider interface {
	Chunks(ctx context.Context, botID, query string) ([]string, error)
}

// SchemaIntrospector reads table column layouts from the database.
type SchemaIntrospector interface {
	Columns(ctx context.Context, schemaName, table string) ([]prompt.ColumnInfo, error)
}

// StoreLoader is the production DataLoader: cache-first reads over the
// persistence stores, with the sandbox for data snapshots.
type StoreLoader struct {
	stores  persistence.Stores
	cache   *cache.Service
	sandbox *sqlsandbox.Executor
	schemas SchemaIntrospector
	rag     RAGProvider
}

// NewStoreLoader builds the loader. sandbox, schemas, and rag may be nil in
// database-less dev mode.
func NewStoreLoader(stores persistence.Stores, c *cache.Service, sandbox *sqlsandbox.Executor, schemas SchemaIntrospector, rag RAGProvider) *StoreLoader {
	return &StoreLoader{stores: stores, cache: c, sandbox: sandbox, schemas: schemas, rag: rag}
}

func (l *StoreLoader) BotConfig(ctx context.Context, botID string) (persistence.Bot, error) {
	var bot persistence.Bot
	if l.cache.Get(ctx, cache.BotConfigKey(botID), &bot) {
		return bot, nil
	}
	bot, err := l.stores.Bots.Get(ctx, botID)
	if err != nil {
		return persistence.Bot{}, err
	}
	l.cache.Set(ctx, cache.BotConfigKey(botID), bot, cache.DefaultTTL)
	return bot, nil
}

func (l *StoreLoader) ActiveSkills(ctx context.Context, botID string) ([]persistence.SkillDefinition, error) {
	var defs []persistence.SkillDefinition
	if l.cache.Get(ctx, cache.BotSkillsKey(botID), &defs) {
		return defs, nil
	}
	defs, err := l.stores.Skills.ListActiveByBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	l.cache.Set(ctx, cache.BotSkillsKey(botID), defs, cache.DefaultTTL)
	return defs, nil
}

func (l *StoreLoader) History(ctx context.Context, sessionID string, depth int) ([]persistence.Message, error) {
	if depth <= 0 {
		return nil, nil
	}
	return l.stores.Messages.History(ctx, sessionID, depth)
}

func (l *StoreLoader) LastAssistant(ctx context.Context, sessionID string) (persistence.Message, error) {
	return l.stores.Messages.LastAssistant(ctx, sessionID)
}

func (l *StoreLoader) MemoryFacts(ctx context.Context, botID, userID string) ([]persistence.MemoryFact, error) {
	return l.stores.Memory.ListByBotUser(ctx, botID, userID)
}

func (l *StoreLoader) RAGChunks(ctx context.Context, botID, query string) ([]string, error) {
	if l.rag == nil {
		return nil, nil
	}
	return l.rag.Chunks(ctx, botID, query)
}

func (l *StoreLoader) TableSchemas(ctx context.Context, bot persistence.Bot, skill persistence.SkillDefinition) ([]prompt.TableSchema, error) {
	if l.schemas == nil || len(skill.ReadableTables) == 0 {
		return nil, nil
	}
	var cached []prompt.TableSchema
	if l.cache.Get(ctx, cache.BotSchemasKey(bot.ID), &cached) {
		return cached, nil
	}
	out := make([]prompt.TableSchema, 0, len(skill.ReadableTables))
	for _, table := range skill.ReadableTables {
		cols, err := l.schemas.Columns(ctx, bot.SchemaName, table)
		if err != nil {
			return nil, err
		}
		out = append(out, prompt.TableSchema{Name: table, Columns: cols})
	}
	l.cache.Set(ctx, cache.BotSchemasKey(bot.ID), out, cache.DefaultTTL)
	return out, nil
}

func (l *StoreLoader) SkillData(ctx context.Context, bot persistence.Bot, skill persistence.SkillDefinition) (*prompt.DataSnapshot, error) {
	if l.sandbox == nil || skill.DataTable == "" {
		return nil, nil
	}
	// The skill's own table is always readable for its snapshot, whether or
	// not it appears in the readable set.
	allowed := append(append([]string{}, skill.ReadableTables...), skill.DataTable)
	preview, err := l.sandbox.Query(ctx, bot.SchemaName,
		fmt.Sprintf(`SELECT * FROM %s ORDER BY created_at DESC LIMIT 10`, skill.DataTable),
		allowed)
	if err != nil {
		// A snapshot is a nicety; the skill still works without it.
		log.Debug().Err(err).Str("table", skill.DataTable).Msg("loader_snapshot_failed")
		return nil, nil
	}
	count, err := l.sandbox.Query(ctx, bot.SchemaName,
		fmt.Sprintf(`SELECT COUNT(*) AS total FROM %s`, skill.DataTable),
		allowed)
	total := len(preview.Rows)
	if err == nil && len(count.Rows) == 1 {
		switch v := count.Rows[0]["total"].(type) {
		case int64:
			total = int(v)
		case int:
			total = v
		case float64:
			total = int(v)
		}
	}
	return &prompt.DataSnapshot{Rows: preview.Rows, Total: total}, nil
}

func (l *StoreLoader) ToolsByNames(ctx context.Context, botID string, names []string) ([]persistence.ToolEntry, error) {
	return l.stores.Tools.ListByNames(ctx, botID, names)
}

func (l *StoreLoader) RecentDismissals(ctx context.Context, botID string) ([]skills.Dismissal, error) {
	since := time.Now().Add(-skills.DismissalWindow)
	rows, err := l.stores.Dismissals.ListSince(ctx, botID, since)
	if err != nil {
		return nil, err
	}
	out := make([]skills.Dismissal, 0, len(rows))
	for _, d := range rows {
		out = append(out, skills.Dismissal{Name: d.Name, At: d.CreatedAt})
	}
	return out, nil
}

func (l *StoreLoader) RecordDismissal(ctx context.Context, botID, name string) error {
	_, err := l.stores.Dismissals.Record(ctx, persistence.ProposalDismissal{BotID: botID, Name: name})
	return err
}
