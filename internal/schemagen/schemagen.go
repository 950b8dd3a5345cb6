// Package schemagen turns a skill's input JSON-Schema into a relational
// table inside the owning bot's schema. All identifiers pass through the
// sanitizer before they reach DDL.
package schemagen

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"kilo/internal/kerr"
)

// DB is the slice of pgxpool.Pool the generator needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Generator creates and evolves skill data tables.
type Generator struct {
	db DB
}

// New builds a generator over the given database handle.
func New(db DB) *Generator {
	return &Generator{db: db}
}

// Result describes a created table.
type Result struct {
	TableName string
	DDL       string
}

// CreateSkillTable provisions one table for the skill in the bot's schema,
// resolving name collisions with numeric suffixes.
func (g *Generator) CreateSkillTable(ctx context.Context, schemaName, skillName, skillID string, inputSchema map[string]any) (Result, error) {
	base := TableNameFor(skillName)
	table := ""
	for i := 1; i <= 100; i++ {
		candidate := base
		if i > 1 {
			candidate = fmt.Sprintf("%s_%d", base, i)
		}
		exists, err := g.tableExists(ctx, schemaName, candidate)
		if err != nil {
			return Result{}, kerr.SchemaCreation(err, schemaName)
		}
		if !exists {
			table = candidate
			break
		}
	}
	if table == "" {
		return Result{}, kerr.SchemaCreation(fmt.Errorf("no free table name for %q", base), schemaName)
	}

	ddl, indexes, err := BuildCreateTable(schemaName, table, inputSchema)
	if err != nil {
		return Result{}, kerr.SchemaCreation(err, schemaName)
	}
	if _, err := g.db.Exec(ctx, ddl); err != nil {
		return Result{}, kerr.SchemaCreation(err, schemaName)
	}
	for _, idx := range indexes {
		if _, err := g.db.Exec(ctx, idx); err != nil {
			return Result{}, kerr.SchemaCreation(err, schemaName)
		}
	}

	log.Info().Str("schema", schemaName).Str("table", table).Str("skill_id", skillID).Msg("schemagen_table_created")
	return Result{TableName: table, DDL: ddl}, nil
}

// AddColumn evolves an existing table with one new column. Columns are only
// ever added; drops never happen here.
func (g *Generator) AddColumn(ctx context.Context, schemaName, table, propName string, propSchema map[string]any, required bool) error {
	col := SanitizeIdentifier(propName)
	sqlType, _, err := columnType(propSchema, col)
	if err != nil {
		return kerr.SchemaCreation(err, schemaName)
	}
	// Existing rows make NOT NULL unsatisfiable; new required columns land
	// nullable.
	stmt := fmt.Sprintf(`ALTER TABLE %q.%q ADD COLUMN IF NOT EXISTS %q %s`, schemaName, table, col, sqlType)
	if _, err := g.db.Exec(ctx, stmt); err != nil {
		return kerr.SchemaCreation(err, schemaName)
	}
	return nil
}

func (g *Generator) tableExists(ctx context.Context, schemaName, table string) (bool, error) {
	var exists bool
	err := g.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2
)`, schemaName, table).Scan(&exists)
	return exists, err
}

var tableSuffixes = []string{"_tracker", "_log", "_manager", "_builder", "_planner"}

// TableNameFor derives the base table name from the skill name: lowercase,
// alphanumerics joined by underscores, common agent-noun suffixes stripped,
// pluralized.
func TableNameFor(skillName string) string {
	name := strings.ToLower(skillName)
	var b strings.Builder
	lastUnderscore := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	for _, suffix := range tableSuffixes {
		if strings.HasSuffix(out, suffix) {
			out = strings.TrimSuffix(out, suffix)
			break
		}
	}
	out = strings.Trim(out, "_")
	if out == "" {
		out = "entry"
	}
	if !strings.HasSuffix(out, "s") {
		out += "s"
	}
	return SanitizeIdentifier(out)
}

var reservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "between": true, "both": true,
	"case": true, "cast": true, "check": true, "collate": true, "column": true,
	"constraint": true, "create": true, "current_date": true, "current_time": true,
	"default": true, "desc": true, "distinct": true, "do": true, "else": true,
	"end": true, "except": true, "false": true, "for": true, "foreign": true,
	"from": true, "grant": true, "group": true, "having": true, "in": true,
	"initially": true, "intersect": true, "into": true, "is": true, "join": true,
	"leading": true, "limit": true, "localtime": true, "not": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true,
	"placing": true, "primary": true, "references": true, "returning": true,
	"select": true, "session_user": true, "some": true, "symmetric": true,
	"table": true, "then": true, "to": true, "trailing": true, "true": true,
	"union": true, "unique": true, "user": true, "using": true, "when": true,
	"where": true, "window": true, "with": true,
}

var repeatedUnderscores = regexp.MustCompile(`_+`)

// SanitizeIdentifier makes an arbitrary string safe as a SQL identifier:
// lowercase, [a-z0-9_] only, collapsed underscores, col_ prefix when the
// result is reserved or does not start with a letter, 63-char cap.
func SanitizeIdentifier(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := repeatedUnderscores.ReplaceAllString(b.String(), "_")
	out = strings.Trim(out, "_")
	if out == "" {
		out = "col"
	}
	if reservedWords[out] || out[0] < 'a' || out[0] > 'z' {
		out = "col_" + out
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

type column struct {
	name     string
	sqlType  string
	notNull  bool
	indexed  bool
	check    string
}

// BuildCreateTable renders the CREATE TABLE statement plus index statements
// for the given input schema. Pure string assembly, no I/O.
func BuildCreateTable(schemaName, table string, inputSchema map[string]any) (string, []string, error) {
	props, required := schemaProperties(inputSchema)

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]column, 0, len(names))
	seen := map[string]bool{"id": true, "created_at": true, "updated_at": true, "skill_id": true}
	for _, name := range names {
		propSchema, _ := props[name].(map[string]any)
		col := SanitizeIdentifier(name)
		if seen[col] {
			continue
		}
		seen[col] = true
		sqlType, check, err := columnType(propSchema, col)
		if err != nil {
			return "", nil, err
		}
		isRequired := required[name]
		scalar := sqlType != "JSONB"
		isDate := sqlType == "DATE" || sqlType == "TIMESTAMPTZ"
		cols = append(cols, column{
			name:    col,
			sqlType: sqlType,
			notNull: isRequired,
			indexed: scalar && (isDate || isRequired),
			check:   check,
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %q.%q (\n", schemaName, table)
	b.WriteString("    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),\n")
	b.WriteString("    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),\n")
	b.WriteString("    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),\n")
	b.WriteString("    skill_id UUID")
	for _, c := range cols {
		b.WriteString(",\n")
		fmt.Fprintf(&b, "    %q %s", c.name, c.sqlType)
		if c.notNull {
			b.WriteString(" NOT NULL")
		}
		if c.check != "" {
			b.WriteString(" " + c.check)
		}
	}
	b.WriteString("\n)")

	var indexes []string
	for _, c := range cols {
		if !c.indexed {
			continue
		}
		indexes = append(indexes, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %q ON %q.%q (%q)`,
			SanitizeIdentifier(table+"_"+c.name+"_idx"), schemaName, table, c.name))
	}
	return b.String(), indexes, nil
}

func schemaProperties(inputSchema map[string]any) (map[string]any, map[string]bool) {
	props, _ := inputSchema["properties"].(map[string]any)
	required := map[string]bool{}
	if raw, ok := inputSchema["required"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	if raw, ok := inputSchema["required"].([]string); ok {
		for _, s := range raw {
			required[s] = true
		}
	}
	return props, required
}

func columnType(propSchema map[string]any, col string) (sqlType, check string, err error) {
	typ, _ := propSchema["type"].(string)
	format, _ := propSchema["format"].(string)
	switch typ {
	case "string":
		switch format {
		case "date":
			return "DATE", "", nil
		case "date-time":
			return "TIMESTAMPTZ", "", nil
		}
		if enum, ok := propSchema["enum"].([]any); ok && len(enum) > 0 {
			values := make([]string, 0, len(enum))
			for _, v := range enum {
				s, ok := v.(string)
				if !ok {
					return "", "", fmt.Errorf("non-string enum value in column %q", col)
				}
				values = append(values, "'"+strings.ReplaceAll(s, "'", "''")+"'")
			}
			return "TEXT", fmt.Sprintf("CHECK (%q IN (%s))", col, strings.Join(values, ", ")), nil
		}
		return "TEXT", "", nil
	case "integer":
		return "INTEGER", "", nil
	case "number":
		return "DOUBLE PRECISION", "", nil
	case "boolean":
		return "BOOLEAN", "", nil
	case "array", "object":
		return "JSONB", "", nil
	default:
		return "", "", fmt.Errorf("unsupported json-schema type %q for column %q", typ, col)
	}
}
