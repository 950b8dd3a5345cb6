// Package sqlsandbox executes LLM-proposed reads against a bot's skill data
// under a strict guard list, plus parser-bypassing write helpers for the
// declared data table.
package sqlsandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"kilo/internal/schemagen"
)

const (
	queryTimeout = 5 * time.Second
	rowCap       = 1000
)

// TxBeginner is the slice of pgxpool.Pool the executor needs.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Executor runs guarded queries scoped to one bot schema.
type Executor struct {
	db TxBeginner
}

// New builds an executor over the given database handle.
func New(db TxBeginner) *Executor {
	return &Executor{db: db}
}

// Result carries query rows plus the truncation flag.
type Result struct {
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated"`
}

var (
	forbiddenKeyword = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|INTO|SET)\b`)
	tableRef         = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_"][a-zA-Z0-9_".]*)`)
	cteName          = regexp.MustCompile(`(?i)(?:\bWITH\s+|,\s*)([a-z_][a-z0-9_]*)\s+AS\s*\(`)
	hasLimit         = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
)

// ValidateQuery applies the guard rules in order and returns the query to
// execute (with LIMIT appended when missing).
func ValidateQuery(query, schemaName string, allowedTables []string) (string, error) {
	q := strings.TrimSpace(query)
	upper := strings.ToUpper(q)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "", fmt.Errorf("only SELECT queries are allowed")
	}
	if m := forbiddenKeyword.FindString(q); m != "" {
		return "", fmt.Errorf("forbidden keyword %q in query", strings.ToUpper(m))
	}
	// A terminator followed by anything else means a second statement.
	if idx := strings.Index(q, ";"); idx >= 0 {
		if strings.TrimSpace(q[idx+1:]) != "" {
			return "", fmt.Errorf("multiple statements are not allowed")
		}
		q = strings.TrimSpace(q[:idx])
	}

	allowed := map[string]bool{}
	for _, t := range allowedTables {
		allowed[strings.ToLower(t)] = true
	}
	// Names defined by the query's own CTEs are legal references.
	for _, m := range cteName.FindAllStringSubmatch(q, -1) {
		allowed[strings.ToLower(m[1])] = true
	}
	for _, m := range tableRef.FindAllStringSubmatch(q, -1) {
		ref := strings.ToLower(strings.ReplaceAll(m[1], `"`, ""))
		if schema, _, ok := strings.Cut(ref, "."); ok {
			if schema != strings.ToLower(schemaName) {
				return "", fmt.Errorf("table %q is outside the bot schema", ref)
			}
			continue
		}
		if !allowed[ref] {
			return "", fmt.Errorf("table %q is not readable by this skill", ref)
		}
	}

	if !hasLimit.MatchString(q) {
		q = q + fmt.Sprintf(" LIMIT %d", rowCap)
	}
	return q, nil
}

// Query validates and executes a read. The bot schema becomes the
// transaction-local search path so unqualified names resolve inside it.
func (e *Executor) Query(ctx context.Context, schemaName, query string, allowedTables []string) (Result, error) {
	validated, err := ValidateQuery(query, schemaName, allowedTables)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL search_path TO %q`, schemaName)); err != nil {
		return Result{}, err
	}
	rows, err := tx.Query(ctx, validated)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := Result{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Result{}, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		result.Rows = append(result.Rows, row)
		if len(result.Rows) >= rowCap {
			result.Truncated = true
			break
		}
	}
	if err := rows.Err(); err != nil && !result.Truncated {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}

	log.Debug().Str("schema", schemaName).Int("rows", len(result.Rows)).Bool("truncated", result.Truncated).Msg("sqlsandbox_query_ok")
	return result, nil
}

// Insert writes one row into the caller-declared table, bypassing the query
// parser entirely.
func (e *Executor) Insert(ctx context.Context, schemaName, table, skillID string, data map[string]any) error {
	if len(data) == 0 {
		return fmt.Errorf("insert requires at least one column")
	}
	cols := []string{"skill_id"}
	args := []any{skillID}
	placeholders := []string{"$1"}
	i := 2
	for k, v := range data {
		cols = append(cols, fmt.Sprintf("%q", schemagen.SanitizeIdentifier(k)))
		args = append(args, v)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		i++
	}
	stmt := fmt.Sprintf(`INSERT INTO %q.%q (%s) VALUES (%s)`,
		schemaName, table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return e.execOne(ctx, stmt, args)
}

// Update writes column values for one row of the caller-declared table.
func (e *Executor) Update(ctx context.Context, schemaName, table, id string, data map[string]any) error {
	if len(data) == 0 {
		return fmt.Errorf("update requires at least one column")
	}
	sets := []string{}
	args := []any{id}
	i := 2
	for k, v := range data {
		sets = append(sets, fmt.Sprintf("%q = $%d", schemagen.SanitizeIdentifier(k), i))
		args = append(args, v)
		i++
	}
	stmt := fmt.Sprintf(`UPDATE %q.%q SET %s, updated_at = NOW() WHERE id = $1`,
		schemaName, table, strings.Join(sets, ", "))
	return e.execOne(ctx, stmt, args)
}

func (e *Executor) execOne(ctx context.Context, stmt string, args []any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
