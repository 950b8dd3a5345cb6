package sqlsandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateQueryGuards(t *testing.T) {
	t.Parallel()
	schema := "bot_abc12345"
	allowed := []string{"coffees", "workouts"}

	t.Run("select passes and gets a limit", func(t *testing.T) {
		q, err := ValidateQuery("SELECT * FROM coffees WHERE mood = 'good'", schema, allowed)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(q, "LIMIT 1000"))
	})

	t.Run("with cte passes", func(t *testing.T) {
		_, err := ValidateQuery("WITH recent AS (SELECT * FROM coffees) SELECT count(*) FROM recent", schema, allowed)
		assert.NoError(t, err)
	})

	t.Run("non-select rejected", func(t *testing.T) {
		_, err := ValidateQuery("DELETE FROM coffees", schema, allowed)
		assert.Error(t, err)
	})

	t.Run("forbidden keywords rejected", func(t *testing.T) {
		for _, q := range []string{
			"SELECT * FROM coffees; DROP TABLE coffees",
			"SELECT * FROM coffees WHERE id IN (SELECT id FROM coffees) UNION SELECT * FROM pg_tables; INSERT INTO x VALUES (1)",
			"SELECT 1 INTO dumped FROM coffees",
			"SELECT * FROM coffees FOR UPDATE",
		} {
			_, err := ValidateQuery(q, schema, allowed)
			assert.Error(t, err, "query %q", q)
		}
	})

	t.Run("multi-statement rejected even without keywords", func(t *testing.T) {
		_, err := ValidateQuery("SELECT * FROM coffees; SELECT * FROM workouts", schema, allowed)
		assert.Error(t, err)
	})

	t.Run("trailing semicolon tolerated", func(t *testing.T) {
		q, err := ValidateQuery("SELECT * FROM coffees;", schema, allowed)
		require.NoError(t, err)
		assert.NotContains(t, q, ";")
	})

	t.Run("unknown table rejected", func(t *testing.T) {
		_, err := ValidateQuery("SELECT * FROM pg_shadow", schema, allowed)
		assert.Error(t, err)
	})

	t.Run("own-schema qualification allowed", func(t *testing.T) {
		_, err := ValidateQuery(`SELECT * FROM bot_abc12345.coffees`, schema, allowed)
		assert.NoError(t, err)
	})

	t.Run("foreign schema rejected", func(t *testing.T) {
		_, err := ValidateQuery(`SELECT * FROM bot_other123.coffees`, schema, allowed)
		assert.Error(t, err)
	})

	t.Run("existing limit preserved", func(t *testing.T) {
		q, err := ValidateQuery("SELECT * FROM coffees LIMIT 5", schema, allowed)
		require.NoError(t, err)
		assert.False(t, strings.HasSuffix(q, "LIMIT 1000"))
	})

	t.Run("join references checked", func(t *testing.T) {
		_, err := ValidateQuery("SELECT * FROM coffees JOIN secrets ON true", schema, allowed)
		assert.Error(t, err)
	})
}
