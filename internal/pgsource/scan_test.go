package pgsource

import (
	"testing"

	"github.com/dcotten/tablereader/internal/tablereader"
	"github.com/stretchr/testify/require"
)

// TestBuildKeysetQueryGeneration exercises buildKeysetQuery the way
// source-postgres's backfill_test.go exercises buildScanQuery: one query
// built per representative case, asserted against the literal SQL text.
// cupaloy-style snapshotting isn't used here since there's no prior fixture
// run to snapshot against; the assertions below pin the same query shapes
// directly instead.
func TestBuildKeysetQueryGeneration(t *testing.T) {
	db := &Database{schema: "public"}
	table := tablereader.TableRef{OID: "users", KeyColumns: []string{"id"}}

	query, args := db.buildKeysetQuery(table, nil, false, 100, table.KeyColumns)
	require.Equal(t, `SELECT "id" FROM "public"."users" ORDER BY ("id") LIMIT 100`, query)
	require.Empty(t, args)

	query, args = db.buildKeysetQuery(table, tablereader.Cursor{float64(5)}, false, 100, table.KeyColumns)
	require.Equal(t, `SELECT "id" FROM "public"."users" WHERE ("id") > ($1) ORDER BY ("id") LIMIT 100`, query)
	require.Equal(t, []any{float64(5)}, args)

	query, _ = db.buildKeysetQuery(table, tablereader.Cursor{float64(5)}, true, 100, table.KeyColumns)
	require.Contains(t, query, `>= ($1)`)

	query, _ = db.buildKeysetQuery(table, nil, false, 50, nil)
	require.Equal(t, `SELECT * FROM "public"."users" ORDER BY ("id") LIMIT 50`, query)
}

// TestBuildKeysetQueryCompositeKeyAndQuoting mirrors the
// quoted_column_name case in backfill_test.go: identifiers containing
// characters that need escaping, and a composite key.
func TestBuildKeysetQueryCompositeKeyAndQuoting(t *testing.T) {
	db := &Database{schema: "public"}
	table := tablereader.TableRef{OID: "special_users", KeyColumns: []string{"user-id", `group"name`}}

	query, args := db.buildKeysetQuery(table, tablereader.Cursor{float64(1), "x"}, false, 10, table.KeyColumns)
	require.Equal(t,
		`SELECT "user-id", "group""name" FROM "public"."special_users" WHERE ("user-id", "group""name") > ($1, $2) ORDER BY ("user-id", "group""name") LIMIT 10`,
		query)
	require.Equal(t, []any{float64(1), "x"}, args)
}
