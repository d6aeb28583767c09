package pgsource

import (
	"context"
	"fmt"
	"strings"

	"github.com/dcotten/tablereader/internal/tablereader"
	"github.com/sirupsen/logrus"
)

// ScanPKs performs Stage 1: a keyset-paginated scan that selects only the
// primary key columns, so the cheap pass can populate the PK multiset well
// before the heavier FetchRows call returns. Grounded on buildScanQuery /
// ScanTableChunk in source-postgres's backfill.go, restricted to the key
// columns. The next cursor is the key of the last row returned, or cur
// unchanged when no rows come back.
func (db *Database) ScanPKs(ctx context.Context, table tablereader.TableRef, cur tablereader.Cursor, includeMin bool, limit int) ([]tablereader.PrimaryKey, tablereader.Cursor, error) {
	query, args := db.buildKeysetQuery(table, cur, includeMin, limit, table.KeyColumns)
	db.explainOnce(ctx, table.OID+":pks", query, args)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("scanning primary keys for %s: %w", table.OID, err)
	}
	defer rows.Close()

	var pks []tablereader.PrimaryKey
	var lastRow []any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("reading primary key row for %s: %w", table.OID, err)
		}
		fields := make(map[string]any, len(table.KeyColumns))
		for i, col := range table.KeyColumns {
			fields[col] = vals[i]
		}
		pk, err := tablereader.EncodeRowKey(table.KeyColumns, fields)
		if err != nil {
			return nil, nil, err
		}
		pks = append(pks, pk)
		lastRow = vals
	}
	if rows.Err() != nil {
		return nil, nil, fmt.Errorf("scanning primary keys for %s: %w", table.OID, rows.Err())
	}

	var next tablereader.Cursor
	if lastRow != nil {
		next = tablereader.Cursor(lastRow)
	} else {
		next = cur
	}
	return pks, next, nil
}

// FetchRows performs Stage 2's row fetch over the identical keyset window
// used by the preceding ScanPKs call, selecting the full row.
func (db *Database) FetchRows(ctx context.Context, consumer tablereader.ConsumerFilter, table tablereader.TableRef, cur tablereader.Cursor, includeMin bool, limit int) ([]tablereader.Message, error) {
	query, args := db.buildKeysetQuery(table, cur, includeMin, limit, nil)
	db.explainOnce(ctx, table.OID+":rows", query, args)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching rows for %s: %w", table.OID, err)
	}
	defer rows.Close()

	cols := rows.FieldDescriptions()
	var messages []tablereader.Message
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row for %s: %w", table.OID, err)
		}
		fields := make(map[string]any, len(cols))
		for i, col := range cols {
			fields[string(col.Name)] = vals[i]
		}
		key, err := tablereader.EncodeRowKey(table.KeyColumns, fields)
		if err != nil {
			return nil, err
		}
		messages = append(messages, tablereader.Message{Key: key, Fields: fields})
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("fetching rows for %s: %w", table.OID, rows.Err())
	}
	return messages, nil
}

// buildKeysetQuery builds `SELECT <cols> FROM <table> WHERE (keys) >[=] ($1...) ORDER BY (keys) LIMIT n`,
// following buildScanQuery's structure. selectCols of nil means `SELECT *`.
func (db *Database) buildKeysetQuery(table tablereader.TableRef, cur tablereader.Cursor, includeMin bool, limit int, selectCols []string) (string, []any) {
	var pkey string
	for i, col := range table.KeyColumns {
		if i > 0 {
			pkey += ", "
		}
		pkey += quoteIdent(col)
	}

	var cols = "*"
	if len(selectCols) > 0 {
		quoted := make([]string, len(selectCols))
		for i, c := range selectCols {
			quoted[i] = quoteIdent(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s.%s", cols, quoteIdent(db.schema), quoteIdent(table.OID))

	var args []any
	if len(cur) > 0 {
		op := ">"
		if includeMin {
			op = ">="
		}
		placeholders := make([]string, len(cur))
		for i, v := range cur {
			args = append(args, v)
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		fmt.Fprintf(&b, " WHERE (%s) %s (%s)", pkey, op, strings.Join(placeholders, ", "))
	}
	fmt.Fprintf(&b, " ORDER BY (%s) LIMIT %d", pkey, limit)

	logrus.WithFields(logrus.Fields{"table": table.OID, "limit": limit}).Debug("built keyset scan query")
	return b.String(), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
