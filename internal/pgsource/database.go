// Package pgsource is the Postgres Source Database Adapter: it implements
// tablereader.Database against a live pgxpool connection pool, grounded on
// the scan-query and replication-slot-probe patterns of source-postgres's
// backfill.go and database.go.
package pgsource

import (
	"context"
	"errors"
	"fmt"

	"github.com/dcotten/tablereader/internal/tablereader"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Database adapts a Postgres connection pool to tablereader.Database.
type Database struct {
	pool   *pgxpool.Pool
	schema string

	explained map[string]struct{}
}

// Open builds a Database from a pool that's already connected. Callers own
// the pool's lifecycle; Database never closes it.
func Open(pool *pgxpool.Pool, schema string) *Database {
	return &Database{pool: pool, schema: schema, explained: make(map[string]struct{})}
}

// FetchSlotLSN returns the replication slot's confirmed flush position,
// following queryReplicationSlotInfo's pg_catalog.pg_replication_slots
// query. A missing slot is reported as *tablereader.SlotNotFoundError
// rather than a generic error, so Worker.Run can propagate it unwrapped.
func (db *Database) FetchSlotLSN(ctx context.Context, slotName string) (tablereader.LSN, error) {
	const query = `SELECT confirmed_flush_lsn FROM pg_catalog.pg_replication_slots WHERE slot_name = $1`
	var lsnText *string
	row := db.pool.QueryRow(ctx, query, slotName)
	if err := row.Scan(&lsnText); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &tablereader.SlotNotFoundError{SlotName: slotName}
		}
		return 0, fmt.Errorf("querying replication slot %q: %w", slotName, err)
	}
	if lsnText == nil {
		return 0, &tablereader.SlotNotFoundError{SlotName: slotName}
	}
	lsn, err := pglogrepl.ParseLSN(*lsnText)
	if err != nil {
		return 0, fmt.Errorf("parsing confirmed_flush_lsn %q: %w", *lsnText, err)
	}
	return tablereader.LSN(lsn), nil
}

func (db *Database) explainOnce(ctx context.Context, streamID, query string, args []any) {
	if _, ok := db.explained[streamID]; ok {
		return
	}
	db.explained[streamID] = struct{}{}

	rows, err := db.pool.Query(ctx, "EXPLAIN "+query, args...)
	if err != nil {
		logrus.WithField("stream", streamID).WithError(err).Debug("explain scan query failed")
		return
	}
	defer rows.Close()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return
		}
		logrus.WithFields(logrus.Fields{"stream": streamID, "plan": vals}).Debug("explain scan query")
	}
}
