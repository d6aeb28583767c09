// Package registry implements tablereader.BackfillRegistry against
// Postgres, in the query style of source-postgres's database.go
// (plain pgxpool.Pool QueryRow/Exec calls, pgx.ErrNoRows checked explicitly
// rather than wrapped in a custom sentinel).
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dcotten/tablereader/internal/tablereader"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry adapts a Postgres pool to tablereader.BackfillRegistry. It
// expects the `table_reader_backfills` and `table_reader_consumers` tables
// described in SPEC_FULL.md §6 to already exist.
type Registry struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// LoadCursor returns the persisted cursor for backfillID, or a nil Cursor
// if the backfill hasn't started yet.
func (r *Registry) LoadCursor(ctx context.Context, backfillID string) (tablereader.Cursor, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT cursor FROM table_reader_backfills WHERE id = $1`, backfillID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading cursor for backfill %s: %w", backfillID, err)
	}
	return tablereader.UnmarshalCursor(json.RawMessage(raw))
}

// UpdateCursor persists the advancing cursor.
func (r *Registry) UpdateCursor(ctx context.Context, backfillID string, cur tablereader.Cursor) error {
	raw, err := cur.Marshal()
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE table_reader_backfills SET cursor = $2 WHERE id = $1`, backfillID, raw)
	if err != nil {
		return fmt.Errorf("updating cursor for backfill %s: %w", backfillID, err)
	}
	return nil
}

// DeleteCursor clears the persisted cursor, called once the backfill
// finishes so a restart with the same ID can't be mistaken for a resume.
func (r *Registry) DeleteCursor(ctx context.Context, backfillID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE table_reader_backfills SET cursor = NULL WHERE id = $1`, backfillID)
	if err != nil {
		return fmt.Errorf("deleting cursor for backfill %s: %w", backfillID, err)
	}
	return nil
}

// UpdateCounters adds the given deltas to the backfill's running totals.
func (r *Registry) UpdateCounters(ctx context.Context, backfillID string, rowsProcessed, rowsIngested int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE table_reader_backfills
		 SET rows_processed = rows_processed + $2, rows_ingested = rows_ingested + $3
		 WHERE id = $1`, backfillID, rowsProcessed, rowsIngested)
	if err != nil {
		return fmt.Errorf("updating counters for backfill %s: %w", backfillID, err)
	}
	return nil
}

// Finished marks the consumer's backfill complete.
func (r *Registry) Finished(ctx context.Context, consumerID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE table_reader_consumers SET backfill_finished_at = now() WHERE id = $1`, consumerID)
	if err != nil {
		return fmt.Errorf("marking consumer %s finished: %w", consumerID, err)
	}
	return nil
}

// ConsumerRecord loads the subset of the consumer record check_state
// needs. Returns tablereader.ErrConsumerNotFound if the row is gone.
func (r *Registry) ConsumerRecord(ctx context.Context, consumerID string) (tablereader.Consumer, error) {
	var c tablereader.Consumer
	err := r.pool.QueryRow(ctx,
		`SELECT id, active, slot_name FROM table_reader_consumers WHERE id = $1`, consumerID,
	).Scan(&c.ID, &c.Active, &c.SlotName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tablereader.Consumer{}, tablereader.ErrConsumerNotFound
		}
		return tablereader.Consumer{}, fmt.Errorf("loading consumer %s: %w", consumerID, err)
	}
	return c, nil
}
