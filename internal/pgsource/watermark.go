package pgsource

import (
	"context"
	"fmt"

	"github.com/dcotten/tablereader/internal/tablereader"
	"github.com/google/uuid"
)

const watermarksTable = "_tablereader_watermarks"

// ensureWatermarksTable mirrors WriteWatermark's CREATE-TABLE-IF-NOT-EXISTS
// in source-postgres's backfill.go, keyed by batch rather than by slot since
// a single slot backs many concurrent backfills here.
func (db *Database) ensureWatermarksTable(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (batch_id UUID PRIMARY KEY, watermark TEXT NOT NULL)`,
		quoteIdent(watermarksTable)))
	return err
}

func (db *Database) writeWatermark(ctx context.Context, batchID uuid.UUID, mark string) error {
	if err := db.ensureWatermarksTable(ctx); err != nil {
		return fmt.Errorf("creating watermarks table: %w", err)
	}
	_, err := db.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (batch_id, watermark) VALUES ($1, $2) ON CONFLICT (batch_id) DO UPDATE SET watermark = $2`,
		quoteIdent(watermarksTable)), batchID, mark)
	return err
}

// WithWatermark brackets body's row fetch with a low and high watermark
// write into the same replication stream the consumer's CDC pipeline
// observes, then reports the slot's write position as of the high
// watermark. It follows WriteWatermark's table-write mechanism from
// backfill.go; unlike the original connector it does not itself consume the
// replication stream to wait for the watermark to be relayed back — that
// correlation is the CDC pipeline's job on the other side of this
// interface, which is why approxLSN is documented as approximate.
func (db *Database) WithWatermark(ctx context.Context, slotID, backfillID string, batchID uuid.UUID, table tablereader.TableRef, body func(ctx context.Context) ([]tablereader.Message, error)) ([]tablereader.Message, tablereader.LSN, error) {
	if err := db.writeWatermark(ctx, batchID, "low:"+backfillID); err != nil {
		return nil, 0, fmt.Errorf("writing low watermark for batch %s: %w", batchID, err)
	}

	messages, err := body(ctx)
	if err != nil {
		return nil, 0, err
	}

	if err := db.writeWatermark(ctx, batchID, "high:"+backfillID); err != nil {
		return nil, 0, fmt.Errorf("writing high watermark for batch %s: %w", batchID, err)
	}

	lsn, err := db.FetchSlotLSN(ctx, slotID)
	if err != nil {
		return nil, 0, err
	}
	return messages, lsn, nil
}
