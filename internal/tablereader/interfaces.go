package tablereader

import (
	"context"

	"github.com/google/uuid"
)

// TableRef identifies the source table a worker scans.
type TableRef struct {
	OID        string
	KeyColumns []string
}

// ConsumerFilter is the schema/predicate information Stage 2 needs to
// decide which columns and rows belong in the batch's messages. It is
// opaque to the core package; adapters interpret it.
type ConsumerFilter struct {
	ConsumerID string
	Filter     map[string]any
}

// Consumer is the subset of the consumer record the state machine needs
// from the Backfill Registry's check_state refresh.
type Consumer struct {
	ID       string
	Active   bool
	SlotName string
}

// Database is the Source Database Adapter collaborator: it executes the
// primary-key scan (Stage 1), the follow-up row fetch bracketed by
// watermarks (Stage 2), and reports the replication slot's current write
// position.
type Database interface {
	// ScanPKs performs the Stage-1 keyset-paginated primary-key scan.
	// includeMin is true only when cur equals the backfill's configured
	// minimum cursor, toggling >= vs > on the leading sort key.
	ScanPKs(ctx context.Context, table TableRef, cur Cursor, includeMin bool, limit int) (pks []PrimaryKey, nextCursor Cursor, err error)

	// FetchRows performs the Stage-2 row fetch for the same keyset window
	// as the preceding ScanPKs call. Returned messages are in cursor order
	// and are a superset-by-PK of what the sink will ultimately receive.
	FetchRows(ctx context.Context, consumer ConsumerFilter, table TableRef, cur Cursor, includeMin bool, limit int) (messages []Message, err error)

	// WithWatermark brackets body with a low and a high watermark emitted
	// through the replication slot, and returns body's messages along with
	// the slot's approximate LSN at the point the high watermark was
	// written.
	WithWatermark(ctx context.Context, slotID, backfillID string, batchID uuid.UUID, table TableRef, body func(ctx context.Context) ([]Message, error)) (messages []Message, approxLSN LSN, err error)

	// FetchSlotLSN returns the replication slot's current write position.
	// Returns a *SlotNotFoundError if the slot does not exist.
	FetchSlotLSN(ctx context.Context, slotName string) (LSN, error)
}

// SMS is the Slot Message Store collaborator: it accepts batches, reports
// which batch IDs are not yet persisted, and counts pending messages.
type SMS interface {
	// PutBatch pushes messages for batchID. Returns an *SMSError
	// distinguishing payload-too-large from other failures.
	PutBatch(ctx context.Context, consumerID string, messages []Message, batchID uuid.UUID) error
	// UnpersistedBatchIDs returns which of the caller's flushed batch IDs
	// are still unpersisted.
	UnpersistedBatchIDs(ctx context.Context, consumerID string, candidates []uuid.UUID) ([]uuid.UUID, error)
	// CountMessages returns the number of pending messages for consumerID.
	CountMessages(ctx context.Context, consumerID string) (int, error)
}

// BackfillRegistry is the Backfill Registry collaborator: it persists the
// advancing cursor and rows-processed counters, and signals when a
// backfill is deactivated.
type BackfillRegistry interface {
	UpdateCursor(ctx context.Context, backfillID string, cur Cursor) error
	DeleteCursor(ctx context.Context, backfillID string) error
	Finished(ctx context.Context, consumerID string) error
	UpdateCounters(ctx context.Context, backfillID string, rowsProcessed, rowsIngested int64) error
	ConsumerRecord(ctx context.Context, consumerID string) (Consumer, error)
	LoadCursor(ctx context.Context, backfillID string) (Cursor, error)
}

// BatchesChanged is the pub/sub channel keyed {table_reader_batches_changed,
// consumer_id} whose messages opportunistically trigger check_sms.
type BatchesChanged interface {
	Subscribe(ctx context.Context, consumerID string) (notify <-chan struct{}, unsubscribe func(), err error)
}
