package tablereader

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// fakeDatabase is a minimal, canned-response stand-in for Database, in the
// style of source-postgres's helpers_test.go fixtures.
type fakeDatabase struct {
	mu sync.Mutex

	scanPKsFn   func(ctx context.Context, table TableRef, cur Cursor, includeMin bool, limit int) ([]PrimaryKey, Cursor, error)
	fetchRowsFn func(ctx context.Context, consumer ConsumerFilter, table TableRef, cur Cursor, includeMin bool, limit int) ([]Message, error)
	watermarkFn func(ctx context.Context, slotID, backfillID string, batchID uuid.UUID, table TableRef, body func(ctx context.Context) ([]Message, error)) ([]Message, LSN, error)
	slotLSNFn   func(ctx context.Context, slotName string) (LSN, error)
}

func (f *fakeDatabase) ScanPKs(ctx context.Context, table TableRef, cur Cursor, includeMin bool, limit int) ([]PrimaryKey, Cursor, error) {
	return f.scanPKsFn(ctx, table, cur, includeMin, limit)
}

func (f *fakeDatabase) FetchRows(ctx context.Context, consumer ConsumerFilter, table TableRef, cur Cursor, includeMin bool, limit int) ([]Message, error) {
	return f.fetchRowsFn(ctx, consumer, table, cur, includeMin, limit)
}

func (f *fakeDatabase) WithWatermark(ctx context.Context, slotID, backfillID string, batchID uuid.UUID, table TableRef, body func(ctx context.Context) ([]Message, error)) ([]Message, LSN, error) {
	if f.watermarkFn != nil {
		return f.watermarkFn(ctx, slotID, backfillID, batchID, table, body)
	}
	msgs, err := body(ctx)
	return msgs, 0, err
}

func (f *fakeDatabase) FetchSlotLSN(ctx context.Context, slotName string) (LSN, error) {
	if f.slotLSNFn != nil {
		return f.slotLSNFn(ctx, slotName)
	}
	return 0, nil
}

// fakeSMS is an in-memory SMS stand-in with per-call hooks for error
// injection, used to exercise pushWithRetry and check_sms.
type fakeSMS struct {
	mu sync.Mutex

	putBatchFn      func(ctx context.Context, consumerID string, messages []Message, batchID uuid.UUID) error
	unpersistedFn   func(ctx context.Context, consumerID string, candidates []uuid.UUID) ([]uuid.UUID, error)
	countMessagesFn func(ctx context.Context, consumerID string) (int, error)
	putCalls        []uuid.UUID
	pushed          map[uuid.UUID][]Message
}

func (f *fakeSMS) PutBatch(ctx context.Context, consumerID string, messages []Message, batchID uuid.UUID) error {
	f.mu.Lock()
	f.putCalls = append(f.putCalls, batchID)
	if f.pushed == nil {
		f.pushed = make(map[uuid.UUID][]Message)
	}
	f.pushed[batchID] = messages
	f.mu.Unlock()
	if f.putBatchFn != nil {
		return f.putBatchFn(ctx, consumerID, messages, batchID)
	}
	return nil
}

func (f *fakeSMS) UnpersistedBatchIDs(ctx context.Context, consumerID string, candidates []uuid.UUID) ([]uuid.UUID, error) {
	if f.unpersistedFn != nil {
		return f.unpersistedFn(ctx, consumerID, candidates)
	}
	return nil, nil
}

func (f *fakeSMS) PushedFor(batchID uuid.UUID) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed[batchID]
}

func (f *fakeSMS) CountMessages(ctx context.Context, consumerID string) (int, error) {
	if f.countMessagesFn != nil {
		return f.countMessagesFn(ctx, consumerID)
	}
	return 0, nil
}

// fakeRegistry is an in-memory BackfillRegistry stand-in.
type fakeRegistry struct {
	mu sync.Mutex

	cursors        map[string]Cursor
	rowsProcessed  int64
	rowsIngested   int64
	consumer       Consumer
	consumerErr    error
	finishedCalled bool
	updateCursorFn func(ctx context.Context, backfillID string, cur Cursor) error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{cursors: make(map[string]Cursor)}
}

func (r *fakeRegistry) UpdateCursor(ctx context.Context, backfillID string, cur Cursor) error {
	if r.updateCursorFn != nil {
		if err := r.updateCursorFn(ctx, backfillID, cur); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[backfillID] = cur
	return nil
}

func (r *fakeRegistry) DeleteCursor(ctx context.Context, backfillID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cursors, backfillID)
	return nil
}

func (r *fakeRegistry) Finished(ctx context.Context, consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedCalled = true
	return nil
}

func (r *fakeRegistry) UpdateCounters(ctx context.Context, backfillID string, rowsProcessed, rowsIngested int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rowsProcessed += rowsProcessed
	r.rowsIngested += rowsIngested
	return nil
}

func (r *fakeRegistry) ConsumerRecord(ctx context.Context, consumerID string) (Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumerErr != nil {
		return Consumer{}, r.consumerErr
	}
	return r.consumer, nil
}

func (r *fakeRegistry) LoadCursor(ctx context.Context, backfillID string) (Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[backfillID], nil
}

// fakeBatchesChanged is a no-op BatchesChanged stand-in.
type fakeBatchesChanged struct{}

func (fakeBatchesChanged) Subscribe(ctx context.Context, consumerID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{})
	return ch, func() {}, nil
}

// newTestWorker builds a Worker with fakes wired in and its owner-private
// state initialized as NewWorker + the start of Run would, without
// actually running the owner loop — tests drive handleFlushBatch / the
// state.go helpers directly against this fixture.
func newTestWorker(db Database, smsImpl SMS, reg BackfillRegistry) *Worker {
	cfg := Config{BackfillID: "bf1", TableOID: "public.widgets"}
	table := TableRef{OID: "public.widgets", KeyColumns: []string{"id"}}
	w := NewWorker(cfg, db, smsImpl, reg, fakeBatchesChanged{}, NewMultisetRegistry(), table, "slot1", "consumer1", nil)
	w.optimizer = NewPageSizeOptimizer(w.cfg.InitialPageSize, w.cfg.MaxPageSize, w.cfg.maxQueryTimeout())
	w.multiset = w.consumers.Register(w.consumerID)
	return w
}
