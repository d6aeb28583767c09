package tablereader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.gazette.dev/core/broker/client"
)

// task pairs a gazette-style OpFuture liveness signal with a typed result
// channel, which is the Go realization of the specification's
// {task_handle, batch_id, page_size, started_at} tuple: the owner's select
// loop can watch Done() to know when a result is ready without having to
// know the payload type, while the actual result travels on resultCh.
// At most one of current_id_fetch_task / current_batch_fetch_task is
// non-nil at a time (invariant 1); both are nil while the worker is idle.
type task[R any] struct {
	batchID   uuid.UUID
	pageSize  int
	startedAt time.Time
	op        *client.AsyncOperation
	resultCh  chan R
}

func (t *task[R]) done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.op.Done()
}

type stage1Result struct {
	pks        []PrimaryKey
	nextCursor Cursor
	err        error
}

type stage2Result struct {
	messages  []Message
	approxLSN LSN
	err       error
}

// launchStage1 starts the PK scan for batchID off the owner loop and
// returns a task the owner can select on.
func (w *Worker) launchStage1(ctx context.Context, batchID uuid.UUID, cur Cursor, includeMin bool, pageSize int) *task[stage1Result] {
	t := &task[stage1Result]{
		batchID:   batchID,
		pageSize:  pageSize,
		startedAt: time.Now(),
		op:        client.NewAsyncOperation(),
		resultCh:  make(chan stage1Result, 1),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.resultCh <- stage1Result{err: panicToErr(r)}
			}
			t.op.Resolve(nil)
		}()
		qctx, cancel := context.WithTimeout(ctx, w.cfg.maxQueryTimeout())
		defer cancel()
		pks, next, err := w.db.ScanPKs(qctx, w.table, cur, includeMin, pageSize)
		t.resultCh <- stage1Result{pks: pks, nextCursor: next, err: wrapFetchErr(qctx, err, pageSize)}
	}()
	return t
}

// launchStage2 starts the row fetch + watermark bracket for batchID.
func (w *Worker) launchStage2(ctx context.Context, batchID uuid.UUID, cur Cursor, includeMin bool, pageSize int) *task[stage2Result] {
	t := &task[stage2Result]{
		batchID:   batchID,
		pageSize:  pageSize,
		startedAt: time.Now(),
		op:        client.NewAsyncOperation(),
		resultCh:  make(chan stage2Result, 1),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.resultCh <- stage2Result{err: panicToErr(r)}
			}
			t.op.Resolve(nil)
		}()
		qctx, cancel := context.WithTimeout(ctx, w.cfg.maxQueryTimeout())
		defer cancel()
		filter := ConsumerFilter{ConsumerID: w.consumerID}
		msgs, lsn, err := w.db.WithWatermark(qctx, w.slotName, w.cfg.BackfillID, batchID, w.table, func(bodyCtx context.Context) ([]Message, error) {
			return w.db.FetchRows(bodyCtx, filter, w.table, cur, includeMin, pageSize)
		})
		t.resultCh <- stage2Result{messages: msgs, approxLSN: lsn, err: wrapFetchErr(qctx, err, pageSize)}
	}()
	return t
}

func panicToErr(r any) error {
	if err, ok := r.(error); ok {
		return transientError(0, err)
	}
	return transientError(0, errFromAny(r))
}
