package tablereader

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newFlushTestWorker() (*Worker, *fakeSMS, *fakeRegistry) {
	sms := &fakeSMS{}
	reg := newFakeRegistry()
	w := newTestWorker(&fakeDatabase{}, sms, reg)
	return w, sms, reg
}

func TestHandleFlushBatchCase1DefersWhileStage2InFlight(t *testing.T) {
	w, _, _ := newFlushTestWorker()
	batchID := uuid.New()
	w.stage2 = &task[stage2Result]{batchID: batchID, resultCh: make(chan stage2Result, 1)}

	reply := make(chan error, 1)
	err := w.handleFlushBatch(context.Background(), flushRequest{batchID: batchID, reply: reply})
	require.NoError(t, err)

	// The defer branch deliberately does not reply; it re-enqueues the
	// request instead, so nothing should be waiting on reply yet.
	select {
	case v := <-reply:
		t.Fatalf("expected no reply yet, got %v", v)
	default:
	}
}

func TestHandleFlushBatchCase2Ignorable(t *testing.T) {
	w, _, _ := newFlushTestWorker()
	batchID := uuid.New()
	w.ignorable[batchID] = struct{}{}
	w.multiset.Add(batchID, []PrimaryKey{"a"})

	reply := make(chan error, 1)
	err := w.handleFlushBatch(context.Background(), flushRequest{batchID: batchID, reply: reply})
	require.NoError(t, err)
	require.NoError(t, <-reply)

	_, stillIgnorable := w.ignorable[batchID]
	require.False(t, stillIgnorable)
	require.Equal(t, 0, w.multiset.Len(batchID))
}

func TestHandleFlushBatchCase3UnknownBatchWithEmptyQueue(t *testing.T) {
	w, _, _ := newFlushTestWorker()

	reply := make(chan error, 1)
	err := w.handleFlushBatch(context.Background(), flushRequest{batchID: uuid.New(), reply: reply})
	require.NoError(t, err)
	require.NoError(t, <-reply)
}

func TestHandleFlushBatchCase4DuplicateOfFlushedIsFatal(t *testing.T) {
	w, _, _ := newFlushTestWorker()
	batch := &Batch{ID: uuid.New()}
	w.queue.PushUnflushed(batch)
	w.queue.PopHeadToFlushed()

	reply := make(chan error, 1)
	err := w.handleFlushBatch(context.Background(), flushRequest{batchID: batch.ID, reply: reply})

	require.Error(t, err)
	var stopErr *WorkerStopError
	require.ErrorAs(t, err, &stopErr)
	require.Equal(t, StopReasonSMSFatal, stopErr.Reason)

	// The RPC itself still reports OK: the failure is internalized as a
	// worker stop, not surfaced to the caller.
	require.NoError(t, <-reply)
}

func TestHandleFlushBatchCase5OutOfOrderDoesNotMutate(t *testing.T) {
	w, _, _ := newFlushTestWorker()
	head := &Batch{ID: uuid.New()}
	second := &Batch{ID: uuid.New()}
	w.queue.PushUnflushed(head)
	w.queue.PushUnflushed(second)

	reply := make(chan error, 1)
	err := w.handleFlushBatch(context.Background(), flushRequest{batchID: second.ID, reply: reply})
	require.NoError(t, err)
	require.NoError(t, <-reply)

	require.Equal(t, head, w.queue.Head())
	require.Equal(t, 2, w.queue.Depth())
}

func TestHandleFlushBatchCase6NormalFlushPushesSurvivorsToSMS(t *testing.T) {
	w, sms, _ := newFlushTestWorker()
	batch := &Batch{
		ID:       uuid.New(),
		Cursor:   Cursor{float64(1)},
		Messages: []Message{{Key: "pk-1", Fields: map[string]any{"id": float64(1)}}},
	}
	w.queue.PushUnflushed(batch)
	w.multiset.Add(batch.ID, []PrimaryKey{"pk-1"})

	reply := make(chan error, 1)
	err := w.handleFlushBatch(context.Background(), flushRequest{batchID: batch.ID, commitLSN: LSN(42), reply: reply})
	require.NoError(t, err)
	require.NoError(t, <-reply)

	require.True(t, w.queue.IsFlushed(batch.ID))
	require.Nil(t, w.queue.Head())
	require.Contains(t, sms.putCalls, batch.ID)
	require.Equal(t, 0, w.multiset.Len(batch.ID))
}

func TestHandleFlushBatchCase6EmptySurvivorsCommitsInPlace(t *testing.T) {
	w, sms, reg := newFlushTestWorker()
	batch := &Batch{
		ID:         uuid.New(),
		Cursor:     Cursor{float64(1)},
		NextCursor: Cursor{float64(2)},
		Messages:   []Message{{Key: "pk-1", Fields: map[string]any{"id": float64(1)}}},
	}
	w.queue.PushUnflushed(batch)
	// pk-1 was removed from the multiset by a pks_seen CDC event before the
	// flush arrived, so there are no survivors to push.

	reply := make(chan error, 1)
	err := w.handleFlushBatch(context.Background(), flushRequest{batchID: batch.ID, reply: reply})
	require.NoError(t, err)
	require.NoError(t, <-reply)

	require.False(t, w.queue.IsFlushed(batch.ID))
	require.Nil(t, w.queue.Head())
	require.Empty(t, sms.putCalls)
	require.Equal(t, batch.NextCursor, reg.cursors["bf1"])

	select {
	case <-w.fetchNowCh:
	default:
		t.Fatal("expected scheduleFetch to wake the fetch timer")
	}
}

func TestHandleFlushBatchCase6SMSFatalErrorStopsWorkerButRepliesOK(t *testing.T) {
	w, sms, _ := newFlushTestWorker()
	sms.putBatchFn = func(ctx context.Context, consumerID string, messages []Message, batchID uuid.UUID) error {
		return &SMSError{Kind: SMSErrorOther, Err: context.Canceled}
	}
	batch := &Batch{ID: uuid.New(), Messages: []Message{{Key: "pk-1"}}}
	w.queue.PushUnflushed(batch)
	w.multiset.Add(batch.ID, []PrimaryKey{"pk-1"})

	reply := make(chan error, 1)
	err := w.handleFlushBatch(context.Background(), flushRequest{batchID: batch.ID, reply: reply})

	require.Error(t, err)
	var stopErr *WorkerStopError
	require.ErrorAs(t, err, &stopErr)
	require.Equal(t, StopReasonSMSFatal, stopErr.Reason)
	require.NoError(t, <-reply)
}

func TestHandleMailboxDropPksRemovesFromMultiset(t *testing.T) {
	w, _, _ := newFlushTestWorker()
	batchID := uuid.New()
	w.multiset.Add(batchID, []PrimaryKey{"a", "b"})

	reply := make(chan error, 1)
	err := w.handleMailbox(context.Background(), dropPksRequest{pks: []PrimaryKey{"a"}, reply: reply})
	require.NoError(t, err)
	require.NoError(t, <-reply)

	require.False(t, w.multiset.Contains(batchID, "a"))
	require.True(t, w.multiset.Contains(batchID, "b"))
}
