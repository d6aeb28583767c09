package tablereader

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// handleMailbox dispatches one RPC received on the owner's mailbox. A
// non-nil return value means the owner loop should stop with that error.
func (w *Worker) handleMailbox(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case flushRequest:
		return w.handleFlushBatch(ctx, m)
	case dropPksRequest:
		w.multiset.RemoveFromAll(m.pks)
		m.reply <- nil
		return nil
	default:
		return nil
	}
}

// handleFlushBatch implements the flush_batch peer operation per §4.4,
// evaluated in the order the specification lists. flush_batch is always OK
// from the caller's perspective — internal errors are internalized as a
// worker stop rather than surfaced as an RPC failure — except for case 1,
// where the reply is deliberately withheld until the re-enqueued call is
// eventually processed for real.
func (w *Worker) handleFlushBatch(ctx context.Context, req flushRequest) error {
	// Case 1: a Stage-2 task for this batch is still in flight. The result
	// hasn't landed in the mailbox yet; defer the call back to ourselves
	// rather than blocking (blocking here would deadlock if Stage 2 itself
	// needs the owner's mailbox to complete).
	if w.stage2 != nil && w.stage2.batchID == req.batchID {
		go func() {
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
				return
			}
			select {
			case w.mailbox <- req:
			case <-ctx.Done():
			}
		}()
		return nil
	}

	// Case 2: already marked ignorable.
	if _, ok := w.ignorable[req.batchID]; ok {
		delete(w.ignorable, req.batchID)
		w.multiset.Delete(req.batchID)
		req.reply <- nil
		return nil
	}

	// Case 3: unflushed is empty and the batch is unknown — late/duplicate.
	known := w.queue.FindUnflushed(req.batchID) != nil || w.queue.IsFlushed(req.batchID)
	if len(w.queue.UnflushedBatches()) == 0 && !known {
		w.log.WithField("batch_id", req.batchID).Info("flush_batch for unknown batch, acknowledging")
		req.reply <- nil
		return nil
	}

	// Case 4: duplicate delivery of an already-flushed batch is a logic
	// error in the CDC pipeline — stop the worker. (Open Question in
	// SPEC_FULL.md §9: the stricter behavior is intentionally preserved.)
	if w.queue.IsFlushed(req.batchID) {
		req.reply <- nil
		return stopf(StopReasonSMSFatal, errors.New("duplicate flush_batch for already-flushed batch"))
	}

	head := w.queue.Head()

	// Case 5: out-of-order flush.
	if head == nil || head.ID != req.batchID {
		w.log.WithField("batch_id", req.batchID).Warn("out-of-order flush_batch, acknowledging without mutating")
		req.reply <- nil
		return nil
	}

	// Case 6: normal flush of the head.
	stopErr := w.flushHead(ctx, head, req.commitLSN)
	req.reply <- nil
	return stopErr
}

func (w *Worker) flushHead(ctx context.Context, batch *Batch, commitLSN LSN) error {
	var survivors []Message
	for _, msg := range batch.Messages {
		if w.multiset.Contains(batch.ID, msg.Key) {
			survivors = append(survivors, msg)
		}
	}
	w.multiset.Delete(batch.ID)

	if len(survivors) == 0 {
		w.queue.DropHeadUnflushed()
		// Persist NextCursor, not the batch's starting Cursor: every row in
		// this window was already handled (filtered out here because a CDC
		// event superseded it before flush), so a restart must resume past
		// this batch rather than rescan and re-deliver the same rows.
		if err := w.registry.UpdateCursor(ctx, w.cfg.BackfillID, batch.NextCursor); err != nil {
			return stopf(StopReasonSMSFatal, err)
		}
		w.scheduleFetch()
		return nil
	}

	for i := range survivors {
		survivors[i].CommitLSN = commitLSN
		survivors[i].CommitIdx = i
	}

	if err := pushWithRetry(ctx, w.sms, w.consumerID, survivors, batch.ID, &w.cfg); err != nil {
		return stopf(StopReasonSMSFatal, err)
	}

	batch.Messages = nil
	w.queue.PopHeadToFlushed()
	return nil
}

// pushWithRetry implements the SMS push retry envelope of §4.5: on
// payload-too-large, back off exponentially from 50ms with a 1s cap and
// give up after 1 minute of total elapsed retrying; on any other error,
// surface immediately.
func pushWithRetry(ctx context.Context, sms SMS, consumerID string, messages []Message, batchID uuid.UUID, cfg *Config) error {
	const initialBackoff = 50 * time.Millisecond
	backoffCap := cfg.maxBackoff()
	backoff := initialBackoff
	deadline := time.Now().Add(cfg.maxBackoffTime())
	for {
		err := sms.PutBatch(ctx, consumerID, messages, batchID)
		if err == nil {
			return nil
		}
		var smsErr *SMSError
		if !errors.As(err, &smsErr) || smsErr.Kind != SMSErrorPayloadTooLarge {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}
