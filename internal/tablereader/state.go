package tablereader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// shouldFetch reports whether the owner loop may start a new Stage-1 scan:
// no fetch already in flight, the source isn't exhausted, the queue has
// room under MaxBatchesInMemory, any backoff from a prior transient
// failure has elapsed, and the SMS pending-message count is below
// MaxPendingMessages.
func (w *Worker) shouldFetch() bool {
	if w.doneFetching || w.stage1 != nil || w.stage2 != nil {
		return false
	}
	if w.queue.Depth() >= w.cfg.MaxBatchesInMemory {
		return false
	}
	if w.successiveFailures > 0 {
		if time.Since(w.lastFetchRequestAt) < fetchBackoffDuration(w.successiveFailures) {
			return false
		}
	}
	if w.smsPendingCount >= w.cfg.MaxPendingMessages {
		return false
	}
	return true
}

// launchFetch starts Stage 1 for a freshly minted batch ID at the worker's
// current cursor.
func (w *Worker) launchFetch(ctx context.Context) {
	w.fetchBatchID = uuid.New()
	w.fetchCursor = w.cursor
	w.fetchIncludeMin = w.includeMin
	w.lastFetchRequestAt = time.Now()
	w.stage1 = w.launchStage1(ctx, w.fetchBatchID, w.fetchCursor, w.fetchIncludeMin, w.optimizer.Size())
}

// scheduleFetch wakes the owner loop's fetch timer immediately, used after
// a batch commits in place with zero survivors (flush.go's empty-survivors
// branch) so the worker doesn't idle for up to a second before trying the
// next page.
func (w *Worker) scheduleFetch() {
	select {
	case w.fetchNowCh <- struct{}{}:
	default:
	}
}

// handleStage1Result consumes the Stage-1 task's result, registers the
// scanned primary keys in the multiset immediately (ahead of Stage 2
// completing) per §4.2, and launches Stage 2 for the same batch.
func (w *Worker) handleStage1Result(ctx context.Context) error {
	res := <-w.stage1.resultCh
	pageSize := w.stage1.pageSize
	startedAt := w.stage1.startedAt
	w.stage1 = nil

	if res.err != nil {
		return w.handleFetchError(res.err, pageSize)
	}

	// §4.6.4: record Stage 1's own elapsed time. handleStage2Result combines
	// this with Stage 2's elapsed time when the batch's timing is finally fed
	// to the optimizer — Stage 1 alone never is.
	w.lastIDFetchTimeMs = time.Since(startedAt).Milliseconds()

	if len(res.pks) == 0 {
		// §4.6.4 empty-result branch: nothing past the cursor. Stage 2 over
		// the same window would only confirm the same emptiness, so skip it
		// and mark the batch ignorable directly; check_sms's drained check
		// fires the eventual finished-stop once both queues empty out.
		w.ignorable[w.fetchBatchID] = struct{}{}
		w.cursor = res.nextCursor
		w.includeMin = false
		w.doneFetching = true
		return nil
	}

	w.multiset.Add(w.fetchBatchID, res.pks)
	w.fetchNextCursor = res.nextCursor
	w.fetchPKCount = len(res.pks)
	w.stage2 = w.launchStage2(ctx, w.fetchBatchID, w.fetchCursor, w.fetchIncludeMin, pageSize)
	return nil
}

// handleStage2Result consumes the Stage-2 task's result, finalizes the
// batch and enqueues it, and advances the scan cursor.
func (w *Worker) handleStage2Result(ctx context.Context) error {
	res := <-w.stage2.resultCh
	pageSize := w.stage2.pageSize
	startedAt := w.stage2.startedAt
	w.stage2 = nil

	if res.err != nil {
		return w.handleFetchError(res.err, pageSize)
	}

	stage2Ms := time.Since(startedAt).Milliseconds()
	w.successiveFailures = 0
	// §4.3: feed the optimizer the slower of the two legs, never the faster
	// one and never the owner-loop wall clock spanning both — mailbox
	// scheduling gaps between Stage 1 and Stage 2 are not query cost and must
	// not be compared against the per-query timeout budget.
	batchMs := max64(w.lastIDFetchTimeMs, stage2Ms, 1)
	w.optimizer.RecordTiming(pageSize, batchMs)
	if batchMs > w.slowestFetchMs {
		w.slowestFetchMs = batchMs
	}

	if len(res.messages) == 0 {
		// §4.6.5 empty-messages branch: every scanned row was filtered out by
		// Stage 2. The batch never occupies a queue slot; it's ignorable from
		// the moment Stage 2 lands.
		w.multiset.Delete(w.fetchBatchID)
		w.ignorable[w.fetchBatchID] = struct{}{}
	} else {
		batch := &Batch{
			ID:             w.fetchBatchID,
			Cursor:         w.fetchCursor,
			NextCursor:     w.fetchNextCursor,
			ApproximateLSN: res.approxLSN,
			Messages:       res.messages,
			Size:           len(res.messages),
		}
		w.queue.PushUnflushed(batch)
		w.rowsProcessedDelta += int64(len(res.messages))
	}

	w.cursor = w.fetchNextCursor
	w.includeMin = false
	if w.fetchPKCount < pageSize {
		w.doneFetching = true
	}
	return nil
}

// handleFetchError classifies a Stage-1/Stage-2 failure and applies the
// appropriate recovery: a *SlotNotFoundError is unrecoverable and stops the
// worker; a timeout feeds the page-size optimizer; anything else counts
// against the successive-failures backoff. The in-flight batch's multiset
// entry is discarded either way so the retry starts clean.
func (w *Worker) handleFetchError(err error, pageSize int) error {
	var slotErr *SlotNotFoundError
	if errors.As(err, &slotErr) {
		return err
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Kind == FetchErrorTimeout {
			w.optimizer.RecordTimeout(pageSize)
		} else {
			w.successiveFailures++
		}
	} else {
		w.successiveFailures++
	}

	w.multiset.Delete(w.fetchBatchID)
	w.lastFetchRequestAt = time.Now()
	return nil
}

// max64 returns the largest of the given int64s.
func max64(vs ...int64) int64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// fetchBackoffDuration implements §4.6.3's fetch-retry envelope: base 1s,
// doubling per successive failure, capped at 5 minutes. This is distinct
// from pushWithRetry's SMS push envelope (§4.5: 50ms base, Config-driven
// cap) — the two backoffs guard different failure domains. Only the push
// envelope's cap and total time come from Config; the fetch backoff's base
// and cap are fixed constants.
const (
	fetchBackoffBase = time.Second
	fetchBackoffCap  = 5 * time.Minute
)

func fetchBackoffDuration(failures int) time.Duration {
	d := fetchBackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= fetchBackoffCap {
			return fetchBackoffCap
		}
	}
	return d
}

// runCheckState implements the check_state peer operation: refresh the
// consumer record, stop if the backfill was deactivated or the consumer
// disappeared, refresh the SMS pending-message count consulted by
// should_fetch?, and probe the replication slot's current LSN to detect an
// unflushed batch whose provenance the CDC stream has already advanced past.
func (w *Worker) runCheckState(ctx context.Context) error {
	consumer, err := w.registry.ConsumerRecord(ctx, w.consumerID)
	if err != nil {
		if errors.Is(err, ErrConsumerNotFound) {
			return stopf(StopReasonConsumerMissing, err)
		}
		w.log.WithError(err).Warn("check_state: ConsumerRecord failed, will retry next cycle")
		return nil
	}
	if !consumer.Active {
		return stopf(StopReasonBackfillDeactivated, nil)
	}
	if consumer.SlotName != "" {
		w.slotName = consumer.SlotName
	}

	if pending, err := w.sms.CountMessages(ctx, w.consumerID); err != nil {
		w.log.WithError(err).Warn("check_state: CountMessages failed, will retry next cycle")
	} else {
		w.smsPendingCount = pending
	}

	slotLSN, err := w.db.FetchSlotLSN(ctx, w.slotName)
	if err != nil {
		var slotErr *SlotNotFoundError
		if errors.As(err, &slotErr) {
			return err
		}
		w.log.WithError(err).Warn("check_state: FetchSlotLSN failed, will retry next cycle")
		return nil
	}
	for _, b := range w.queue.UnflushedBatches() {
		if b.ApproximateLSN < slotLSN {
			return stopf(StopReasonStaleBatch, fmt.Errorf("batch %s approximate_lsn %d behind slot lsn %d", b.ID, b.ApproximateLSN, slotLSN))
		}
	}
	return nil
}

// runCheckSMS implements the check_sms peer operation: sweep flushed
// batches against the SMS's view of what's actually persisted, advance the
// persisted cursor and counters for anything that landed, and declare the
// backfill finished once fetching is exhausted and the queue has drained.
func (w *Worker) runCheckSMS(ctx context.Context) error {
	if flushed := w.queue.FlushedBatches(); len(flushed) > 0 {
		ids := make([]uuid.UUID, len(flushed))
		for i, b := range flushed {
			ids[i] = b.ID
		}
		unpersisted, err := w.sms.UnpersistedBatchIDs(ctx, w.consumerID, ids)
		if err != nil {
			w.log.WithError(err).Warn("check_sms: UnpersistedBatchIDs failed")
			return nil
		}
		pending := make(map[uuid.UUID]struct{}, len(unpersisted))
		for _, id := range unpersisted {
			pending[id] = struct{}{}
		}
		for _, b := range w.queue.DropCommitted(pending) {
			if err := w.registry.UpdateCursor(ctx, w.cfg.BackfillID, b.NextCursor); err != nil {
				return stopf(StopReasonSMSFatal, err)
			}
			w.rowsIngestedDelta += int64(b.Size)
		}
	}

	if w.doneFetching && w.queue.Depth() == 0 && w.stage1 == nil && w.stage2 == nil {
		if err := w.registry.DeleteCursor(ctx, w.cfg.BackfillID); err != nil {
			return stopf(StopReasonSMSFatal, err)
		}
		if err := w.registry.Finished(ctx, w.consumerID); err != nil {
			return stopf(StopReasonSMSFatal, err)
		}
		return stopf(StopReasonFinished, nil)
	}
	return nil
}

// runProcessLogging implements process_logging: a structured progress
// snapshot plus a best-effort flush of the accumulated row counters to the
// Backfill Registry, in the style of sqlcapture's streamToWatermark
// progress logging.
func (w *Worker) runProcessLogging(ctx context.Context) {
	w.log.WithFields(logrus.Fields{
		"queue_depth":     w.queue.Depth(),
		"rows_processed":  w.rowsProcessedDelta,
		"rows_ingested":   w.rowsIngestedDelta,
		"pks_tracked":     w.multiset.TotalLen(),
		"page_size":       w.optimizer.Size(),
		"slowest_fetch_ms": w.slowestFetchMs,
		"done_fetching":   w.doneFetching,
	}).Info("table reader progress")

	// §4.6.2: process_logging resets its timing accumulator every tick so
	// slowest_fetch_ms reports the slowest batch since the last tick, not a
	// lifetime high-water mark.
	w.slowestFetchMs = 0

	if w.rowsProcessedDelta == 0 && w.rowsIngestedDelta == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.registry.UpdateCounters(cctx, w.cfg.BackfillID, w.rowsProcessedDelta, w.rowsIngestedDelta); err != nil {
		w.log.WithError(err).Warn("process_logging: UpdateCounters failed")
		return
	}
	w.rowsProcessedDelta = 0
	w.rowsIngestedDelta = 0
}
