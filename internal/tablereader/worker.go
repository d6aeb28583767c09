package tablereader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// flushRequest is the flush_batch RPC delivered to the owner's mailbox.
type flushRequest struct {
	batchID   uuid.UUID
	commitLSN LSN
	reply     chan error
}

// dropPksRequest is the drop_pks RPC delivered to the owner's mailbox.
type dropPksRequest struct {
	pks   []PrimaryKey
	reply chan error
}

// Worker is a single Table Reader instance, one per active backfill. All
// state below the mailbox/config fields is owner-private and must only be
// touched from the Run goroutine — the sole exception is multiset, which
// is deliberately a concurrency-safe type so pks_seen can bypass the
// mailbox entirely, per §4.2 and §9.
type Worker struct {
	cfg        Config
	db         Database
	sms        SMS
	registry   BackfillRegistry
	changed    BatchesChanged
	consumers  *MultisetRegistry
	consumerID string
	table      TableRef
	slotName   string
	minCursor  Cursor
	log        *logrus.Entry

	mailbox      chan any
	batchChanged <-chan struct{}
	unsubscribe  func()

	// owner-private state machine fields
	optimizer          PageSizeOptimizer
	multiset           *PKMultiset
	queue              *BatchQueue
	ignorable          map[uuid.UUID]struct{}
	cursor             Cursor
	includeMin         bool
	doneFetching       bool
	successiveFailures int
	lastFetchRequestAt time.Time

	// fetch* fields describe the batch currently owned by stage1/stage2;
	// they're only meaningful while one of those is non-nil.
	fetchBatchID    uuid.UUID
	fetchCursor     Cursor
	fetchIncludeMin bool
	fetchNextCursor Cursor
	fetchPKCount    int
	// lastIDFetchTimeMs is Stage 1's own elapsed time for the batch currently
	// in (or just past) Stage 2, recorded per §4.6.4 and combined with Stage
	// 2's elapsed time at Stage-2 completion — never fed to the optimizer on
	// its own, and never the owner-loop wall clock between the two stages.
	lastIDFetchTimeMs int64

	stage1     *task[stage1Result]
	stage2     *task[stage2Result]
	fetchNowCh chan struct{}

	smsPendingCount int

	rowsProcessedDelta int64
	rowsIngestedDelta  int64
	// slowestFetchMs is the slowest max(stage1Ms, stage2Ms) observed since the
	// last process_logging tick; runProcessLogging reports and resets it.
	slowestFetchMs int64
}

// NewWorker constructs a Worker. Callers must call Run to start it.
func NewWorker(cfg Config, db Database, sms SMS, registry BackfillRegistry, changed BatchesChanged, consumers *MultisetRegistry, table TableRef, slotName, consumerID string, minCursor Cursor) *Worker {
	cfg.SetDefaults()
	return &Worker{
		cfg:        cfg,
		db:         db,
		sms:        sms,
		registry:   registry,
		changed:    changed,
		consumers:  consumers,
		consumerID: consumerID,
		table:      table,
		slotName:   slotName,
		minCursor:  minCursor,
		log:        logrus.WithField("backfill_id", cfg.BackfillID),
		mailbox:    make(chan any, 16),
		queue:      NewBatchQueue(),
		ignorable:  make(map[uuid.UUID]struct{}),
		fetchNowCh: make(chan struct{}, 1),
	}
}

// FlushBatch implements the flush_batch peer operation. It is always OK —
// internal errors are handled by stopping the worker, not by returning an
// error to the caller — except when Run has already exited, in which case
// no reply ever arrives and the call blocks until ctx is done; callers
// should pass a ctx with a deadline.
func (w *Worker) FlushBatch(ctx context.Context, batchID uuid.UUID, commitLSN LSN) error {
	reply := make(chan error, 1)
	select {
	case w.mailbox <- flushRequest{batchID: batchID, commitLSN: commitLSN, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DropPKs implements the drop_pks admin operation.
func (w *Worker) DropPKs(ctx context.Context, pks []PrimaryKey) error {
	reply := make(chan error, 1)
	select {
	case w.mailbox <- dropPksRequest{pks: pks, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the owner loop. It blocks until the backfill finishes, a
// structural stop condition is hit, or ctx is cancelled. On normal/error
// stop it returns a *WorkerStopError (or a *SlotNotFoundError for the one
// unrecoverable configuration error); on caller cancellation it returns
// ctx.Err().
func (w *Worker) Run(ctx context.Context) (err error) {
	if verr := w.cfg.Validate(); verr != nil {
		return verr
	}
	w.optimizer = NewPageSizeOptimizer(w.cfg.InitialPageSize, w.cfg.MaxPageSize, w.cfg.maxQueryTimeout())
	w.multiset = w.consumers.Register(w.consumerID)
	defer w.consumers.Release(w.consumerID)

	notify, unsubscribe, serr := w.changed.Subscribe(ctx, w.consumerID)
	if serr != nil {
		return fmt.Errorf("subscribing to batches-changed: %w", serr)
	}
	w.batchChanged = notify
	defer unsubscribe()

	cur, lerr := w.registry.LoadCursor(ctx, w.cfg.BackfillID)
	if lerr != nil {
		return fmt.Errorf("loading cursor: %w", lerr)
	}
	if cur == nil {
		cur = w.minCursor
		w.includeMin = true
	}
	w.cursor = cur

	maybeFetch := time.NewTimer(0)
	defer maybeFetch.Stop()
	checkState := time.NewTimer(w.cfg.checkStateTimeout())
	defer checkState.Stop()
	checkSMS := time.NewTimer(w.cfg.checkSMSTimeout())
	defer checkSMS.Stop()
	processLogging := time.NewTimer(30 * time.Second)
	defer processLogging.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-w.mailbox:
			if stop := w.handleMailbox(ctx, msg); stop != nil {
				return stop
			}

		case <-w.batchChanged:
			if stop := w.runCheckSMS(ctx); stop != nil {
				return stop
			}

		case <-maybeFetch.C:
			if w.shouldFetch() {
				w.launchFetch(ctx)
			}
			maybeFetch.Reset(time.Second)

		case <-w.fetchNowCh:
			maybeFetch.Reset(0)

		case <-checkState.C:
			if stop := w.runCheckState(ctx); stop != nil {
				return stop
			}
			checkState.Reset(w.cfg.checkStateTimeout())

		case <-checkSMS.C:
			if stop := w.runCheckSMS(ctx); stop != nil {
				return stop
			}
			checkSMS.Reset(w.cfg.checkSMSTimeout())

		case <-processLogging.C:
			w.runProcessLogging(ctx)
			processLogging.Reset(30 * time.Second)

		case <-w.stage1.done():
			if stop := w.handleStage1Result(ctx); stop != nil {
				return stop
			}
			maybeFetch.Reset(0)

		case <-w.stage2.done():
			if stop := w.handleStage2Result(ctx); stop != nil {
				return stop
			}
			maybeFetch.Reset(0)
		}
	}
}
