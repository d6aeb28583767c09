package tablereader

import (
	"context"
	"errors"
	"fmt"
)

// errRequired builds a validation error for a missing required config field.
func errRequired(field string) error {
	return fmt.Errorf("%s is required", field)
}

// ErrConsumerNotFound is returned by BackfillRegistry.ConsumerRecord when
// the consumer row no longer exists. Any other error from ConsumerRecord is
// treated as transient by check_state and logged rather than stopping the
// worker.
var ErrConsumerNotFound = errors.New("consumer record not found")

// StopReason tags why a Worker's owner loop exited, mirroring the
// propagation policy of the error handling design: structural conditions
// terminate the worker with a distinguishable reason so a supervisor can
// decide whether to restart, while transient conditions never reach here
// because they're recovered locally via backoff.
type StopReason string

const (
	// StopReasonFinished means the backfill reached completion: all rows
	// were flushed and committed, and the persisted cursor was deleted.
	StopReasonFinished StopReason = "finished"
	// StopReasonStaleBatch means an unflushed batch's approximate_lsn fell
	// behind the replication slot's current LSN before it could be flushed.
	StopReasonStaleBatch StopReason = "stale_batch"
	// StopReasonSMSFatal means the SMS push failed with a non-retryable
	// error, a duplicate flush was requested for an already-flushed batch,
	// or a Backfill Registry write (cursor update/delete or Finished) failed.
	StopReasonSMSFatal StopReason = "sms_fatal"
	// StopReasonBackfillDeactivated means the backfill record is no longer active.
	StopReasonBackfillDeactivated StopReason = "backfill_deactivated"
	// StopReasonConsumerMissing means the consumer record disappeared.
	StopReasonConsumerMissing StopReason = "consumer_missing"
	// StopReasonSMSDown means the SMS process died. The worker has no SMS
	// liveness monitor, and no code path in this package returns it.
	StopReasonSMSDown StopReason = "sms_down"
)

// WorkerStopError is returned from Worker.Run for any of the StopReason
// conditions above. When the caller cancels Run's context, Run returns
// ctx.Err() instead of a WorkerStopError.
type WorkerStopError struct {
	Reason StopReason
	// Err optionally carries the underlying cause (e.g. the SMS push error
	// that triggered StopReasonSMSFatal). May be nil for reasons that are
	// inherently self-explanatory, like StopReasonFinished.
	Err error
}

func (e *WorkerStopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("table reader stopped (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("table reader stopped (%s)", e.Reason)
}

func (e *WorkerStopError) Unwrap() error { return e.Err }

func stopf(reason StopReason, err error) error {
	return &WorkerStopError{Reason: reason, Err: err}
}

// FetchErrorKind tags the two ways a Stage-1/Stage-2 query can fail, so the
// owner loop can branch on Kind instead of string-matching error text. This
// is the table reader's realization of the connector-errors split between
// "you failed because of a known, structural condition" and "something
// unexpected blew up" — except here both kinds are recoverable locally.
type FetchErrorKind int

const (
	// FetchErrorTransient covers any failure other than a query timeout:
	// connection loss, constraint violations, unexpected driver errors.
	// It increments the worker's successive failure count and is retried
	// with exponential backoff.
	FetchErrorTransient FetchErrorKind = iota
	// FetchErrorTimeout means the query exceeded its per-query timeout
	// budget. It feeds the page-size optimizer but does not count as a
	// failure for backoff purposes.
	FetchErrorTimeout
)

// FetchError wraps a Stage-1/Stage-2 failure with its kind and the page
// size that was in flight when it occurred (needed by the optimizer).
type FetchError struct {
	Kind     FetchErrorKind
	PageSize int
	Err      error
}

func (e *FetchError) Error() string { return e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

func timeoutError(pageSize int, err error) *FetchError {
	return &FetchError{Kind: FetchErrorTimeout, PageSize: pageSize, Err: err}
}

func transientError(pageSize int, err error) *FetchError {
	return &FetchError{Kind: FetchErrorTransient, PageSize: pageSize, Err: err}
}

// SlotNotFoundError is raised when the replication slot backing the
// Watermark Emitter / LSN probe does not exist. Per the error handling
// design this is an unrecoverable configuration error and is returned
// directly from Run without being wrapped in a WorkerStopError, so that a
// supervisor does not mistake it for a condition worth blindly retrying.
type SlotNotFoundError struct {
	SlotName string
}

func (e *SlotNotFoundError) Error() string {
	return fmt.Sprintf("replication slot %q not found", e.SlotName)
}

// SMSErrorKind distinguishes the SMS push outcomes named in the push
// contract.
type SMSErrorKind int

const (
	// SMSErrorOther is any SMS push failure that isn't payload-too-large.
	// The state machine treats this as fatal for the batch and the worker.
	SMSErrorOther SMSErrorKind = iota
	// SMSErrorPayloadTooLarge triggers bounded exponential-backoff retry.
	SMSErrorPayloadTooLarge
)

// SMSError is returned by SMS.PutBatch to distinguish retryable
// payload-too-large failures from fatal ones.
type SMSError struct {
	Kind SMSErrorKind
	Err  error
}

func (e *SMSError) Error() string { return e.Err.Error() }
func (e *SMSError) Unwrap() error { return e.Err }

// wrapFetchErr classifies a raw Stage-1/Stage-2 error into a *FetchError,
// or passes a *SlotNotFoundError through unchanged since that one is
// structural rather than recoverable. A nil err passes through as nil.
func wrapFetchErr(ctx context.Context, err error, pageSize int) error {
	if err == nil {
		return nil
	}
	var slotErr *SlotNotFoundError
	if errors.As(err, &slotErr) {
		return err
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutError(pageSize, err)
	}
	return transientError(pageSize, err)
}

func errFromAny(v any) error {
	return fmt.Errorf("panic: %v", v)
}
