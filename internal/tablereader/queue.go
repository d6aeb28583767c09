package tablereader

import "github.com/google/uuid"

// BatchQueue is the ordered buffer of unflushed-then-flushed batches.
// unflushed_batches and flushed_batches from the specification are kept as
// two slices rather than a single tagged list so that head-only flush
// (§4.4 step 6) and the periodic SMS sweep can each operate on the slice
// that's relevant to them without scanning the other.
type BatchQueue struct {
	unflushed []*Batch
	flushed   []*Batch
}

// NewBatchQueue returns an empty queue.
func NewBatchQueue() *BatchQueue { return &BatchQueue{} }

// Depth is |unflushed| + |flushed|, bounded by MaxBatchesInMemory.
func (q *BatchQueue) Depth() int { return len(q.unflushed) + len(q.flushed) }

// PushUnflushed appends a newly Stage-2-completed batch.
func (q *BatchQueue) PushUnflushed(b *Batch) { q.unflushed = append(q.unflushed, b) }

// Head returns the oldest unflushed batch, or nil if empty.
func (q *BatchQueue) Head() *Batch {
	if len(q.unflushed) == 0 {
		return nil
	}
	return q.unflushed[0]
}

// PopHeadToFlushed removes the head of unflushed and appends it to flushed.
// Callers must only do this after successfully pushing the batch to the SMS.
func (q *BatchQueue) PopHeadToFlushed() {
	if len(q.unflushed) == 0 {
		return
	}
	b := q.unflushed[0]
	q.unflushed = q.unflushed[1:]
	q.flushed = append(q.flushed, b)
}

// DropHeadUnflushed removes the head of unflushed without moving it to
// flushed — used when a flush's filtered set was empty and the batch is
// considered committed in place.
func (q *BatchQueue) DropHeadUnflushed() {
	if len(q.unflushed) == 0 {
		return
	}
	q.unflushed = q.unflushed[1:]
}

// FlushedBatches returns the flushed queue in order, oldest first.
func (q *BatchQueue) FlushedBatches() []*Batch {
	return q.flushed
}

// UnflushedBatches returns the unflushed queue in order, oldest first.
func (q *BatchQueue) UnflushedBatches() []*Batch {
	return q.unflushed
}

// FindUnflushed locates an unflushed batch by ID.
func (q *BatchQueue) FindUnflushed(id uuid.UUID) *Batch {
	for _, b := range q.unflushed {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// IsFlushed reports whether id is present in the flushed queue.
func (q *BatchQueue) IsFlushed(id uuid.UUID) bool {
	for _, b := range q.flushed {
		if b.ID == id {
			return true
		}
	}
	return false
}

// DropCommitted removes every flushed batch whose ID is not in
// stillPending, in queue order, returning the dropped batches so the
// caller can persist their cursors and sum their sizes for the counters.
func (q *BatchQueue) DropCommitted(stillPending map[uuid.UUID]struct{}) []*Batch {
	var committed []*Batch
	var remaining []*Batch
	for _, b := range q.flushed {
		if _, pending := stillPending[b.ID]; pending {
			remaining = append(remaining, b)
		} else {
			committed = append(committed, b)
		}
	}
	q.flushed = remaining
	return committed
}
