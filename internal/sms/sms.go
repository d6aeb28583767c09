// Package sms is an in-memory reference implementation of
// tablereader.SMS, standing in for the real Slot Message Store service.
// It is grounded on sqlcapture's resultSet (resultset.go) insofar as both
// are small mutex-guarded in-memory buffers — here the buffering is keyed
// by consumer and batch ID rather than by stream, since the SMS
// contract is about batch acknowledgement rather than change-event
// deduplication. No message broker client library appears anywhere in the
// retrieval pack, so this stays a plain mutex-guarded map rather than
// reaching for an external queue; see DESIGN.md.
package sms

import (
	"context"
	"fmt"
	"sync"

	"github.com/dcotten/tablereader/internal/tablereader"
	"github.com/google/uuid"
)

// MaxPayloadMessages caps the message count PutBatch accepts per call
// before responding with an *tablereader.SMSError of kind
// SMSErrorPayloadTooLarge, standing in for the real store's byte-size cap.
const MaxPayloadMessages = 10_000

type consumerQueue struct {
	mu         sync.Mutex
	persisted  map[uuid.UUID][]tablereader.Message
	pending    map[uuid.UUID]struct{}
	countAlive int
}

// Store is the in-memory SMS. A single Store instance should be shared
// across the Workers whose consumers it serves.
type Store struct {
	mu        sync.Mutex
	consumers map[string]*consumerQueue
}

// New returns an empty Store.
func New() *Store {
	return &Store{consumers: make(map[string]*consumerQueue)}
}

func (s *Store) queueFor(consumerID string) *consumerQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.consumers[consumerID]
	if !ok {
		q = &consumerQueue{persisted: make(map[uuid.UUID][]tablereader.Message), pending: make(map[uuid.UUID]struct{})}
		s.consumers[consumerID] = q
	}
	return q
}

// PutBatch accepts messages for batchID, marking it persisted immediately
// (there's no asynchronous write-behind to model in-memory). Oversized
// batches are rejected with SMSErrorPayloadTooLarge so Worker's retry
// envelope has something real to exercise.
func (s *Store) PutBatch(ctx context.Context, consumerID string, messages []tablereader.Message, batchID uuid.UUID) error {
	if len(messages) > MaxPayloadMessages {
		return &tablereader.SMSError{Kind: tablereader.SMSErrorPayloadTooLarge, Err: errTooLarge(len(messages))}
	}
	q := s.queueFor(consumerID)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.persisted[batchID] = messages
	q.countAlive += len(messages)
	return nil
}

// UnpersistedBatchIDs reports which of candidates have not yet been
// persisted. In this in-memory Store, PutBatch persists synchronously, so
// the only entries returned are ones PutBatch was never called for.
func (s *Store) UnpersistedBatchIDs(ctx context.Context, consumerID string, candidates []uuid.UUID) ([]uuid.UUID, error) {
	q := s.queueFor(consumerID)
	q.mu.Lock()
	defer q.mu.Unlock()
	var unpersisted []uuid.UUID
	for _, id := range candidates {
		if _, ok := q.persisted[id]; !ok {
			unpersisted = append(unpersisted, id)
		}
	}
	return unpersisted, nil
}

// CountMessages returns the number of pending messages for consumerID,
// across every batch PutBatch has accepted but nothing has yet drained.
func (s *Store) CountMessages(ctx context.Context, consumerID string) (int, error) {
	q := s.queueFor(consumerID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countAlive, nil
}

// Drain releases a persisted batch's messages and subtracts them from the
// pending count, simulating a downstream consumer acknowledging delivery.
// The batch stays recorded as persisted.
func (s *Store) Drain(consumerID string, batchID uuid.UUID) {
	q := s.queueFor(consumerID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if msgs, ok := q.persisted[batchID]; ok {
		q.countAlive -= len(msgs)
		q.persisted[batchID] = nil
	}
}

func errTooLarge(n int) error {
	return fmt.Errorf("batch of %d messages exceeds payload cap of %d", n, MaxPayloadMessages)
}
