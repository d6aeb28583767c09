package tablereader

import (
	"sync"

	"github.com/google/uuid"
)

// PKMultiset is a concurrently readable/writable mapping batch_id ->
// set<primary_key_tuple>. Stage 1 populates it, CDC events and drop_pks
// remove entries, flush consults it, and the batch_id key is deleted at
// flush completion or batch discard. All operations are safe under
// concurrent readers and writers: this type is shared between the owner
// loop and the CDC event handler's hot path (pks_seen), which must never
// serialize on the owner's mailbox.
type PKMultiset struct {
	mu   sync.RWMutex
	sets map[uuid.UUID]map[PrimaryKey]struct{}
}

// NewPKMultiset returns an empty multiset.
func NewPKMultiset() *PKMultiset {
	return &PKMultiset{sets: make(map[uuid.UUID]map[PrimaryKey]struct{})}
}

// Add union-inserts pks into the set for batchID. Idempotent.
func (m *PKMultiset) Add(batchID uuid.UUID, pks []PrimaryKey) {
	if len(pks) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[batchID]
	if !ok {
		set = make(map[PrimaryKey]struct{}, len(pks))
		m.sets[batchID] = set
	}
	for _, pk := range pks {
		set[pk] = struct{}{}
	}
}

// Remove deletes pks from the set for batchID, ignoring any that are
// already absent and any missing batchID. pks_seen does not use it; it goes
// through RemoveFromAll (see MultisetRegistry.PKsSeen).
func (m *PKMultiset) Remove(batchID uuid.UUID, pks []PrimaryKey) {
	if len(pks) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[batchID]
	if !ok {
		return
	}
	for _, pk := range pks {
		delete(set, pk)
	}
}

// RemoveFromAll removes pks from every batch currently tracked. This backs
// the drop_pks admin operation, which applies to every batch_id in the
// multiset.
func (m *PKMultiset) RemoveFromAll(pks []PrimaryKey) {
	if len(pks) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.sets {
		for _, pk := range pks {
			delete(set, pk)
		}
	}
}

// Contains reports whether pk is still present under batchID.
func (m *PKMultiset) Contains(batchID uuid.UUID, pk PrimaryKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[batchID]
	if !ok {
		return false
	}
	_, present := set[pk]
	return present
}

// Keys returns the batch IDs currently tracked by the multiset.
func (m *PKMultiset) Keys() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]uuid.UUID, 0, len(m.sets))
	for id := range m.sets {
		keys = append(keys, id)
	}
	return keys
}

// Delete drops the entire key for batchID.
func (m *PKMultiset) Delete(batchID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, batchID)
}

// Len returns the number of PKs still tracked under batchID, 0 if absent.
func (m *PKMultiset) Len(batchID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets[batchID])
}

// TotalLen returns the number of PKs tracked across every batch, used by
// process_logging.
func (m *PKMultiset) TotalLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.sets {
		n += len(set)
	}
	return n
}

// MultisetRegistry is a process-global, externally-addressable directory
// of PKMultisets keyed by consumer id. It exists so that the CDC message
// handler (pks_seen) can reach a running worker's multiset directly,
// without routing through that worker's owner loop — the hot-path
// requirement of §4.2. Registration on worker startup is idempotent;
// release on worker termination makes the name available again.
type MultisetRegistry struct {
	mu   sync.RWMutex
	byID map[string]*PKMultiset
}

// NewMultisetRegistry returns an empty registry. A single instance is
// normally shared process-wide (one per supervision tree), but the type
// takes no package-level state so tests can construct isolated registries.
func NewMultisetRegistry() *MultisetRegistry {
	return &MultisetRegistry{byID: make(map[string]*PKMultiset)}
}

// Register idempotently associates consumerID with a PKMultiset, creating
// one if this is the first registration, and returns it.
func (r *MultisetRegistry) Register(consumerID string) *PKMultiset {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byID[consumerID]; ok {
		return m
	}
	m := NewPKMultiset()
	r.byID[consumerID] = m
	return m
}

// Release removes the multiset registered for consumerID, if any. Called on
// worker termination.
func (r *MultisetRegistry) Release(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, consumerID)
}

// Lookup returns the multiset registered for consumerID, or nil if the
// worker owning it isn't running. Per §4.2, operations against a missing
// multiset (notably Remove, invoked by pks_seen) must be silent no-ops to
// avoid races with worker startup/shutdown — callers should use PKsSeen
// rather than Lookup+Remove directly when they only intend to remove.
func (r *MultisetRegistry) Lookup(consumerID string) *PKMultiset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[consumerID]
}

// PKsSeen implements the pks_seen hot-path operation: if a worker for
// consumerID is running, remove pks from every batch in its multiset.
// If no worker is running, this is a silent no-op.
func (r *MultisetRegistry) PKsSeen(consumerID string, pks []PrimaryKey) {
	m := r.Lookup(consumerID)
	if m == nil {
		return
	}
	m.RemoveFromAll(pks)
}
