package tablereader

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPKMultisetAddContainsRemove(t *testing.T) {
	m := NewPKMultiset()
	batchID := uuid.New()
	m.Add(batchID, []PrimaryKey{"a", "b"})

	require.True(t, m.Contains(batchID, "a"))
	require.True(t, m.Contains(batchID, "b"))
	require.Equal(t, 2, m.Len(batchID))

	m.Remove(batchID, []PrimaryKey{"a"})
	require.False(t, m.Contains(batchID, "a"))
	require.True(t, m.Contains(batchID, "b"))
}

func TestPKMultisetRemoveFromAllAffectsEveryBatch(t *testing.T) {
	m := NewPKMultiset()
	b1, b2 := uuid.New(), uuid.New()
	m.Add(b1, []PrimaryKey{"x"})
	m.Add(b2, []PrimaryKey{"x", "y"})

	m.RemoveFromAll([]PrimaryKey{"x"})

	require.False(t, m.Contains(b1, "x"))
	require.False(t, m.Contains(b2, "x"))
	require.True(t, m.Contains(b2, "y"))
}

func TestPKMultisetDelete(t *testing.T) {
	m := NewPKMultiset()
	batchID := uuid.New()
	m.Add(batchID, []PrimaryKey{"a"})
	m.Delete(batchID)
	require.Equal(t, 0, m.Len(batchID))
	require.False(t, m.Contains(batchID, "a"))
}

func TestPKMultisetConcurrentAddAndRemoveFromAll(t *testing.T) {
	m := NewPKMultiset()
	batchID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pk := PrimaryKey(uuid.New().String())
			m.Add(batchID, []PrimaryKey{pk})
			m.RemoveFromAll([]PrimaryKey{pk})
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, m.Len(batchID))
}

func TestMultisetRegistryRegisterLookupRelease(t *testing.T) {
	r := NewMultisetRegistry()
	m1 := r.Register("consumer-1")
	require.Same(t, m1, r.Register("consumer-1")) // idempotent
	require.Same(t, m1, r.Lookup("consumer-1"))

	r.Release("consumer-1")
	require.Nil(t, r.Lookup("consumer-1"))
}

func TestMultisetRegistryPKsSeenNoWorkerIsNoop(t *testing.T) {
	r := NewMultisetRegistry()
	require.NotPanics(t, func() {
		r.PKsSeen("missing-consumer", []PrimaryKey{"a"})
	})
}

func TestMultisetRegistryPKsSeenRemovesFromRunningWorker(t *testing.T) {
	r := NewMultisetRegistry()
	m := r.Register("consumer-1")
	batchID := uuid.New()
	m.Add(batchID, []PrimaryKey{"a"})

	r.PKsSeen("consumer-1", []PrimaryKey{"a"})

	require.False(t, m.Contains(batchID, "a"))
}
