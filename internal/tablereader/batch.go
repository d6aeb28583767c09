package tablereader

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// LSN is the source's replication write position, as observed through the
// Watermark Emitter collaborator at Stage-2 fetch time.
type LSN uint64

// PrimaryKey is a primary-key tuple, encoded into a map-comparable string
// key via EncodeRowKey. See DESIGN.md for why this repo encodes primary
// keys with encoding/json rather than the teacher's FoundationDB tuple
// packer.
type PrimaryKey string

// Message is a single row payload destined for the SMS. CommitLSN and
// CommitIdx are assigned at flush time (§4.4 step 6) and are zero before
// then.
type Message struct {
	Key       PrimaryKey
	Fields    map[string]any
	CommitLSN LSN
	CommitIdx int
}

// Batch is an immutable-once-produced unit of work: a page of rows fetched
// together and bracketed in the CDC stream by watermark markers.
type Batch struct {
	ID             uuid.UUID
	Cursor         Cursor // the keyset cursor at which this batch begins
	NextCursor     Cursor // populated once Stage 1 completes, canonical once Stage 2 completes
	ApproximateLSN LSN
	Messages       []Message // cleared (set to nil) once flushed to the SMS
	Size           int       // message count, retained after Messages is cleared
}

// EncodeRowKey turns the ordered field values of a primary key into the
// PrimaryKey used as the PK multiset's set element and the flush-time
// filter key. Encoding as JSON rather than a tuple-packed byte string means
// primary keys don't need to round-trip through a partial-order-preserving
// codec — the multiset only ever needs equality, not ordering, on PKs.
func EncodeRowKey(keyColumns []string, fields map[string]any) (PrimaryKey, error) {
	vals := make([]any, len(keyColumns))
	for i, col := range keyColumns {
		vals[i] = fields[col]
	}
	bs, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("encode row key: %w", err)
	}
	return PrimaryKey(bs), nil
}
