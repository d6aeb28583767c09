package tablereader

import (
	"encoding/json"
	"fmt"
)

// Cursor is an opaque ordered key vector marking "first row not yet
// scanned". Elements are compared pairwise by type (CompareCursors), not by
// byte-comparing a JSON encoding of the whole vector, since JSON text order
// doesn't match numeric order for multi-digit keys.
type Cursor []any

// IsZero reports whether the cursor is unset (the backfill hasn't started).
func (c Cursor) IsZero() bool { return c == nil }

// Marshal serializes the cursor for persistence by the Backfill Registry.
func (c Cursor) Marshal() (json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	bs, err := json.Marshal([]any(c))
	if err != nil {
		return nil, fmt.Errorf("marshal cursor: %w", err)
	}
	return json.RawMessage(bs), nil
}

// UnmarshalCursor parses a persisted cursor. A nil/empty input yields a nil
// Cursor (meaning: resume from the backfill's configured minimum).
func UnmarshalCursor(raw json.RawMessage) (Cursor, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return c, nil
}

// CompareCursors returns -1, 0, or 1 as a compares before, equal to, or
// after b in keyset order. The worker itself never calls it: invariant 4
// (unflushed batch cursors strictly increasing) follows from fetching
// batches one after another in the database's ORDER BY order. Cursors are
// compared element-wise in the order the sort columns
// were declared; a shorter cursor that's a strict prefix of a longer one
// compares as before it.
func CompareCursors(a, b Cursor) (int, error) {
	for i := 0; i < len(a) && i < len(b); i++ {
		c, err := compareElem(a[i], b[i])
		if err != nil {
			return 0, fmt.Errorf("comparing cursor element %d: %w", i, err)
		}
		if c != 0 {
			return c, nil
		}
	}
	switch {
	case len(a) < len(b):
		return -1, nil
	case len(a) > len(b):
		return 1, nil
	default:
		return 0, nil
	}
}

func compareElem(x, y any) (int, error) {
	switch xv := x.(type) {
	case float64:
		yv, ok := toFloat64(y)
		if !ok {
			return 0, fmt.Errorf("incomparable types %T and %T", x, y)
		}
		return cmpOrdered(xv, yv), nil
	case int:
		yv, ok := toFloat64(y)
		if !ok {
			return 0, fmt.Errorf("incomparable types %T and %T", x, y)
		}
		return cmpOrdered(float64(xv), yv), nil
	case int64:
		yv, ok := toFloat64(y)
		if !ok {
			return 0, fmt.Errorf("incomparable types %T and %T", x, y)
		}
		return cmpOrdered(float64(xv), yv), nil
	case string:
		yv, ok := y.(string)
		if !ok {
			return 0, fmt.Errorf("incomparable types %T and %T", x, y)
		}
		return cmpOrdered(xv, yv), nil
	default:
		return 0, fmt.Errorf("unsupported cursor element type %T", x)
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func cmpOrdered[T int | int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
