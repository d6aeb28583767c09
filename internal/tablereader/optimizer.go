package tablereader

import "time"

// Sample is one recorded observation fed to the optimizer, retained in
// history() for diagnostics.
type Sample struct {
	PageSize  int
	ElapsedMs int64
	Timeout   bool
}

const historyCapacity = 50

// PageSizeOptimizer maintains a single recommended page size for the
// two-stage fetcher, growing it while observed latency stays safely below
// the per-query timeout budget and backing off sharply whenever a query
// actually times out. Implementations are pluggable (see
// DESIGN.md:Open Questions) provided they satisfy this contract: monotone
// nondecreasing in observed headroom, and strictly decreasing immediately
// after a timeout.
type PageSizeOptimizer interface {
	// Size returns the currently recommended page size.
	Size() int
	// RecordTiming feeds a successful fetch's elapsed time at the page size
	// that was used. Callers must pass max(stage1Ms, stage2Ms, 1) — never
	// the faster of the two legs — or the optimizer will grow the page size
	// until the slower stage starts timing out.
	RecordTiming(pageSize int, elapsedMs int64)
	// RecordTimeout feeds a query-timeout failure at the page size that was
	// attempted.
	RecordTimeout(pageSize int)
	// History returns the most recent samples, oldest first.
	History() []Sample
}

// aimdOptimizer is the concrete AIMD-style optimizer described in
// SPEC_FULL.md §4.1a. Both growth (×1.5) and shrinkage (×0.8) are
// multiplicative.
type aimdOptimizer struct {
	size         int
	initialSize  int
	maxSize      int
	timeoutMs    int64
	ceiling      int // upper bound imposed by the most recent timeout, if any
	history      []Sample
}

// NewPageSizeOptimizer constructs the default optimizer.
func NewPageSizeOptimizer(initialSize, maxSize int, timeout time.Duration) PageSizeOptimizer {
	return &aimdOptimizer{
		size:        initialSize,
		initialSize: initialSize,
		maxSize:     maxSize,
		timeoutMs:   timeout.Milliseconds(),
		ceiling:     maxSize,
	}
}

func (o *aimdOptimizer) Size() int { return o.size }

func (o *aimdOptimizer) RecordTiming(pageSize int, elapsedMs int64) {
	o.record(Sample{PageSize: pageSize, ElapsedMs: elapsedMs})

	headroom := (o.timeoutMs * 6) / 10
	danger := (o.timeoutMs * 9) / 10
	switch {
	case elapsedMs < headroom:
		next := int(float64(o.size) * 1.5)
		if next <= o.size {
			next = o.size + 1
		}
		o.size = clampInt(next, o.initialSize, o.ceiling)
	case elapsedMs >= danger:
		next := int(float64(o.size) * 0.8)
		o.size = clampInt(next, o.initialSize, o.ceiling)
	default:
		// Within the safe band: hold steady.
	}
}

func (o *aimdOptimizer) RecordTimeout(pageSize int) {
	o.record(Sample{PageSize: pageSize, Timeout: true})

	newCeiling := pageSize / 2
	if newCeiling < o.initialSize {
		newCeiling = o.initialSize
	}
	if newCeiling > o.maxSize {
		newCeiling = o.maxSize
	}
	o.ceiling = newCeiling
	if o.size > o.ceiling {
		o.size = o.ceiling
	}
}

func (o *aimdOptimizer) History() []Sample {
	out := make([]Sample, len(o.history))
	copy(out, o.history)
	return out
}

func (o *aimdOptimizer) record(s Sample) {
	o.history = append(o.history, s)
	if len(o.history) > historyCapacity {
		o.history = o.history[len(o.history)-historyCapacity:]
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
