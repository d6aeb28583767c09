package tablereader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPageSizeOptimizerGrowsWhenFast(t *testing.T) {
	o := NewPageSizeOptimizer(1000, 40000, 5*time.Second)
	initial := o.Size()
	o.RecordTiming(initial, 500) // well under 60% of 5000ms
	require.Greater(t, o.Size(), initial)
}

func TestPageSizeOptimizerHoldsSteadyInSafeBand(t *testing.T) {
	o := NewPageSizeOptimizer(1000, 40000, 5*time.Second)
	o.RecordTiming(1000, 3500) // between 60% and 90% of 5000ms
	require.Equal(t, 1000, o.Size())
}

func TestPageSizeOptimizerShrinksNearTimeout(t *testing.T) {
	o := NewPageSizeOptimizer(1000, 40000, 5*time.Second)
	o.RecordTiming(1000, 500) // grow once so there's room to shrink above the floor
	grown := o.Size()
	require.Greater(t, grown, 1000)

	o.RecordTiming(grown, 4800) // >= 90% of 5000ms, not an outright timeout
	require.Less(t, o.Size(), grown)
}

func TestPageSizeOptimizerTimeoutAtTenThousandShrinksStrictly(t *testing.T) {
	// Literal scenario: a timeout at page size 10,000 must make the next
	// recommended size strictly less than 10,000.
	o := NewPageSizeOptimizer(1000, 40000, 5*time.Second)
	o.RecordTimeout(10000)
	require.Less(t, o.Size(), 10000)
}

func TestPageSizeOptimizerNeverGoesBelowInitial(t *testing.T) {
	o := NewPageSizeOptimizer(1000, 40000, 5*time.Second)
	for i := 0; i < 10; i++ {
		o.RecordTimeout(1000)
	}
	require.GreaterOrEqual(t, o.Size(), 1000)
}

func TestPageSizeOptimizerNeverExceedsMax(t *testing.T) {
	o := NewPageSizeOptimizer(1000, 2000, 5*time.Second)
	for i := 0; i < 20; i++ {
		o.RecordTiming(o.Size(), 1)
	}
	require.LessOrEqual(t, o.Size(), 2000)
}

func TestPageSizeOptimizerHistoryCapped(t *testing.T) {
	o := NewPageSizeOptimizer(1000, 40000, 5*time.Second)
	for i := 0; i < historyCapacity+10; i++ {
		o.RecordTiming(1000, 100)
	}
	require.Len(t, o.History(), historyCapacity)
}
