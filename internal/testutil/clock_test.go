package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceClock_StartsAfterStart(t *testing.T) {
	clock := NewSequenceClock(0)
	assert.Equal(t, uint64(0), clock.Current())
	assert.Equal(t, uint64(1), clock.Next())

	resumed := NewSequenceClock(41)
	assert.Equal(t, uint64(42), resumed.Next())
}

func TestSequenceClock_NextIncrementsMonotonically(t *testing.T) {
	clock := NewSequenceClock(0)

	assert.Equal(t, uint64(1), clock.Next())
	assert.Equal(t, uint64(2), clock.Next())
	assert.Equal(t, uint64(3), clock.Next())
	assert.Equal(t, uint64(3), clock.Current())
}

func TestSequenceClock_SkipLeavesGap(t *testing.T) {
	clock := NewSequenceClock(0)
	clock.Next()
	clock.Skip(2)

	assert.Equal(t, uint64(3), clock.Current())
	assert.Equal(t, uint64(4), clock.Next())
}

func TestSequenceClock_Reset(t *testing.T) {
	clock := NewSequenceClock(5)
	clock.Next()

	clock.Reset()
	assert.Equal(t, uint64(0), clock.Current())
	assert.Equal(t, uint64(1), clock.Next())
}

func TestSequenceClock_ThreadSafe(t *testing.T) {
	clock := NewSequenceClock(0)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make([][]uint64, numGoroutines)
	for i := range numGoroutines {
		results[i] = make([]uint64, callsPerGoroutine)
		go func(idx int) {
			defer wg.Done()
			for j := range callsPerGoroutine {
				results[idx][j] = clock.Next()
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, r := range results {
		for _, v := range r {
			require.False(t, seen[v], "duplicate value %d", v)
			seen[v] = true
		}
	}
	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
	assert.Equal(t, uint64(numGoroutines*callsPerGoroutine), clock.Current())
}
