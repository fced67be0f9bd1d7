package seqno_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"emberkv/internal/seqno"
)

func TestAllocateReturnsPriorValue(t *testing.T) {
	a := seqno.New()
	require.EqualValues(t, 0, a.Allocate(3))
	require.EqualValues(t, 3, a.LastAllocated())
	require.EqualValues(t, 3, a.Allocate(2))
	require.EqualValues(t, 5, a.LastAllocated())
}

func TestPublishNeverMovesBackwards(t *testing.T) {
	a := seqno.New()
	a.Allocate(10)
	a.Publish(5)
	require.EqualValues(t, 5, a.LastPublished())
	require.Panics(t, func() { a.Publish(3) })
}

func TestPublishLastAllocated(t *testing.T) {
	a := seqno.New()
	a.Allocate(7)
	a.PublishLastAllocated()
	require.EqualValues(t, 7, a.LastPublished())
}

// TestLastPublishedNeverExceedsLastAllocated covers §8 invariant 5.
func TestLastPublishedNeverExceedsLastAllocated(t *testing.T) {
	a := seqno.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prior := a.Allocate(1)
			a.Publish(prior + 1)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, a.LastPublished(), a.LastAllocated())
}

func TestAllocateIsContiguousUnderConcurrency(t *testing.T) {
	a := seqno.New()
	const writers = 64
	seen := make([]uint64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen[i] = a.Allocate(1)
		}()
	}
	wg.Wait()

	dup := map[uint64]bool{}
	for _, s := range seen {
		require.False(t, dup[s], "sequence %d allocated twice", s)
		dup[s] = true
	}
	require.EqualValues(t, writers, a.LastAllocated())
}
