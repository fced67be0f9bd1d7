package limiter_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"emberkv/internal/limiter"
)

func TestUnboundedByDefault(t *testing.T) {
	l := limiter.New()
	for i := 0; i < 100; i++ {
		tok, ok := l.GetToken(false)
		require.True(t, ok)
		require.NotNil(t, tok)
	}
	require.EqualValues(t, 100, l.Outstanding())
}

func TestCapThrottles(t *testing.T) {
	l := limiter.New()
	l.SetMax(2)

	tok1, ok := l.GetToken(false)
	require.True(t, ok)
	tok2, ok := l.GetToken(false)
	require.True(t, ok)

	_, ok = l.GetToken(false)
	require.False(t, ok, "third token should be throttled at cap 2")

	tok1.Destroy()
	tok3, ok := l.GetToken(false)
	require.True(t, ok, "releasing a token should free capacity")
	require.EqualValues(t, 2, l.Outstanding())

	tok2.Destroy()
	tok3.Destroy()
	require.EqualValues(t, 0, l.Outstanding())
}

func TestForceBypassesCapButStillCounts(t *testing.T) {
	l := limiter.New()
	l.SetMax(1)

	tok1, ok := l.GetToken(false)
	require.True(t, ok)

	tok2, ok := l.GetToken(true)
	require.True(t, ok, "force should bypass the cap")
	require.EqualValues(t, 2, l.Outstanding())

	tok1.Destroy()
	tok2.Destroy()
	require.EqualValues(t, 0, l.Outstanding())
}

func TestResetMaxRemovesCap(t *testing.T) {
	l := limiter.New()
	l.SetMax(0)
	_, ok := l.GetToken(false)
	require.False(t, ok)

	l.ResetMax()
	tok, ok := l.GetToken(false)
	require.True(t, ok)
	tok.Destroy()
}

func TestDestroyIsIdempotent(t *testing.T) {
	l := limiter.New()
	tok, ok := l.GetToken(false)
	require.True(t, ok)
	tok.Destroy()
	tok.Destroy()
	require.EqualValues(t, 0, l.Outstanding())
}

// TestOutstandingNeverExceedsCapUnderConcurrency asserts invariant 3 of §8:
// the limiter's outstanding count never exceeds its cap except when force
// is used, and settles back to 0 once every token is released.
func TestOutstandingNeverExceedsCapUnderConcurrency(t *testing.T) {
	l := limiter.New()
	const maxTasks = 8
	l.SetMax(maxTasks)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var peak int64

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, ok := l.GetToken(false)
			if !ok {
				return
			}
			mu.Lock()
			if o := l.Outstanding(); o > peak {
				peak = o
			}
			mu.Unlock()
			tok.Destroy()
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak, int64(maxTasks))
	require.EqualValues(t, 0, l.Outstanding())
}
