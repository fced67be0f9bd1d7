package writecontroller_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"emberkv/internal/writecontroller"
)

func TestStoppedDefaultsFalse(t *testing.T) {
	c := writecontroller.New(0, 0, 0)
	require.False(t, c.Stopped())
	c.SetStopped(true)
	require.True(t, c.Stopped())
}

func TestNeedsDelayTracksRate(t *testing.T) {
	c := writecontroller.New(0, 0, 0)
	require.False(t, c.NeedsDelay())
	c.SetDelayRate(1024)
	require.True(t, c.NeedsDelay())
	require.Equal(t, time.Duration(0), c.GetDelay(0))
	require.Greater(t, c.GetDelay(1024), time.Duration(0))
}

func TestGetDelayZeroWhenNotDelaying(t *testing.T) {
	c := writecontroller.New(0, 0, 0)
	require.Equal(t, time.Duration(0), c.GetDelay(4096))
}

func TestLowPriBucketStartsFull(t *testing.T) {
	c := writecontroller.New(2, time.Hour, 1)
	require.True(t, c.AllowLowPri())
	require.True(t, c.AllowLowPri())
	require.False(t, c.AllowLowPri())
}

func TestLowPriBucketRefills(t *testing.T) {
	c := writecontroller.New(1, time.Millisecond, 1)
	require.True(t, c.AllowLowPri())
	require.False(t, c.AllowLowPri())
	time.Sleep(5 * time.Millisecond)
	require.True(t, c.AllowLowPri())
}

func TestLowPriBucketDisabledWhenZeroCapacity(t *testing.T) {
	c := writecontroller.New(0, 0, 0)
	require.False(t, c.AllowLowPri())
}
