package coordinator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"emberkv/internal/batch"
	"emberkv/internal/coordinator"
	"emberkv/internal/status"
)

func newPutBatch(t *testing.T, cf uint32, key, value string) *batch.Batch {
	t.Helper()
	return batch.New().Put(cf, []byte(key), []byte(value))
}

func open(t *testing.T, opts coordinator.DBOptions) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.Open(t.TempDir(), opts)
	require.NoError(t, err)
	return c
}

func TestSoloWriterPutThenGet(t *testing.T) {
	c := open(t, coordinator.DBOptions{})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, coordinator.WriteOptions{}, 0, []byte("k"), []byte("v")))

	e, ok := c.Get(0, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), e.Value)
	require.EqualValues(t, 1, e.Seq, "a fresh DB's first write must be assigned sequence 1, not 0")
}

func TestSeqPerBatchRejectsEmptyBatch(t *testing.T) {
	c := open(t, coordinator.DBOptions{SeqPerBatch: true})
	err := c.Write(context.Background(), coordinator.WriteOptions{}, batch.New())
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.KindOf(err))
}

func TestConcurrentWritersAreGroupedAndAllSucceed(t *testing.T) {
	c := open(t, coordinator.DBOptions{AllowConcurrentMemtableWrite: true})
	ctx := context.Background()

	// Grouping is exercised by running many writers concurrently from
	// goroutines, so that later ones can join an earlier leader's group.
	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			key := []byte{byte(i)}
			errs <- c.Put(ctx, coordinator.WriteOptions{}, 0, key, []byte("v"))
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	for i := 0; i < n; i++ {
		_, ok := c.Get(0, []byte{byte(i)})
		require.True(t, ok)
	}
}

func TestMergeWithoutOperatorReturnsNotSupported(t *testing.T) {
	c := open(t, coordinator.DBOptions{})
	err := c.Merge(context.Background(), coordinator.WriteOptions{}, 0, []byte("k"), []byte("op"))
	require.Error(t, err)
	require.Equal(t, status.NotSupported, status.KindOf(err))
}

func TestSyncAndDisableWALIsInvalidArgument(t *testing.T) {
	c := open(t, coordinator.DBOptions{})
	err := c.Put(context.Background(), coordinator.WriteOptions{Sync: true, DisableWAL: true}, 0, []byte("k"), []byte("v"))
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.KindOf(err))
}

func TestDisableWALSkipsAppendButStillApplies(t *testing.T) {
	c := open(t, coordinator.DBOptions{})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, coordinator.WriteOptions{DisableWAL: true}, 0, []byte("k"), []byte("v")))

	e, ok := c.Get(0, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), e.Value)
}

func TestWriteWithCallbackFailurePreventsApply(t *testing.T) {
	c := open(t, coordinator.DBOptions{})
	ctx := context.Background()
	wantErr := status.New(status.InvalidArgument, "nope")

	b := newPutBatch(t, 0, "k", "v")
	err := c.WriteWithCallback(ctx, coordinator.WriteOptions{}, b, func() error { return wantErr })
	require.Error(t, err)

	_, ok := c.Get(0, []byte("k"))
	require.False(t, ok)
}

func TestPipelinedModeAppliesWrites(t *testing.T) {
	c := open(t, coordinator.DBOptions{EnablePipelinedWrite: true})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, coordinator.WriteOptions{}, 0, []byte("k"), []byte("v")))
	e, ok := c.Get(0, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), e.Value)
}

func TestUnorderedModeAppliesWrites(t *testing.T) {
	c := open(t, coordinator.DBOptions{UnorderedWrite: true})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, coordinator.WriteOptions{}, 0, []byte("k"), []byte("v")))
	e, ok := c.Get(0, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), e.Value)
}

func TestWALOnlyWriteRequiresTwoWriteQueues(t *testing.T) {
	c := open(t, coordinator.DBOptions{})
	err := c.Write(context.Background(), coordinator.WriteOptions{WALOnly: true}, newPutBatch(t, 0, "k", "v"))
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.KindOf(err))
}

func TestLowPriNoSlowdownFailsFastWhenBucketEmpty(t *testing.T) {
	c := open(t, coordinator.DBOptions{LowPriBucketCapacity: 1})
	ctx := context.Background()

	// Drain the one token with an ordinary low-pri write.
	require.NoError(t, c.Put(ctx, coordinator.WriteOptions{LowPri: true}, 0, []byte("k1"), []byte("v1")))

	before := c.LastAllocatedSeq()
	err := c.Put(ctx, coordinator.WriteOptions{LowPri: true, NoSlowdown: true}, 0, []byte("k2"), []byte("v2"))
	require.Error(t, err)
	require.Equal(t, status.Incomplete, status.KindOf(err))
	require.Equal(t, before, c.LastAllocatedSeq(), "a rejected low-pri write must not consume a sequence number")

	_, ok := c.Get(0, []byte("k2"))
	require.False(t, ok)
}

func TestLowPriCommitMarkerBypassesThrottle(t *testing.T) {
	c := open(t, coordinator.DBOptions{LowPriBucketCapacity: 0})
	ctx := context.Background()

	b := batch.New().Commit(0)
	err := c.WriteWithCallback(ctx, coordinator.WriteOptions{LowPri: true, NoSlowdown: true}, b, nil)
	require.NoError(t, err, "a commit/rollback marker must never be throttled, even with an empty bucket")
}

func TestNoSlowdownUnderStopReturnsIncomplete(t *testing.T) {
	c := open(t, coordinator.DBOptions{})
	c.WriteController().SetStopped(true)

	before := c.LastAllocatedSeq()
	err := c.Put(context.Background(), coordinator.WriteOptions{NoSlowdown: true}, 0, []byte("k"), []byte("v"))
	require.Error(t, err)
	require.Equal(t, status.Incomplete, status.KindOf(err))
	require.Equal(t, before, c.LastAllocatedSeq(), "a rejected no_slowdown write must not consume a sequence number")

	_, ok := c.Get(0, []byte("k"))
	require.False(t, ok)
}

func TestMemtableSwitchUnderPressureRotatesWAL(t *testing.T) {
	c := open(t, coordinator.DBOptions{MaxTotalWALSize: 1, DBWriteBufferSize: 1})
	ctx := context.Background()

	firstWAL := c.Manifest().Current().CurrentWAL
	require.NoError(t, c.Put(ctx, coordinator.WriteOptions{}, 0, []byte("k1"), []byte("v1")))
	require.Equal(t, firstWAL, c.Manifest().Current().CurrentWAL,
		"the first write's own preprocess pass runs before its bytes are on disk, so there is nothing over threshold yet")

	// The second write's preprocess pass sees the first write's WAL bytes
	// and memtable usage, both now over the threshold of 1, and switches
	// before applying.
	require.NoError(t, c.Put(ctx, coordinator.WriteOptions{}, 0, []byte("k2"), []byte("v2")))
	secondWAL := c.Manifest().Current().CurrentWAL
	require.NotEqual(t, firstWAL, secondWAL, "exceeding max_total_wal_size must roll to a new WAL number")

	sv := c.Manifest().SuperVersion(0)
	require.NotEmpty(t, sv.Immutables, "the sealed memtable from the first write must be tracked as immutable")

	e, ok := c.Get(0, []byte("k2"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), e.Value)

	e1, ok1 := c.Get(0, []byte("k1"))
	require.True(t, ok1, "k1 must still be reachable through the now-immutable memtable")
	require.Equal(t, []byte("v1"), e1.Value)
}

func TestWALOnlyWriteNeverTouchesMemtable(t *testing.T) {
	c := open(t, coordinator.DBOptions{TwoWriteQueues: true})
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, coordinator.WriteOptions{WALOnly: true}, newPutBatch(t, 0, "k", "v")))

	_, ok := c.Get(0, []byte("k"))
	require.False(t, ok, "a wal_only write must never be visible to readers")
}
