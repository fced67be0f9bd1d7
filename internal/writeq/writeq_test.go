package writeq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"emberkv/internal/batch"
	"emberkv/internal/writeq"
)

func newWriter(key string) *writeq.Writer {
	b := batch.New().Put(0, []byte(key), []byte("v"))
	return writeq.NewWriter(b)
}

func TestSoloWriterBecomesLeaderImmediately(t *testing.T) {
	q := writeq.NewQueue()
	w := newWriter("a")
	err := q.JoinBatchGroup(context.Background(), w)
	require.NoError(t, err)
	require.Equal(t, writeq.GroupLeader, w.State())
}

func TestSecondWriterIsLockedWaiting(t *testing.T) {
	q := writeq.NewQueue()
	leader := newWriter("a")
	require.NoError(t, q.JoinBatchGroup(context.Background(), leader))

	follower := newWriter("b")
	done := make(chan error, 1)
	go func() { done <- q.JoinBatchGroup(context.Background(), follower) }()

	// Give the follower a moment to link in before we inspect it.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, writeq.LockedWaiting, follower.State())

	group := q.EnterAsBatchGroupLeader(leader)
	require.Len(t, group.Writers, 2)
	q.LaunchParallelMemtableWriters(group)

	require.False(t, q.CompleteParallelMemtableWriter(group)) // follower finishes first
	require.True(t, q.CompleteParallelMemtableWriter(group))  // leader finishes second: winner
	q.ExitAsBatchGroupLeader(group, nil)

	require.NoError(t, <-done)
	require.Equal(t, writeq.Completed, follower.State())
}

func TestExitAsBatchGroupLeaderPromotesNextWriter(t *testing.T) {
	q := writeq.NewQueue()
	leader := newWriter("a")
	require.NoError(t, q.JoinBatchGroup(context.Background(), leader))

	group := q.EnterAsBatchGroupLeader(leader)

	next := newWriter("b")
	nextDone := make(chan error, 1)
	go func() { nextDone <- q.JoinBatchGroup(context.Background(), next) }()
	time.Sleep(20 * time.Millisecond)

	q.ExitAsBatchGroupLeader(group, nil)

	require.NoError(t, <-nextDone)
	require.Equal(t, writeq.GroupLeader, next.State())
}

func TestUnbatchedWriterIsNeverAbsorbed(t *testing.T) {
	q := writeq.NewQueue()
	leader := newWriter("a")
	require.NoError(t, q.JoinBatchGroup(context.Background(), leader))

	unb := newWriter("b")
	unb.Unbatched = true
	go q.JoinBatchGroup(context.Background(), unb)
	time.Sleep(20 * time.Millisecond)

	group := q.EnterAsBatchGroupLeader(leader)
	require.Len(t, group.Writers, 1, "unbatched follower must not be folded into the group")
}

func TestNoSlowdownFailsFastDuringStall(t *testing.T) {
	q := writeq.NewQueue()
	q.BeginWriteStall()
	defer q.EndWriteStall()

	w := newWriter("a")
	w.NoSlowdown = true
	err := q.JoinBatchGroup(context.Background(), w)
	require.Error(t, err)
	require.Equal(t, writeq.Completed, w.State())
}

func TestJoinBatchGroupRespectsContextCancellation(t *testing.T) {
	q := writeq.NewQueue()
	leader := newWriter("a")
	require.NoError(t, q.JoinBatchGroup(context.Background(), leader))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	follower := newWriter("b")
	err := q.JoinBatchGroup(ctx, follower)
	require.Error(t, err)
}

func TestEnterAsBatchGroupLeaderAdmitsQueuedFollowers(t *testing.T) {
	q := writeq.NewQueue()
	leader := newWriter("a")
	require.NoError(t, q.JoinBatchGroup(context.Background(), leader))

	const n = 5
	var wg sync.WaitGroup
	followers := make([]*writeq.Writer, n)
	for i := 0; i < n; i++ {
		followers[i] = newWriter("f")
		wg.Add(1)
		go func(w *writeq.Writer) {
			defer wg.Done()
			q.JoinBatchGroup(context.Background(), w)
		}(followers[i])
	}
	time.Sleep(30 * time.Millisecond)

	group := q.EnterAsBatchGroupLeader(leader)
	require.GreaterOrEqual(t, len(group.Writers), 2)

	q.LaunchParallelMemtableWriters(group)
	for range group.Writers { // leader + every follower, symmetrically
		q.CompleteParallelMemtableWriter(group)
	}
	q.ExitAsBatchGroupLeader(group, nil)
	wg.Wait()
}

func TestDisableWALMismatchTerminatesGroup(t *testing.T) {
	q := writeq.NewQueue()
	leader := newWriter("a")
	require.NoError(t, q.JoinBatchGroup(context.Background(), leader))

	follower := newWriter("b")
	follower.DisableWAL = true
	go q.JoinBatchGroup(context.Background(), follower)
	time.Sleep(20 * time.Millisecond)

	group := q.EnterAsBatchGroupLeader(leader)
	require.Len(t, group.Writers, 1)
}

func TestPipelineTicketOrdering(t *testing.T) {
	q := writeq.NewQueue()
	t1 := q.NextPipelineTicket()
	t2 := q.NextPipelineTicket()
	require.Equal(t, t1+1, t2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.WaitForMemtableWriters(ctx, t2) }()

	time.Sleep(5 * time.Millisecond)
	q.MarkPipelineDone(t1)

	require.NoError(t, <-done)
}

func TestLastGroupBytesTracksAdmission(t *testing.T) {
	q := writeq.NewQueue()
	leader := newWriter("a")
	require.NoError(t, q.JoinBatchGroup(context.Background(), leader))

	group := q.EnterAsBatchGroupLeader(leader)
	require.Greater(t, q.LastGroupBytes(), int64(0))
	q.ExitAsBatchGroupLeader(group, nil)
}
