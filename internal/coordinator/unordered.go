package coordinator

import (
	"context"

	"emberkv/internal/writeq"
)

// beginPendingWrites registers n writers as about to apply independently
// of the group-exit path.
func (c *Coordinator) beginPendingWrites(n int) {
	c.pendingMu.Lock()
	c.pendingWrites += int64(n)
	c.pendingMu.Unlock()
}

// endPendingWrite records that one independently-applying writer has
// finished, broadcasting to any waiter once the count reaches zero.
func (c *Coordinator) endPendingWrite() {
	c.pendingMu.Lock()
	c.pendingWrites--
	if c.pendingWrites == 0 {
		c.pendingCond.Broadcast()
	}
	c.pendingMu.Unlock()
}

// waitNoPendingWrites blocks until every previously dispatched
// independent apply has finished — the gate a pending memtable switch
// waits on before it may proceed (§4.6).
func (c *Coordinator) waitNoPendingWrites() {
	c.pendingMu.Lock()
	for c.pendingWrites > 0 {
		c.pendingCond.Wait()
	}
	c.pendingMu.Unlock()
}

// writeUnordered implements §4.6 Unordered mode: the WAL leader publishes
// last-allocated as last-published immediately after the WAL append,
// before any memtable apply, trading read-after-write ordering for
// letting every group member (including the leader) apply to its
// memtable independently and concurrently rather than waiting on a
// shared "winner" counter.
func (c *Coordinator) writeUnordered(ctx context.Context, w *writeq.Writer) error {
	if err := c.queue.JoinBatchGroup(ctx, w); err != nil {
		return err
	}

	switch w.State() {
	case writeq.ParallelMemtableWriter:
		return c.runUnorderedMemtableWriter(w)
	case writeq.GroupLeader:
		return c.runUnorderedWALLeader(ctx, w)
	default: // Completed
		return w.Status()
	}
}

func (c *Coordinator) runUnorderedMemtableWriter(w *writeq.Writer) error {
	c.applyMember(w)
	c.endPendingWrite()
	w.MarkCompleted()
	return w.Status()
}

func (c *Coordinator) runUnorderedWALLeader(ctx context.Context, leader *writeq.Writer) error {
	c.waitNoPendingWrites()

	c.mu.Lock()
	if err := c.pre.Preprocess(ctx, leader); err != nil {
		c.mu.Unlock()
		c.queue.ExitAsBatchGroupLeader(&writeq.Group{Writers: []*writeq.Writer{leader}}, err)
		return leader.Status()
	}
	c.mu.Unlock()

	group := c.queue.EnterAsBatchGroupLeader(leader)
	members := runPreCommitCallbacks(group)
	if len(members) == 0 {
		c.queue.ExitAsBatchGroupLeader(group, nil)
		return leader.Status()
	}

	if err := c.allocateStampAndAppend(ctx, members, leader.Sync, leader.DisableWAL); err != nil {
		c.recordWALError(err)
		for _, w := range members {
			w.Fail(err)
		}
		c.queue.ExitAsBatchGroupLeader(group, nil)
		return leader.Status()
	}

	runPreReleaseCallbacks(members)

	// The defining trade of this mode: publish before any apply.
	c.seq.PublishLastAllocated()

	c.beginPendingWrites(len(members))
	c.queue.PromoteNext(group)

	isMember := make(map[*writeq.Writer]bool, len(members))
	for _, w := range members {
		isMember[w] = true
	}
	for _, w := range group.Followers() {
		if !isMember[w] {
			// excluded by a failed pre-commit callback: already carries
			// its own status, just needs releasing.
			w.Release(writeq.Completed)
			continue
		}
		if w != leader {
			w.Release(writeq.ParallelMemtableWriter)
		}
	}

	if isMember[leader] {
		c.applyMember(leader)
		c.endPendingWrite()
	}
	leader.MarkCompleted()
	return leader.Status()
}
