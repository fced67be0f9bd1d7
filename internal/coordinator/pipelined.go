package coordinator

import (
	"context"

	"emberkv/internal/writeq"
)

// writePipelined implements §4.6 Pipelined mode: WAL leadership and
// memtable-writer leadership are split, so a newly admitted leader can
// begin its own WAL phase while the previous group is still applying to
// memory. Ordering between the two phases is kept by a pipeline ticket —
// a memtable-writer leader waits for every earlier ticket's leader to
// finish applying before publishing its own group's sequence.
func (c *Coordinator) writePipelined(ctx context.Context, w *writeq.Writer) error {
	if err := c.queue.JoinBatchGroup(ctx, w); err != nil {
		return err
	}

	switch w.State() {
	case writeq.ParallelMemtableWriter:
		return c.runPipelinedMemtableWriter(w)
	case writeq.GroupLeader:
		return c.runPipelinedWALLeader(ctx, w)
	default: // Completed
		return w.Status()
	}
}

func (c *Coordinator) runPipelinedMemtableWriter(w *writeq.Writer) error {
	c.applyMember(w)
	if c.queue.CompleteParallelMemtableWriter(w.Group()) {
		c.finishPipelinedGroup(w.Group(), w.Group().Leader())
	}
	return w.Status()
}

// runPipelinedWALLeader runs the WAL phase (preprocess, stamp, append)
// exactly as the Default-mode leader does, then immediately promotes the
// next linked writer to GroupLeader — §4.6's "this allows a newly
// arrived leader to begin its WAL phase while the previous group is
// still applying to memory" — before running its own group's apply
// phase as memtable-writer leader.
func (c *Coordinator) runPipelinedWALLeader(ctx context.Context, leader *writeq.Writer) error {
	c.mu.Lock()
	if err := c.pre.Preprocess(ctx, leader); err != nil {
		c.mu.Unlock()
		solo := &writeq.Group{Writers: []*writeq.Writer{leader}}
		c.queue.PromoteNext(solo)
		c.queue.FinishGroup(solo, err)
		return leader.Status()
	}
	c.mu.Unlock()

	group := c.queue.EnterAsBatchGroupLeader(leader)
	members := runPreCommitCallbacks(group)
	ticket := c.queue.NextPipelineTicket()
	leader.PipelineTicket = ticket

	if len(members) == 0 {
		c.queue.PromoteNext(group)
		c.finishPipelinedGroup(group, leader)
		return leader.Status()
	}

	if err := c.allocateStampAndAppend(ctx, members, leader.Sync, leader.DisableWAL); err != nil {
		c.recordWALError(err)
		for _, w := range members {
			w.Fail(err)
		}
		c.queue.PromoteNext(group)
		c.finishPipelinedGroup(group, leader)
		return leader.Status()
	}

	runPreReleaseCallbacks(members)

	// The WAL phase is durable; let the next writer in line start its own
	// WAL phase concurrently with the apply phase below.
	c.queue.PromoteNext(group)

	anyExcluded := len(members) != len(group.Writers)
	if anyExcluded || len(members) == 1 || hasMemberMergeRecords(members) || !c.opts.AllowConcurrentMemtableWrite || c.opts.SeqPerBatch {
		for _, m := range members {
			c.applyMember(m)
		}
		c.finishPipelinedGroup(group, leader)
		return leader.Status()
	}

	c.queue.LaunchParallelMemtableWriters(group)
	c.applyMember(leader)
	if c.queue.CompleteParallelMemtableWriter(group) {
		c.finishPipelinedGroup(group, leader)
	}
	return leader.Status()
}

// finishPipelinedGroup waits for every earlier pipeline ticket's leader
// to finish applying (§4.2 "wait-for-memtable-writers"), then publishes
// and marks this ticket done before waking the group's followers — this
// preserves read-after-write ordering across overlapping groups even
// though their WAL phases ran out of order relative to their apply
// phases.
func (c *Coordinator) finishPipelinedGroup(g *writeq.Group, memLeader *writeq.Writer) {
	// The writer-queue admission order already guarantees tickets are
	// handed out in the same order groups were assembled, so waiting on
	// ctx.Background() here (rather than the caller's possibly-cancelled
	// ctx) matches the other exit paths, which never fail once a group
	// has reached this point.
	_ = c.queue.WaitForMemtableWriters(context.Background(), memLeader.PipelineTicket)
	// Publish this group's own last sequence, not last-allocated, which may
	// already cover a later group whose apply has not finished.
	var last uint64
	for _, w := range g.Writers {
		if w.BaseSeq == 0 {
			continue
		}
		if end := w.BaseSeq + c.recordCost(w) - 1; end > last {
			last = end
		}
	}
	if last > 0 {
		c.seq.Publish(last)
	}
	c.queue.MarkPipelineDone(memLeader.PipelineTicket)
	c.queue.FinishGroup(g, nil)
}
