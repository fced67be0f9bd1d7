package coordinator

import (
	"context"

	"emberkv/internal/batch"
	"emberkv/internal/status"
	"emberkv/internal/wal"
	"emberkv/internal/writeq"
)

// writeDefault implements §4.6's Default mode: the group leader runs
// preprocess, WAL append, and apply all on its own goroutine (fanning
// memtable apply out to parallel followers when eligible).
func (c *Coordinator) writeDefault(ctx context.Context, w *writeq.Writer) error {
	if err := c.queue.JoinBatchGroup(ctx, w); err != nil {
		return err
	}

	switch w.State() {
	case writeq.ParallelMemtableWriter:
		return c.runAsParallelMemtableWriter(w)
	case writeq.GroupLeader:
		return c.runAsBatchGroupLeader(ctx, w)
	default: // Completed — woken directly by exit-as-batch-group-leader
		return w.Status()
	}
}

// runAsParallelMemtableWriter applies w's own batch concurrently with the
// rest of its group, then, if it is the last to finish, publishes the
// group's sequence and exits it (§4.2 "complete-parallel-memtable-writer",
// §4.6 step 5's "winner publishes last sequence and exits group").
func (c *Coordinator) runAsParallelMemtableWriter(w *writeq.Writer) error {
	c.applyMember(w)
	if c.queue.CompleteParallelMemtableWriter(w.Group()) {
		c.finishGroup(w.Group())
	}
	return w.Status()
}

// finishGroup publishes last-allocated as last-published and exits the
// group with an OK status — individual writer failures were already
// stamped by applyMember/runPreCommitCallbacks and survive
// ExitAsBatchGroupLeader's nil-only overwrite rule.
func (c *Coordinator) finishGroup(g *writeq.Group) {
	c.seq.PublishLastAllocated()
	c.queue.ExitAsBatchGroupLeader(g, nil)
}

// runAsBatchGroupLeader implements §4.6 Default-mode step 5: preprocess
// under the global mutex, assemble the group, append its merged batch to
// the WAL, run pre-release callbacks, then apply — serially if the group
// is a singleton, carries Merge records, or concurrent apply is disabled,
// otherwise fanned out in parallel with the leader itself participating.
func (c *Coordinator) runAsBatchGroupLeader(ctx context.Context, leader *writeq.Writer) error {
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

	// A member excluded by a failed pre-commit callback still occupies a
	// slot in group.Writers (exit-as-batch-group-leader needs the full
	// membership to find the next leader) but can never call
	// complete-parallel-memtable-writer itself, so the shared counter
	// would never reach zero if it were launched as a participant. Apply
	// serially whenever that has happened; parallel fan-out is only safe
	// when every linked writer in the group is an active participant.
	anyExcluded := len(members) != len(group.Writers)

	if anyExcluded || len(members) == 1 || hasMemberMergeRecords(members) || !c.opts.AllowConcurrentMemtableWrite || c.opts.SeqPerBatch {
		for _, w := range members {
			c.applyMember(w)
		}
		c.finishGroup(group)
		return leader.Status()
	}

	c.queue.LaunchParallelMemtableWriters(group)
	c.applyMember(leader)
	if c.queue.CompleteParallelMemtableWriter(group) {
		c.finishGroup(group)
	}
	return leader.Status()
}

func hasMemberMergeRecords(members []*writeq.Writer) bool {
	for _, w := range members {
		if hasMergeRecords(w.Batch) {
			return true
		}
	}
	return false
}

func (c *Coordinator) appendToWAL(ctx context.Context, merged *batch.Batch, sync bool) error {
	return c.appender.AppendMerged(ctx, merged, wal.AppendOptions{Sync: sync})
}

// recordWALError implements §7's propagation policy: a WAL error becomes a
// background error only when paranoid_checks is on and its kind is not
// Busy or Incomplete; the faulting writer receives the error either way
// (the caller fails every group member with it separately).
func (c *Coordinator) recordWALError(err error) {
	if !c.opts.ParanoidChecks {
		return
	}
	switch status.KindOf(err) {
	case status.Busy, status.Incomplete:
		return
	}
	c.bgErrors.Record(ReasonWAL, err)
}
