package coordinator

import (
	"context"

	"emberkv/internal/status"
	"emberkv/internal/writeq"
)

// writeWALOnly implements §4.6 WalOnly: a write admitted into the
// secondary writer queue, sequenced and appended to the WAL exactly like
// a main-queue group, but never applied to any memtable — the path
// write-committed 2PC prepare records and similar markers take.
// Preprocessing (§4.5) is skipped entirely: it exists to keep the
// memtable and WAL size under control, and a WAL-only write touches
// neither.
func (c *Coordinator) writeWALOnly(ctx context.Context, w *writeq.Writer) error {
	if c.walOnly == nil {
		return status.New(status.InvalidArgument, "coordinator: wal-only queue not initialized")
	}

	if err := c.walOnly.JoinBatchGroup(ctx, w); err != nil {
		return err
	}
	if w.State() != writeq.GroupLeader {
		return w.Status() // Completed — woken by the leader below
	}

	group := c.walOnly.EnterAsBatchGroupLeader(w)
	members := runPreCommitCallbacks(group)
	if len(members) == 0 {
		c.walOnly.ExitAsBatchGroupLeader(group, nil)
		return w.Status()
	}

	if err := c.allocateStampAndAppend(ctx, members, w.Sync, w.DisableWAL); err != nil {
		c.recordWALError(err)
		for _, m := range members {
			m.Fail(err)
		}
		c.walOnly.ExitAsBatchGroupLeader(group, nil)
		return w.Status()
	}

	runPreReleaseCallbacks(members)

	c.seq.PublishLastAllocated()
	c.walOnly.ExitAsBatchGroupLeader(group, nil)
	return w.Status()
}
