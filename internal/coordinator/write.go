package coordinator

import (
	"context"
	"time"

	"emberkv/internal/batch"
	"emberkv/internal/status"
	"emberkv/internal/writeq"
)

// Put builds a one-record batch and calls Write (§6).
func (c *Coordinator) Put(ctx context.Context, wopts WriteOptions, cf uint32, key, value []byte) error {
	return c.Write(ctx, wopts, batch.New().Put(cf, key, value))
}

// Delete builds a one-record batch and calls Write.
func (c *Coordinator) Delete(ctx context.Context, wopts WriteOptions, cf uint32, key []byte) error {
	return c.Write(ctx, wopts, batch.New().Delete(cf, key))
}

// SingleDelete builds a one-record batch and calls Write.
func (c *Coordinator) SingleDelete(ctx context.Context, wopts WriteOptions, cf uint32, key []byte) error {
	return c.Write(ctx, wopts, batch.New().SingleDelete(cf, key))
}

// DeleteRange builds a one-record batch and calls Write.
func (c *Coordinator) DeleteRange(ctx context.Context, wopts WriteOptions, cf uint32, begin, end []byte) error {
	return c.Write(ctx, wopts, batch.New().DeleteRange(cf, begin, end))
}

// Merge builds a one-record batch and calls Write, rejecting up front if cf
// has no registered merge operator (§6: "merge errors if the CF has no
// merge operator").
func (c *Coordinator) Merge(ctx context.Context, wopts WriteOptions, cf uint32, key, operand []byte) error {
	if c.mergeOperator(cf) == nil {
		return status.New(status.NotSupported, "coordinator: column family %d has no merge operator", cf)
	}
	return c.Write(ctx, wopts, batch.New().Merge(cf, key, operand))
}

// Write is the main entry point (§6): it hands b to the configured write
// mode and blocks until it has been appended to the WAL (unless
// disable_wal; fsynced only when wopts.Sync is set) and applied, returning
// its final status.
func (c *Coordinator) Write(ctx context.Context, wopts WriteOptions, b *batch.Batch) error {
	return c.WriteWithCallback(ctx, wopts, b, nil)
}

// WriteWithCallback is like Write but invokes preCommit once the writer's
// final group membership is known, before any sequence is assigned,
// letting the caller veto its own commit (§6). A non-nil preCommit forces
// AllowsBatching false — the safe half of §4.2's "the leader's pre-commit
// callback is allowed to batch, or the group remains size 1" — since the
// external interface has no way for a caller to assert the callback is
// batch-safe.
func (c *Coordinator) WriteWithCallback(ctx context.Context, wopts WriteOptions, b *batch.Batch, preCommit func() error) error {
	if err := validateWriteOptions(wopts); err != nil {
		return err
	}
	if b == nil {
		return status.New(status.Corruption, "coordinator: null batch")
	}
	if c.opts.SeqPerBatch && b.Count() == 0 {
		return status.New(status.InvalidArgument, "coordinator: seq_per_batch requires a non-empty batch")
	}
	if c.bgErrors.Fenced() {
		return status.New(status.IOFenced, "coordinator: io fenced, no further writes accepted")
	}

	b.Seal()
	w := writeq.NewWriter(b)
	w.Sync = wopts.Sync
	w.DisableWAL = wopts.DisableWAL
	w.IgnoreMissingCF = wopts.IgnoreMissingColumnFamilies
	w.LowPri = wopts.LowPri
	w.NoSlowdown = wopts.NoSlowdown
	w.PreCommitCallback = preCommit
	if preCommit != nil {
		w.AllowsBatching = false
	}

	// §4.6 low-priority throttle: writers marked low-pri, other than
	// commit/rollback markers, consult the write controller's token
	// bucket before joining the queue. no_slowdown fails fast instead of
	// waiting for a delay.
	if w.LowPri && !b.IsCommitOrRollback() {
		if !c.controller.AllowLowPri() {
			if w.NoSlowdown {
				return status.New(status.Incomplete, "coordinator: low-pri write stall")
			}
			if delay := c.controller.GetDelay(int64(b.ByteSize())); delay > 0 {
				select {
				case <-ctx.Done():
					return status.New(status.Incomplete, "coordinator: %v", ctx.Err())
				case <-time.After(delay):
				}
			}
		}
	}

	// WalOnly is a per-write choice layered on top of whichever primary
	// Mode is configured, not one of its alternatives — see DESIGN.md.
	if wopts.WALOnly {
		if !c.opts.TwoWriteQueues {
			return status.New(status.InvalidArgument, "coordinator: wal_only write requires two_write_queues")
		}
		return c.writeWALOnly(ctx, w)
	}

	switch c.mode {
	case Pipelined:
		return c.writePipelined(ctx, w)
	case Unordered:
		return c.writeUnordered(ctx, w)
	default:
		return c.writeDefault(ctx, w)
	}
}

// runPreCommitCallbacks invokes each group member's pre-commit callback in
// queue order on the leader's goroutine (followers are parked and cannot
// run their own), returning the subset that is still eligible to be
// written. A failing writer is stamped with the callback's error and
// excluded — §3/§7: "consume no sequence... do not abort other writers".
func runPreCommitCallbacks(g *writeq.Group) []*writeq.Writer {
	survivors := make([]*writeq.Writer, 0, len(g.Writers))
	for _, w := range g.Writers {
		if w.PreCommitCallback != nil {
			if err := w.PreCommitCallback(); err != nil {
				w.Fail(err)
				continue
			}
		}
		survivors = append(survivors, w)
	}
	return survivors
}

// runPreReleaseCallbacks invokes each member's pre-release callback, in
// order, after WAL durability and before any memtable apply (§5). A
// failing pre-release callback fails that writer individually; it still
// proceeds to memtable apply; §7 does not distinguish pre-release failures
// from ordinary per-writer callback failures.
func runPreReleaseCallbacks(members []*writeq.Writer) {
	for _, w := range members {
		if w.PreReleaseCallback == nil {
			continue
		}
		if err := w.PreReleaseCallback(); err != nil {
			w.Fail(err)
		}
	}
}
