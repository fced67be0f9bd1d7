package coordinator

import (
	"context"

	"emberkv/internal/batch"
	"emberkv/internal/status"
	"emberkv/internal/writeq"
)

// recordCost returns how many sequence numbers w's batch consumes: one per
// record ordinarily, or exactly one for the whole batch under seq_per_batch
// (see DESIGN.md's Open Question decision for OQ1).
func (c *Coordinator) recordCost(w *writeq.Writer) uint64 {
	if c.opts.SeqPerBatch {
		return 1
	}
	return uint64(w.Batch.Count())
}

// stampMembers assigns each member a disjoint range of sequence numbers
// starting at base, in order, and stamps its own batch accordingly. It
// returns the total number of sequence numbers consumed.
func (c *Coordinator) stampMembers(members []*writeq.Writer, base uint64) uint64 {
	offset := base
	for _, w := range members {
		w.BaseSeq = offset
		cost := c.recordCost(w)
		if c.opts.SeqPerBatch {
			w.Batch.StampUniform(offset)
		} else {
			w.Batch.Stamp(offset)
		}
		offset += cost
	}
	return offset - base
}

// mergeMembers concatenates the (already-stamped) batches of members into
// one batch suitable for a single WAL append, per §4.4 "Batch merging". A
// solo member's own batch is used directly, unless it has a truncation
// point, so a one-writer group normally performs no copy.
func mergeMembers(members []*writeq.Writer, base uint64) *batch.Batch {
	if len(members) == 1 && !members[0].Batch.Truncated() {
		members[0].Batch.SetBaseSeq(base)
		return members[0].Batch
	}
	batches := make([]*batch.Batch, len(members))
	for i, w := range members {
		batches[i] = w.Batch
	}
	merged := batch.MergeBatches(batches...)
	merged.SetBaseSeq(base)
	return merged
}

// allocateStampAndAppend reserves sequence numbers for members, stamps
// them, and appends their merged batch to the WAL, treating allocation
// and append as one step under the WAL-write mutex whenever
// TwoWriteQueues or ManualWALFlush is active — per §4.4/§5, that mutex is
// what keeps WAL record order matching sequence order across both the
// main and WAL-only queues, and what serializes appends against a manual
// WAL flush; otherwise single-queue mode needs no such pairing since the
// group leader already holds the queue's one virtual write slot.
func (c *Coordinator) allocateStampAndAppend(ctx context.Context, members []*writeq.Writer, sync, disableWAL bool) error {
	var totalCost uint64
	for _, w := range members {
		totalCost += c.recordCost(w)
	}

	run := func() error {
		// Allocate returns the prior last-allocated value; the reserved
		// range is [prior+1, prior+totalCost] (seqno.Allocator's own
		// contract), so sequence numbers are 1-based — seq 0 stays the
		// "unset" sentinel.
		start := c.seq.Allocate(totalCost) + 1
		c.stampMembers(members, start)
		if disableWAL {
			return nil
		}
		merged := mergeMembers(members, start)
		if err := c.appendToWAL(ctx, merged, sync); err != nil {
			return err
		}
		for _, w := range members {
			w.LogNumber = c.switcher.CurrentLogNumber()
		}
		return nil
	}

	if c.opts.TwoWriteQueues || c.opts.ManualWALFlush {
		return c.appender.WithWALMutex(run)
	}
	return run()
}

// hasMergeRecords reports whether b contains any Merge record — such a
// batch must be applied serially rather than fanned out to parallel
// memtable writers, since concurrent merges against the same key within
// one group would race on read-modify-write of the existing value. Not
// named explicitly by §4.6; a direct consequence of memtable.Merge's
// read-then-write contract, documented in DESIGN.md.
func hasMergeRecords(b *batch.Batch) bool {
	for _, r := range b.Records() {
		if r.Type == batch.Merge {
			return true
		}
	}
	return false
}

// applyBatch applies every record of w's batch to the active memtable of
// its target column family, honoring w.IgnoreMissingCF (§6).
func (c *Coordinator) applyBatch(w *writeq.Writer) error {
	numCF := c.manifest.NumColumnFamilies()
	for i := range w.Batch.Records() {
		r := w.Batch.Records()[i]
		if int(r.CF) >= numCF {
			if w.IgnoreMissingCF {
				continue
			}
			return status.New(status.InvalidArgument, "coordinator: unknown column family %d", r.CF)
		}
		if err := c.applyRecord(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) applyRecord(r batch.Record) error {
	sv := c.manifest.SuperVersion(int(r.CF))
	switch r.Type {
	case batch.Put:
		return sv.Active.Put(r.Seq, r.Key, r.Value)
	case batch.Delete:
		return sv.Active.Delete(r.Seq, r.Key)
	case batch.SingleDelete:
		return sv.Active.SingleDelete(r.Seq, r.Key)
	case batch.DeleteRange:
		return sv.Active.DeleteRange(r.Seq, r.Key, r.Value)
	case batch.Merge:
		return sv.Active.Merge(r.Seq, r.Key, r.Value, c.mergeOperator(r.CF))
	case batch.BeginPrepare, batch.Commit, batch.Rollback:
		return nil // 2PC markers carry no memtable effect; WAL-only.
	default:
		return status.New(status.Corruption, "coordinator: unknown record type %v", r.Type)
	}
}

// applyMember applies w's batch and, on failure, fails w individually and
// promotes the error to a background error with reason MemTable (§7:
// "Memtable-apply errors are always promoted to background errors... as
// the WAL/memtable states would otherwise diverge"), without touching any
// other writer's status.
func (c *Coordinator) applyMember(w *writeq.Writer) {
	if err := c.applyBatch(w); err != nil {
		w.Fail(err)
		c.bgErrors.Record(ReasonMemTable, err)
	}
}
