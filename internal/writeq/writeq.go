// Package writeq implements the writer queue and batch-group state
// machine (C4): admission of writers into a linked queue, leader
// election, assembly of a batch group under a byte budget, and the
// parallel-memtable-writer fan-out used once a group has been written to
// the WAL.
//
// Grounded on lxing-amethyst's internal/db batched_write.go channel-based
// group-commit loop (collect pending writers, assign sequences together,
// commit as one unit) generalized into the linked-list leader/follower
// admission §4.2 specifies, and on other_examples' karin478-Apex writerq
// for the parking-follower-until-promoted idiom. A genuinely lock-free
// forward-linked list needs hazard-pointer-style reclamation this module
// has no other use for; the join/link/head bookkeeping here is instead
// guarded by one short-lived mutex (documented in DESIGN.md), while
// parking itself still blocks on a plain channel per writer rather than
// the mutex, keeping the "only blocks for parking" spirit of §9's design
// note.
package writeq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"emberkv/internal/batch"
	"emberkv/internal/common"
	"emberkv/internal/status"
)

// State is a writer's position in the §4.2 state graph.
type State int32

const (
	Init State = iota
	GroupLeader
	MemtableWriterLeader
	ParallelMemtableWriter
	LockedWaiting
	Completed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case GroupLeader:
		return "GROUP_LEADER"
	case MemtableWriterLeader:
		return "MEMTABLE_WRITER_LEADER"
	case ParallelMemtableWriter:
		return "PARALLEL_MEMTABLE_WRITER"
	case LockedWaiting:
		return "LOCKED_WAITING"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Writer is a single client's attempt to commit a batch (GLOSSARY
// "Writer"). It is owned by the submitting goroutine for its whole
// lifetime; the queue and coordinator only borrow it.
type Writer struct {
	Batch *batch.Batch

	Sync            bool
	DisableWAL      bool
	IgnoreMissingCF bool
	LowPri          bool
	NoSlowdown      bool

	// Unbatched marks a writer that must never be folded into another
	// writer's group (used by enter-unbatched for the memtable switch).
	// It also means this writer's own pre-commit callback is treated as
	// not allowing batching, mirroring "the leader's pre-commit callback
	// is allowed to batch, or the group remains size 1".
	Unbatched bool

	// AllowsBatching reports whether this writer's pre-commit callback
	// (if any) permits other writers to be folded into its group when it
	// is elected leader. Defaults to true via NewWriter.
	AllowsBatching bool

	PreCommitCallback  func() error
	PreReleaseCallback func() error

	BaseSeq   uint64
	LogNumber common.FileNo

	// PipelineTicket is the ticket this writer's group was assigned by
	// NextPipelineTicket when running as a memtable-writer leader in
	// Pipelined mode; zero if it never held that role.
	PipelineTicket uint64

	state atomic.Int32
	err   atomic.Pointer[status.Status]
	done  chan struct{}

	older atomic.Pointer[Writer]
	newer atomic.Pointer[Writer]

	group atomic.Pointer[Group]
}

// NewWriter wraps b for submission to a Queue.
func NewWriter(b *batch.Batch) *Writer {
	return &Writer{Batch: b, AllowsBatching: true, done: make(chan struct{})}
}

// State returns the writer's current state.
func (w *Writer) State() State {
	return State(w.state.Load())
}

func (w *Writer) setState(s State) {
	w.state.Store(int32(s))
}

// Status returns the writer's terminal error, or nil if it finished (or
// has not yet finished) without one.
func (w *Writer) Status() error {
	st := w.err.Load()
	if st == nil {
		return nil
	}
	return st
}

// setStatus records w's terminal status. A nil err clears any prior one.
func (w *Writer) setStatus(err error) {
	if err == nil {
		w.err.Store(nil)
		return
	}
	if st, ok := err.(*status.Status); ok {
		w.err.Store(st)
		return
	}
	w.err.Store(status.New(status.IOError, "%v", err))
}

// Fail records err as w's terminal status. Exported for the coordinator,
// the only caller outside this package authorized to set an individual
// writer's status directly — e.g. a pre-commit callback failure or a
// memtable-apply error specific to this writer's own batch.
func (w *Writer) Fail(err error) {
	w.setStatus(err)
}

// Group returns the batch group w was last launched into by
// LaunchParallelMemtableWriters, or nil if it never participated in one.
func (w *Writer) Group() *Group {
	return w.group.Load()
}

// Release promotes w to state s and releases it from park. Exported for
// the coordinator's Unordered mode, where each group member finishes
// independently rather than being woken together by one group-exit call
// — e.g. waking a follower excluded by a failed pre-commit callback,
// which needs releasing but never applies anything.
func (w *Writer) Release(s State) {
	w.wake(s)
}

// MarkCompleted sets w's state to Completed directly. Exported for
// Unordered mode, where a writer that already holds its own terminal
// status (set via Fail, or left nil on success) completes itself instead
// of waiting for a shared group-exit call.
func (w *Writer) MarkCompleted() {
	w.setState(Completed)
}

// wake promotes w to state s and releases it from park, exactly once.
func (w *Writer) wake(s State) {
	w.setState(s)
	select {
	case <-w.done:
		// already woken (e.g. the leader itself, which never parks)
	default:
		close(w.done)
	}
}

// park blocks until w is woken by the queue, or ctx is cancelled.
func (w *Writer) park(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Group is a leader plus the consecutive followers admitted alongside it
// by EnterAsBatchGroupLeader.
type Group struct {
	Writers   []*Writer
	remaining atomic.Int32
}

// Leader returns the group's leader (always Writers[0]).
func (g *Group) Leader() *Writer {
	return g.Writers[0]
}

// Followers returns the group's non-leader members.
func (g *Group) Followers() []*Writer {
	if len(g.Writers) <= 1 {
		return nil
	}
	return g.Writers[1:]
}

const (
	minByteBudget     = 1 << 20         // 1 MiB
	perWriterBudget   = 128 * (1 << 10) // 128 KiB
	recentBytesDivSor = 8
)

// Queue is the writer queue of §4.2: a forward-linked list of Writer
// nodes with leader election and batch-group assembly.
type Queue struct {
	mu   sync.Mutex
	head *Writer
	tail *Writer

	stalled atomic.Bool

	lastGroupBytes atomic.Int64

	pipelineTicket atomic.Uint64
	pipelineDone   atomic.Uint64
}

// NewQueue returns an empty writer queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Stalled reports whether a write stall barrier is currently active.
func (q *Queue) Stalled() bool {
	return q.stalled.Load()
}

// BeginWriteStall inserts a stall barrier so no_slowdown writers joining
// the queue can observe it and fail immediately (§4.2).
func (q *Queue) BeginWriteStall() {
	q.stalled.Store(true)
}

// EndWriteStall clears the stall barrier.
func (q *Queue) EndWriteStall() {
	q.stalled.Store(false)
}

// LastGroupBytes returns the byte size most recently assembled into a
// group, the input to the byte-budget formula for the next admission.
func (q *Queue) LastGroupBytes() int64 {
	return q.lastGroupBytes.Load()
}

// JoinBatchGroup appends w to the queue. If the queue was empty it
// becomes the new leader immediately; otherwise it is parked until
// promoted to ParallelMemtableWriter, GroupLeader (via head advancement,
// §4.2's "advance the head past the group"), or Completed.
func (q *Queue) JoinBatchGroup(ctx context.Context, w *Writer) error {
	if q.stalled.Load() && w.NoSlowdown {
		w.setStatus(status.New(status.Incomplete, "write stall"))
		w.setState(Completed)
		return w.Status()
	}

	q.mu.Lock()
	oldTail := q.tail
	q.tail = w
	if oldTail != nil {
		oldTail.newer.Store(w)
		w.older.Store(oldTail)
	}
	leader := q.head == nil
	if leader {
		q.head = w
		w.setState(GroupLeader)
	} else {
		w.setState(LockedWaiting)
	}
	q.mu.Unlock()

	if leader {
		return nil
	}
	if err := w.park(ctx); err != nil {
		return err
	}
	return w.Status()
}

// EnterAsBatchGroupLeader walks forward from leader accumulating
// consecutive eligible followers, bounded by the byte budget of §4.2,
// until a non-batchable writer, an exhausted budget, or the queue's end
// is reached.
func (q *Queue) EnterAsBatchGroupLeader(leader *Writer) *Group {
	g := &Group{Writers: []*Writer{leader}}

	if leader.Unbatched || !leader.AllowsBatching {
		return g
	}

	budget := byteBudget(q.lastGroupBytes.Load(), q.queueDepth(leader))
	size := leader.Batch.ByteSize()

	cur := leader.newer.Load()
	for cur != nil {
		if cur.Unbatched || cur.DisableWAL != leader.DisableWAL {
			break
		}
		next := size + cur.Batch.ByteSize()
		if int64(next) > budget {
			break
		}
		size = next
		g.Writers = append(g.Writers, cur)
		cur = cur.newer.Load()
	}

	q.lastGroupBytes.Store(int64(size))
	return g
}

// queueDepth counts writers reachable forward from leader, inclusive —
// the "writers_in_queue" term of the byte-budget formula.
func (q *Queue) queueDepth(leader *Writer) int {
	n := 1
	for cur := leader.newer.Load(); cur != nil; cur = cur.newer.Load() {
		n++
	}
	return n
}

// byteBudget implements §4.2's formula:
// max(1 MiB, min(1 MiB + last_group_bytes/8, 128 KiB * writers_in_queue)).
func byteBudget(lastGroupBytes int64, writersInQueue int) int64 {
	grown := int64(minByteBudget) + lastGroupBytes/recentBytesDivSor
	capped := int64(perWriterBudget) * int64(writersInQueue)
	inner := grown
	if capped < inner {
		inner = capped
	}
	if inner > minByteBudget {
		return inner
	}
	return minByteBudget
}

// LaunchParallelMemtableWriters promotes every follower in g to
// ParallelMemtableWriter and wakes it, initializing the shared completion
// counter to len(g.Writers). The leader applies its own batch
// concurrently with the followers and participates in the same counter
// (see CompleteParallelMemtableWriter) even though it keeps GroupLeader
// as its own State.
func (q *Queue) LaunchParallelMemtableWriters(g *Group) {
	g.remaining.Store(int32(len(g.Writers)))
	for _, w := range g.Writers {
		w.group.Store(g)
	}
	for _, w := range g.Followers() {
		w.wake(ParallelMemtableWriter)
	}
}

// CompleteParallelMemtableWriter records that the caller (leader or
// follower) has finished its share of the in-memory apply phase,
// returning true iff it is the last of the group's writers to finish —
// the caller that gets true is responsible for publishing the group's
// last sequence and calling ExitAsBatchGroupLeader.
func (q *Queue) CompleteParallelMemtableWriter(g *Group) bool {
	return g.remaining.Add(-1) == 0
}

// ExitAsBatchGroupLeader stamps st onto every writer in g that does not
// already carry its own status (preserving individually-set statuses,
// e.g. pre-commit callback failures), wakes any follower still parked,
// and advances the queue head past the group — promoting the next linked
// writer to GroupLeader if one exists. It is PromoteNext and FinishGroup
// combined, for the modes that do not need to separate the two.
func (q *Queue) ExitAsBatchGroupLeader(g *Group, st error) {
	q.PromoteNext(g)
	q.FinishGroup(g, st)
}

// PromoteNext advances the queue head past g, promoting the next linked
// writer to GroupLeader if one exists. Split out from FinishGroup so
// Pipelined mode can let the next group begin its own WAL phase before
// this group's memtable apply has finished.
func (q *Queue) PromoteNext(g *Group) {
	last := g.Writers[len(g.Writers)-1]

	q.mu.Lock()
	next := last.newer.Load()
	q.head = next
	q.mu.Unlock()

	if next != nil {
		next.wake(GroupLeader)
	}
}

// FinishGroup stamps st onto every writer in g that does not already
// carry its own status, and wakes any follower still parked plus marks
// the leader Completed. Does not touch the queue head; pair with
// PromoteNext for modes that can promote the next leader before this
// group's own apply phase has finished.
func (q *Queue) FinishGroup(g *Group, st error) {
	for _, w := range g.Writers {
		if w.Status() == nil {
			w.setStatus(st)
		}
	}
	for _, w := range g.Followers() {
		w.wake(Completed)
	}
	g.Leader().setState(Completed)
}

// EnterUnbatched gives w exclusive passage to the head of the queue
// without ever being folded into, or absorbing, another writer's group —
// used by the memtable switch (§4.7) to cut in ahead of batchable
// traffic. It blocks until w reaches GroupLeader.
func (q *Queue) EnterUnbatched(ctx context.Context, w *Writer) error {
	w.Unbatched = true
	return q.JoinBatchGroup(ctx, w)
}

// ExitUnbatched completes a writer admitted via EnterUnbatched and
// advances the queue head.
func (q *Queue) ExitUnbatched(w *Writer, st error) {
	q.ExitAsBatchGroupLeader(&Group{Writers: []*Writer{w}}, st)
}

// NextPipelineTicket hands out a monotonically increasing ticket used by
// pipelined mode to order memtable-writer leaders (§4.6 "Pipelined
// mode").
func (q *Queue) NextPipelineTicket() uint64 {
	return q.pipelineTicket.Add(1)
}

// MarkPipelineDone records that the memtable-writer leader holding ticket
// has exited, advancing the watermark WaitForMemtableWriters polls.
func (q *Queue) MarkPipelineDone(ticket uint64) {
	for {
		cur := q.pipelineDone.Load()
		if ticket <= cur {
			return
		}
		if q.pipelineDone.CompareAndSwap(cur, ticket) {
			return
		}
	}
}

// WaitForMemtableWriters blocks until every memtable-writer leader with a
// ticket earlier than ticket has exited (§4.2 "wait-for-memtable-writers").
func (q *Queue) WaitForMemtableWriters(ctx context.Context, ticket uint64) error {
	if ticket == 0 {
		return nil
	}
	for q.pipelineDone.Load() < ticket-1 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}
