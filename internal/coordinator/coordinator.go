// Package coordinator implements the write coordinator (C6): the public
// put/delete/merge/write surface, option validation, and the four
// mode-specific orchestrations (§4.6) that drive C1-C5 and C7 together.
//
// Grounded on lxing-amethyst/internal/db.DB as the one long-lived object
// that owns a memtable, a WAL, and a mutex and exposes Put/Delete/Get to
// callers; its groupCommitLoop (batched_write.go) is the channel-based
// ancestor of this package's leader/follower split, generalized here onto
// internal/writeq's forward-linked admission queue per §4.2/§4.6.
package coordinator

import (
	"sync"

	"emberkv/internal/common"
	"emberkv/internal/limiter"
	"emberkv/internal/manifest"
	"emberkv/internal/memtable"
	"emberkv/internal/memtableswitch"
	"emberkv/internal/preprocessor"
	"emberkv/internal/seqno"
	"emberkv/internal/status"
	"emberkv/internal/wal"
	"emberkv/internal/writecontroller"
	"emberkv/internal/writeq"
)

// Mode selects which of §4.6's four write strategies a Coordinator runs.
// Chosen once at Open; each write dispatches on it with a switch rather
// than through an interface (§9's "avoid per-write virtual dispatch").
type Mode uint8

const (
	// Default: preprocess + WAL append + apply all run on the group
	// leader's goroutine (with parallel memtable apply as an option).
	Default Mode = iota
	// Pipelined: WAL leadership and memtable-writer leadership are
	// separate roles, letting a new group start its WAL phase while the
	// previous one is still applying to memory.
	Pipelined
	// Unordered: WAL leader publishes last-allocated as last-published
	// before memtable apply, trading read-after-write ordering for
	// throughput.
	Unordered
	// WalOnly labels a write routed through the secondary WAL-only queue
	// by WriteOptions.WALOnly; it is never the Coordinator's own mode —
	// DBOptions.mode() never returns it, since WAL-only is a per-write
	// choice layered on top of whichever of the other three is active,
	// not a whole-database alternative to them (§4.6).
	WalOnly
)

func (m Mode) String() string {
	switch m {
	case Default:
		return "Default"
	case Pipelined:
		return "Pipelined"
	case Unordered:
		return "Unordered"
	case WalOnly:
		return "WalOnly"
	default:
		return "Unknown"
	}
}

var log = common.WithComponent("coordinator")

// Coordinator is the write path's public entry point: one per open
// database, wiring together the sequence allocator, WAL appender,
// manifest, writer queue(s), preprocessor, memtable switch, write
// controller, and background-error handler.
type Coordinator struct {
	mu sync.Mutex // the "global DB mutex" of §5

	opts DBOptions
	mode Mode

	seq        *seqno.Allocator
	manifest   *manifest.Manifest
	appender   *wal.Appender
	switcher   *memtableswitch.Switcher
	controller *writecontroller.Controller
	pre        *preprocessor.Preprocessor
	limiter    *limiter.Limiter
	bgErrors   *BackgroundErrorHandler

	queue   *writeq.Queue // main writer queue
	walOnly *writeq.Queue // secondary queue, only used in two-queue / WalOnly mode

	mergeOpsMu sync.RWMutex
	mergeOps   map[uint32]memtable.MergeOperator

	// pendingMu/pendingCond/pendingWrites implement Unordered mode's
	// global pending-memtable-writes counter (§4.6): incremented when a
	// WAL leader hands a group's members off to apply independently,
	// decremented as each finishes, broadcast at zero so a leader about
	// to run the preprocessor's memtable switch can wait for the
	// previous group's applies to drain first.
	pendingMu     sync.Mutex
	pendingCond   *sync.Cond
	pendingWrites int64
}

// Open constructs a Coordinator rooted at dir with the given options,
// creating the first WAL file and an empty active memtable for every
// column family.
func Open(dir string, opts DBOptions) (*Coordinator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()

	m := manifest.NewManifest(7, opts.NumColumnFamilies)
	walMode := wal.Exclusive
	if opts.TwoWriteQueues {
		walMode = wal.Concurrent
	}
	appender := wal.NewAppender(dir, walMode, opts.ManualWALFlush)

	first := m.AllocateWALNumber(opts.RecycleLogFileNum)
	lf, err := wal.CreateLogFile(dir, first)
	if err != nil {
		return nil, status.New(status.IOError, "coordinator: create initial wal: %v", err)
	}
	appender.AddLog(lf)
	m.SetCurrentWAL(first)

	c := &Coordinator{
		opts:     opts,
		mode:     opts.mode(),
		seq:      seqno.New(),
		manifest: m,
		appender: appender,
		controller: writecontroller.New(
			opts.LowPriBucketCapacity, opts.LowPriRefillInterval, opts.LowPriRefillAmount,
		),
		limiter:  limiter.New(),
		bgErrors: NewBackgroundErrorHandler(),
		queue:    writeq.NewQueue(),
		mergeOps: make(map[uint32]memtable.MergeOperator),
	}
	if opts.MaxBackgroundFlushes > 0 {
		c.limiter.SetMax(int64(opts.MaxBackgroundFlushes))
	}

	c.switcher = memtableswitch.New(dir, m, appender, opts.DBWriteBufferSize, opts.RecycleLogFileNum)
	c.switcher.OnSealed(c.onMemtableSealed)
	c.pre = preprocessor.New(&c.mu, m, appender, c.switcher, c.controller, c.queue,
		opts.MaxTotalWALSize, opts.DBWriteBufferSize, opts.AtomicFlush)

	if opts.TwoWriteQueues {
		c.walOnly = writeq.NewQueue()
	}
	c.pendingCond = sync.NewCond(&c.pendingMu)

	return c, nil
}

// onMemtableSealed is the memtable switch's C7-step-7 listener: it
// schedules the newly immutable memtable for flush, gated by the
// concurrent task limiter (C1) so flush scheduling never runs more than
// MaxBackgroundFlushes hooks at once. Flush itself (writing an SSTable) is
// out of scope (§1); this only exercises the permission-to-run contract.
func (c *Coordinator) onMemtableSealed(sealed memtable.Memtable) {
	token, ok := c.limiter.GetToken(false)
	if !ok {
		log.Warn("flush scheduling throttled", "creation_seq", sealed.CreationSeq())
		return
	}
	defer token.Destroy()
	log.Info("memtable sealed, flush scheduled", "entries", sealed.Len(), "creation_seq", sealed.CreationSeq())
}

// SetMergeOperator registers the merge operator for column family cf.
// merge() on a CF with no registered operator returns NotSupported (§6).
func (c *Coordinator) SetMergeOperator(cf uint32, op memtable.MergeOperator) {
	c.mergeOpsMu.Lock()
	defer c.mergeOpsMu.Unlock()
	c.mergeOps[cf] = op
}

func (c *Coordinator) mergeOperator(cf uint32) memtable.MergeOperator {
	c.mergeOpsMu.RLock()
	defer c.mergeOpsMu.RUnlock()
	return c.mergeOps[cf]
}

// SetBackgroundError latches a background error for tests and recovery
// drivers that need to simulate a stuck background subsystem.
func (c *Coordinator) SetBackgroundError(err error) {
	c.bgErrors.Record(ReasonOther, err)
	c.pre.SetBackgroundError(err)
}

// Mode returns the write strategy this Coordinator was opened with.
func (c *Coordinator) Mode() Mode {
	return c.mode
}

// Manifest exposes the underlying manifest for read paths and tests.
func (c *Coordinator) Manifest() *manifest.Manifest {
	return c.manifest
}

// Appender exposes the underlying WAL appender for read paths and tests.
func (c *Coordinator) Appender() *wal.Appender {
	return c.appender
}

// WriteController exposes the underlying write controller so tests (and a
// future admin surface) can drive stall/stop scenarios directly, the same
// way Manifest and Appender are exposed.
func (c *Coordinator) WriteController() *writecontroller.Controller {
	return c.controller
}

// LastAllocatedSeq exposes the sequence allocator's high-water mark, for
// tests asserting that a rejected write consumed no sequence number.
func (c *Coordinator) LastAllocatedSeq() uint64 {
	return c.seq.LastAllocated()
}

// Get looks up key in cf's active memtable, falling back to its immutable
// list newest-first — the minimal read path exercised by the end-to-end
// scenarios of §8. Full read-path merging with on-disk tables is out of
// scope (§1).
func (c *Coordinator) Get(cf uint32, key []byte) (memtable.Entry, bool) {
	sv := c.manifest.SuperVersion(int(cf))
	if e, ok := sv.Active.Get(key); ok {
		return e, true
	}
	for i := len(sv.Immutables) - 1; i >= 0; i-- {
		if e, ok := sv.Immutables[i].Get(key); ok {
			return e, true
		}
	}
	return memtable.Entry{}, false
}
