package coordinator

import (
	"time"

	"emberkv/internal/status"
)

// WriteOptions controls one write() call (§6's exhaustive effect table).
type WriteOptions struct {
	Sync                        bool
	DisableWAL                  bool
	IgnoreMissingColumnFamilies bool
	LowPri                      bool
	NoSlowdown                  bool
	MemtableInsertHintPerBatch  bool
	Timestamp                   []byte

	// WALOnly routes this write through the secondary WAL-only queue,
	// writing the WAL and never applying to any memtable (§4.6
	// "WalOnly"). It is a per-write choice layered on top of whichever
	// primary Mode the Coordinator runs, for write-committed 2PC prepare
	// records and similar WAL-only markers; it requires
	// DBOptions.TwoWriteQueues.
	WALOnly bool
}

// DBOptions controls a Coordinator for its whole lifetime (§6's
// "Recognized DBOptions affecting the core").
type DBOptions struct {
	NumColumnFamilies int

	AllowConcurrentMemtableWrite bool
	EnablePipelinedWrite         bool
	UnorderedWrite               bool
	TwoWriteQueues               bool
	ManualWALFlush               bool
	ParanoidChecks               bool
	AtomicFlush                  bool
	SeqPerBatch                  bool

	MaxTotalWALSize    int64
	DBWriteBufferSize  int64
	RecycleLogFileNum  bool
	UseFsync           bool
	PersistStatsToDisk bool

	// LowPri* configure the write controller's low-priority token bucket
	// (internal/writecontroller); with zero capacity the bucket holds no
	// tokens, so every low-pri write that is not a commit or rollback
	// marker is throttled.
	LowPriBucketCapacity int64
	LowPriRefillInterval time.Duration
	LowPriRefillAmount   int64

	// MaxBackgroundFlushes caps how many memtable-sealed flush hooks may
	// run concurrently via the concurrent task limiter (C1); <= 0 leaves
	// it unbounded.
	MaxBackgroundFlushes int
}

func (o *DBOptions) setDefaults() {
	if o.NumColumnFamilies <= 0 {
		o.NumColumnFamilies = 1
	}
}

// validate checks the mode-combination incompatibilities §4.6 step 1
// names. sync/disable_wal is a WriteOptions-level check, done per-write in
// validateWriteOptions instead.
func (o *DBOptions) validate() error {
	if o.EnablePipelinedWrite && o.TwoWriteQueues {
		return status.New(status.NotSupported, "pipelined write is not compatible with two_write_queues")
	}
	if o.EnablePipelinedWrite && o.SeqPerBatch {
		return status.New(status.NotSupported, "pipelined write is not compatible with seq_per_batch")
	}
	if o.EnablePipelinedWrite && o.UnorderedWrite {
		return status.New(status.NotSupported, "pipelined write is not compatible with unordered_write")
	}
	return nil
}

// mode picks the main queue's primary strategy. TwoWriteQueues does not
// affect this choice — it only switches the WAL appender into Concurrent
// mode and stands up the secondary WAL-only queue; see WriteOptions.WALOnly
// for how a write actually reaches that queue.
func (o *DBOptions) mode() Mode {
	switch {
	case o.UnorderedWrite:
		return Unordered
	case o.EnablePipelinedWrite:
		return Pipelined
	default:
		return Default
	}
}

// validateWriteOptions checks the per-write incompatibilities of §4.6 step
// 1 and §7 ("Option validation errors return directly to the caller before
// any queue interaction").
func validateWriteOptions(wopts WriteOptions) error {
	if wopts.Sync && wopts.DisableWAL {
		return status.New(status.InvalidArgument, "sync is incompatible with disable_wal")
	}
	if wopts.WALOnly && wopts.DisableWAL {
		return status.New(status.InvalidArgument, "wal_only is incompatible with disable_wal")
	}
	return nil
}
