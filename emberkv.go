// Package emberkv is the ergonomic import path for the write-path engine:
// it re-exports internal/coordinator's public surface so callers never
// need to reach into internal/ themselves, mirroring how
// lxing-amethyst/cmd/cli treats internal/db.DB as the one object its
// callers construct and drive.
package emberkv

import (
	"emberkv/internal/batch"
	"emberkv/internal/coordinator"
	"emberkv/internal/memtable"
)

// Type aliases keep the re-export zero-cost: a *DB is a *coordinator.Coordinator,
// so passing one across this boundary never copies or wraps anything, and
// every Coordinator method (Put, Delete, Merge, Write, WriteWithCallback,
// Get, Mode, Manifest, Appender, SetMergeOperator, SetBackgroundError) is
// already a method on *DB.
type (
	DB            = coordinator.Coordinator
	DBOptions     = coordinator.DBOptions
	WriteOptions  = coordinator.WriteOptions
	Mode          = coordinator.Mode
	Batch         = batch.Batch
	Entry         = memtable.Entry
	MergeOperator = memtable.MergeOperator
)

// Write mode constants, re-exported for callers configuring DBOptions
// without importing internal/coordinator directly.
const (
	Default     = coordinator.Default
	Pipelined   = coordinator.Pipelined
	Unordered   = coordinator.Unordered
	WalOnlyMode = coordinator.WalOnly
)

// Open constructs a DB rooted at dir with the given options (§6).
func Open(dir string, opts DBOptions) (*DB, error) {
	return coordinator.Open(dir, opts)
}

// NewBatch returns an empty write batch, the unit WriteWithCallback takes.
func NewBatch() *Batch {
	return batch.New()
}
