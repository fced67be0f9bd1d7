// Package preprocessor implements the preprocessor (C5): the sequence of
// checks run under the global mutex, on the leader only, before a batch
// group is written to the WAL (§4.5).
//
// Grounded directly on §4.5's seven numbered steps — no pack example
// implements this exact write-stall/flush-scheduling checklist — composed
// from the collaborators already built: internal/manifest for CF state,
// internal/wal for WAL size, internal/memtableswitch for the switch
// itself, internal/writecontroller for stall/stop signals, and
// internal/writeq for the stall barrier and last-group-bytes hint.
package preprocessor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"emberkv/internal/manifest"
	"emberkv/internal/memtableswitch"
	"emberkv/internal/status"
	"emberkv/internal/wal"
	"emberkv/internal/writecontroller"
	"emberkv/internal/writeq"
)

// Preprocessor runs the checks of §4.5 for one DB instance.
type Preprocessor struct {
	mu   *sync.Mutex
	cond *sync.Cond

	manifest   *manifest.Manifest
	appender   *wal.Appender
	switcher   *memtableswitch.Switcher
	controller *writecontroller.Controller
	queue      *writeq.Queue

	maxTotalWALSize  int64 // configured max_total_wal_size; 0 falls back to 4x writeBufferTotal
	writeBufferTotal int64 // configured db_write_buffer_size / write buffer manager limit; 0 disables the check
	atomicFlush      bool

	bgErr atomic.Pointer[status.Status]

	trimMu      sync.Mutex
	trimPending []int

	flushMu      sync.Mutex
	flushPending []int
}

// New returns a Preprocessor. mu is the DB's global mutex; the caller
// must hold it on every call to Preprocess.
func New(mu *sync.Mutex, m *manifest.Manifest, a *wal.Appender, sw *memtableswitch.Switcher, ctrl *writecontroller.Controller, q *writeq.Queue, maxTotalWALSize, writeBufferTotal int64, atomicFlush bool) *Preprocessor {
	return &Preprocessor{
		mu:               mu,
		cond:             sync.NewCond(mu),
		manifest:         m,
		appender:         a,
		switcher:         sw,
		controller:       ctrl,
		queue:            q,
		maxTotalWALSize:  maxTotalWALSize,
		writeBufferTotal: writeBufferTotal,
		atomicFlush:      atomicFlush,
	}
}

// SetBackgroundError latches a background error and wakes anyone parked
// on the background condvar waiting for a write-controller-stopped state
// to clear (§4.5's delay-write final step).
func (p *Preprocessor) SetBackgroundError(err error) {
	if err == nil {
		return
	}
	st, ok := err.(*status.Status)
	if !ok {
		st = status.New(status.IOError, "%v", err)
	}
	p.bgErr.Store(st)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// BackgroundError returns the latched background error, if any.
func (p *Preprocessor) BackgroundError() error {
	st := p.bgErr.Load()
	if st == nil {
		return nil
	}
	return st
}

// ScheduleTrim marks cf as having obsolete immutable-memtable tail to
// drop on the next preprocess pass.
func (p *Preprocessor) ScheduleTrim(cf int) {
	p.trimMu.Lock()
	defer p.trimMu.Unlock()
	p.trimPending = append(p.trimPending, cf)
}

// ScheduleFlush marks cf as due for a memtable switch on the next
// preprocess pass.
func (p *Preprocessor) ScheduleFlush(cf int) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	p.flushPending = append(p.flushPending, cf)
}

// Preprocess runs the §4.5 checklist for leader. The caller must hold mu
// on entry; Preprocess always returns with mu held, re-acquiring it
// itself around any memtable switch or delay.
func (p *Preprocessor) Preprocess(ctx context.Context, leader *writeq.Writer) error {
	// Step 1: DB stopped?
	if err := p.BackgroundError(); err != nil {
		return err
	}

	// Step 2: total WAL size over threshold?
	threshold := p.maxTotalWALSize
	if threshold <= 0 {
		threshold = 4 * p.writeBufferTotal
	}
	if threshold > 0 && p.appender.TotalSize() >= threshold {
		targets := allNonEmptyCFs(p.manifest)
		if len(targets) == 0 {
			targets = []int{0} // one Switch rotates the WAL even when no CF holds data
		}
		if err := p.switchAll(targets); err != nil {
			return err
		}
	}

	// Step 3: write-buffer manager says flush?
	if p.writeBufferTotal > 0 && p.totalMemtableBytes() >= p.writeBufferTotal {
		var targets []int
		if p.atomicFlush {
			targets = allNonEmptyCFs(p.manifest)
		} else if cf, ok := smallestCreationSeqCF(p.manifest); ok {
			targets = []int{cf}
		}
		if err := p.switchAll(targets); err != nil {
			return err
		}
	}

	// Step 4: trim-history scheduler non-empty?
	for _, cf := range p.drainTrim() {
		p.trimImmutableTail(cf)
	}

	// Step 5: flush scheduler non-empty?
	if targets := p.drainFlush(); len(targets) > 0 {
		if p.atomicFlush {
			targets = allNonEmptyCFs(p.manifest)
		}
		if err := p.switchAll(targets); err != nil {
			return err
		}
	}

	// Step 6: write controller stopped or needs delay?
	if p.controller.Stopped() || p.controller.NeedsDelay() {
		if err := p.delayWrite(ctx, leader); err != nil {
			return err
		}
	}

	// Step 7: need log sync?
	if leader.Sync {
		p.appender.MarkAllGettingSynced()
	}

	return nil
}

// switchAll runs the memtable switch for each cf in order, re-acquiring
// mu after each one (Switcher.Switch returns with it unlocked whenever it
// switches). A cf is skipped while the active WAL is still empty: Switch
// would then do nothing and return with mu held.
func (p *Preprocessor) switchAll(cfs []int) error {
	for _, cf := range cfs {
		if active := p.appender.ActiveLog(); active != nil && active.Size() == 0 {
			continue
		}
		if err := p.switcher.Switch(p.mu, cf); err != nil {
			p.mu.Lock()
			return err
		}
		p.mu.Lock()
	}
	return nil
}

// delayWrite implements §4.5's delay-write and DB-stopped-wait contract.
func (p *Preprocessor) delayWrite(ctx context.Context, leader *writeq.Writer) error {
	delay := p.controller.GetDelay(p.queue.LastGroupBytes())
	if leader.NoSlowdown && (delay > 0 || p.controller.Stopped()) {
		return status.New(status.Incomplete, "write stall")
	}

	if delay > 0 {
		p.queue.BeginWriteStall()
		deadline := time.Now().Add(delay)
		p.mu.Unlock()
		for p.controller.NeedsDelay() && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.queue.EndWriteStall()
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		p.mu.Lock()
		p.queue.EndWriteStall()
	}

	for p.controller.Stopped() {
		if err := p.BackgroundError(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	return nil
}

func (p *Preprocessor) totalMemtableBytes() int64 {
	var total int64
	for i := 0; i < p.manifest.NumColumnFamilies(); i++ {
		total += p.manifest.SuperVersion(i).Active.ApproxMemoryUsage()
	}
	return total
}

func (p *Preprocessor) trimImmutableTail(cf int) {
	sv := p.manifest.SuperVersion(cf)
	if len(sv.Immutables) == 0 {
		return
	}
	p.manifest.InstallSuperVersion(cf, &manifest.SuperVersion{
		Active:     sv.Active,
		Immutables: sv.Immutables[1:],
		LogNumber:  sv.LogNumber,
		VersionSeq: sv.VersionSeq,
	})
}

func (p *Preprocessor) drainTrim() []int {
	p.trimMu.Lock()
	defer p.trimMu.Unlock()
	out := p.trimPending
	p.trimPending = nil
	return out
}

func (p *Preprocessor) drainFlush() []int {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	out := p.flushPending
	p.flushPending = nil
	return out
}

func allNonEmptyCFs(m *manifest.Manifest) []int {
	var out []int
	for i := 0; i < m.NumColumnFamilies(); i++ {
		if m.SuperVersion(i).Active.Len() > 0 {
			out = append(out, i)
		}
	}
	return out
}

func smallestCreationSeqCF(m *manifest.Manifest) (int, bool) {
	best := -1
	var bestSeq uint64
	for i := 0; i < m.NumColumnFamilies(); i++ {
		sv := m.SuperVersion(i)
		if sv.Active.Len() == 0 {
			continue
		}
		seq := sv.Active.CreationSeq()
		if best == -1 || seq < bestSeq {
			best = i
			bestSeq = seq
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}
