// Package writecontroller is the external "write controller" collaborator
// named by §4.5 ("ask the write controller whether writes must be delayed
// or stopped") and §4.6 ("low-priority throttle"). The write path only
// needs three things from it: is the DB stopped, how long should this
// writer sleep before joining the queue, and is this a low-priority write
// allowed to proceed right now.
//
// Adapted in spirit from mrsladoje-HundDB's lsm/token_bucket package for the
// low-pri limiter's refill idiom (capacity, refill interval, refill
// amount); that implementation persists bucket state to disk through a
// BlockManager, which has no equivalent here — delayRate and the token
// bucket are purely in-memory counters, set through SetStopped and
// SetDelayRate by whoever owns the Controller.
package writecontroller

import (
	"sync"
	"sync/atomic"
	"time"
)

// Controller tracks write-stall state shared by every writer joining the
// queue. One Controller is owned by the coordinator and consulted by
// preprocess-write (§4.5) before a writer is allowed to join the batch
// group.
type Controller struct {
	stopped   atomic.Bool
	delayRate atomic.Int64 // bytes/sec target while delaying; 0 means no delay

	lowPri lowPriBucket
}

// New returns a Controller that is neither stopped nor delaying, with a
// low-priority token bucket of the given capacity that refills amount
// tokens every interval.
func New(lowPriCapacity int64, refillInterval time.Duration, refillAmount int64) *Controller {
	c := &Controller{}
	c.lowPri.capacity = lowPriCapacity
	c.lowPri.interval = refillInterval
	c.lowPri.amount = refillAmount
	c.lowPri.tokens = lowPriCapacity
	c.lowPri.lastRefill = time.Now()
	return c
}

// SetStopped marks the DB as accepting or refusing new writes. A stopped
// controller makes a no_slowdown writer fail fast with Incomplete("Write
// stall") instead of being offered a delay; any other writer instead parks
// on the preprocessor's background-error condvar until the DB resumes or a
// background error is latched (§4.5 step 6's delay-write).
func (c *Controller) SetStopped(v bool) {
	c.stopped.Store(v)
}

// Stopped reports whether the DB has stopped accepting writes.
func (c *Controller) Stopped() bool {
	return c.stopped.Load()
}

// SetDelayRate sets the target bytes/sec a writer's GetDelay should throttle
// to. A rate of 0 disables delaying.
func (c *Controller) SetDelayRate(bytesPerSec int64) {
	c.delayRate.Store(bytesPerSec)
}

// NeedsDelay reports whether the controller currently wants writers
// delayed before joining the queue (§4.5 step 6, "write stall / delay").
func (c *Controller) NeedsDelay() bool {
	return c.delayRate.Load() > 0
}

// GetDelay returns how long a writer contributing lastBatchBytes should
// sleep before proceeding, given the current delay rate. It returns 0 if
// delaying is currently disabled.
func (c *Controller) GetDelay(lastBatchBytes int64) time.Duration {
	rate := c.delayRate.Load()
	if rate <= 0 || lastBatchBytes <= 0 {
		return 0
	}
	return time.Duration(lastBatchBytes) * time.Second / time.Duration(rate)
}

// AllowLowPri reports whether a low-priority write may proceed right now,
// consuming one token if so. Writers opened with no_slowdown must treat a
// false result as an immediate Incomplete failure rather than blocking.
func (c *Controller) AllowLowPri() bool {
	return c.lowPri.allow()
}

// lowPriBucket is a minimal token bucket: capacity tokens, refilled by
// amount every interval, never exceeding capacity.
type lowPriBucket struct {
	mu         sync.Mutex
	capacity   int64
	interval   time.Duration
	amount     int64
	tokens     int64
	lastRefill time.Time
}

func (b *lowPriBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interval > 0 {
		elapsed := time.Since(b.lastRefill)
		if periods := int64(elapsed / b.interval); periods > 0 {
			b.tokens += periods * b.amount
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.lastRefill = b.lastRefill.Add(time.Duration(periods) * b.interval)
		}
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
