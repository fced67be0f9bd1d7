// Package limiter implements the concurrent task limiter (C1): a counting
// semaphore over long-running background tasks, with an optional force
// bypass. A Limiter carries no name. It isolates "permission to run N of X in parallel" from any
// specific scheduler, so unrelated background subsystems (flush, compaction,
// …) can all throttle against the same cap.
package limiter

import "sync/atomic"

// Limiter is a counting semaphore with an atomic, rarely-updated cap and an
// atomically maintained outstanding count. The cap uses relaxed ordering
// (single-writer, quasi-static per §9); the count uses a CAS retry loop on
// acquire and a sequentially consistent decrement on release, so outstanding
// never overshoots max even when GetToken races concurrently with SetMax.
type Limiter struct {
	max         atomic.Int64 // <0 means unbounded
	outstanding atomic.Int64
}

// New returns a Limiter with an unbounded cap.
func New() *Limiter {
	l := &Limiter{}
	l.max.Store(-1)
	return l
}

// SetMax sets the cap. n<0 means unbounded.
func (l *Limiter) SetMax(n int64) {
	l.max.Store(n)
}

// ResetMax is equivalent to SetMax(-1).
func (l *Limiter) ResetMax() {
	l.SetMax(-1)
}

// Max returns the current cap.
func (l *Limiter) Max() int64 {
	return l.max.Load()
}

// Outstanding returns the number of live tokens.
func (l *Limiter) Outstanding() int64 {
	return l.outstanding.Load()
}

// Token represents permission to run one unit of throttled work. It holds a
// non-owning back-reference to the Limiter it was issued from: the Limiter
// is always constructed before, and torn down after, every Token it issues,
// so the pointer never dangles. Destroy must be called exactly once.
type Token struct {
	l         *Limiter
	destroyed atomic.Bool
}

// GetToken attempts to acquire a token. It returns (token, true) if force is
// set, the cap is unbounded, or outstanding is currently below the cap;
// otherwise it returns (nil, false) — throttling is expressed purely as "no
// token returned", there is no error type for it.
//
// The increment is a CAS retry loop: Outstanding is read, checked against
// Max, and the increment is attempted with CompareAndSwap; on a lost race
// the loop rereads and retries. This gives sequentially consistent ordering
// on the count without holding any lock.
func (l *Limiter) GetToken(force bool) (*Token, bool) {
	for {
		cur := l.outstanding.Load()
		max := l.max.Load()
		if !force && max >= 0 && cur >= max {
			return nil, false
		}
		if l.outstanding.CompareAndSwap(cur, cur+1) {
			return &Token{l: l}, true
		}
	}
}

// Destroy releases the token, decrementing the limiter's outstanding count.
// Calling Destroy more than once is a no-op, matching the "destroy a token
// exactly once" contract without making misuse fatal.
func (t *Token) Destroy() {
	if t == nil {
		return
	}
	if t.destroyed.CompareAndSwap(false, true) {
		t.l.outstanding.Add(-1)
	}
}
