package coordinator

import (
	"sync"
	"sync/atomic"

	"emberkv/internal/status"
)

// Reason tags why a background error was recorded, mirroring the
// propagation-policy table of §7 ("Memtable-apply errors are always
// promoted... with reason MemTable").
type Reason string

const (
	ReasonWAL      Reason = "WAL"
	ReasonMemTable Reason = "MemTable"
	ReasonFlush    Reason = "Flush"
	ReasonOther    Reason = "Other"
)

// BackgroundErrorHandler records the first background error per reason and
// latches IOFenced as a terminal condition once observed (§7: "IOFenced is
// terminal: no further writes succeed").
type BackgroundErrorHandler struct {
	mu      sync.Mutex
	byKind  map[Reason]*status.Status
	fenced  atomic.Bool
	fenceAt atomic.Pointer[status.Status]
}

// NewBackgroundErrorHandler returns an empty handler.
func NewBackgroundErrorHandler() *BackgroundErrorHandler {
	return &BackgroundErrorHandler{byKind: make(map[Reason]*status.Status)}
}

// Record latches err under reason. The first error recorded for a given
// reason sticks; later ones are logged but do not overwrite it, since the
// original cause is usually the more useful one for diagnosis.
func (h *BackgroundErrorHandler) Record(reason Reason, err error) {
	if err == nil {
		return
	}
	st, ok := err.(*status.Status)
	if !ok {
		st = status.New(status.IOError, "%v", err)
	}

	h.mu.Lock()
	if _, exists := h.byKind[reason]; !exists {
		h.byKind[reason] = st
	}
	h.mu.Unlock()

	if st.Kind == status.IOFenced {
		h.fenced.Store(true)
		h.fenceAt.Store(st)
	}
	log.Error("background error", "reason", string(reason), "kind", st.Kind.String(), "msg", st.Msg)
}

// Fenced reports whether an IOFenced error has ever been recorded.
func (h *BackgroundErrorHandler) Fenced() bool {
	return h.fenced.Load()
}

// First returns the first error recorded for reason, if any.
func (h *BackgroundErrorHandler) First(reason Reason) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.byKind[reason]
	if !ok {
		return nil
	}
	return st
}

// Err returns the fencing error once latched, else the first WAL error,
// else the first memtable error, else nil. The write path itself checks
// Fenced rather than Err.
func (h *BackgroundErrorHandler) Err() error {
	if st := h.fenceAt.Load(); st != nil {
		return st
	}
	if err := h.First(ReasonWAL); err != nil {
		return err
	}
	return h.First(ReasonMemTable)
}
