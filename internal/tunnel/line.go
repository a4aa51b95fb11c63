package tunnel

import (
	"sync"
	"sync/atomic"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
)

// Line is a handle for a single transport-layer connection, pinned to one
// worker (spec.md §3 "Line (connection handle)"). It owns a state slot
// per registered tunnel, a buffer pool reference, a liveness flag and a
// lock count used for reference-counted teardown across workers.
type Line struct {
	wid   atomic.Int64
	pool  *bufferpool.Pool
	alive atomic.Bool

	lockCount atomic.Int32

	mu     sync.Mutex
	states []any

	// RecalculateChecksum is set by tunnels (e.g. IpManipulator) that
	// mutate a packet's protocol field and need a downstream checksum
	// fixup, matching line_t.recalculate_checksum in the original.
	RecalculateChecksum atomic.Bool
}

// NewLine creates a line pinned to wid with nSlots tunnel state slots.
func NewLine(wid WID, pool *bufferpool.Pool, nSlots int) *Line {
	l := &Line{pool: pool, states: make([]any, nSlots)}
	l.wid.Store(int64(wid))
	l.alive.Store(true)
	return l
}

// WID returns the worker this line is currently pinned to.
func (l *Line) WID() WID { return WID(l.wid.Load()) }

// setWID repins the line to a different worker, used by PipeTo.
func (l *Line) setWID(wid WID) { l.wid.Store(int64(wid)) }

// BufferPool returns the buffer pool this line's owning worker draws
// from.
func (l *Line) BufferPool() *bufferpool.Pool { return l.pool }

// Alive reports whether the line is still live.
func (l *Line) Alive() bool { return l.alive.Load() }

// Destroy marks the line as no longer live. It does not release the
// Line struct itself (Go is garbage collected); it exists so that
// lineIsAlive() checks after a reentrant callback observe the line was
// torn down mid-call, exactly as in the original (spec.md §4.2, "if
// main_line becomes non-alive during init").
func (l *Line) Destroy() { l.alive.Store(false) }

// State returns the per-tunnel state stored in slot.
func (l *Line) State(slot int) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[slot]
}

// SetState stores v as the per-tunnel state in slot.
func (l *Line) SetState(slot int, v any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[slot] = v
}

// Lock increments the line's lock count. A worker posting a cross-worker
// close must Lock the target line before posting and the receiving
// handler must Unlock it, preventing use-after-free across the post
// (spec.md §7, "Cross-worker close is always posted with a lock held").
func (l *Line) Lock() { l.lockCount.Add(1) }

// Unlock decrements the line's lock count.
func (l *Line) Unlock() { l.lockCount.Add(-1) }

// LockCount returns the current lock count, for tests and invariants.
func (l *Line) LockCount() int32 { return l.lockCount.Load() }

// LinePool creates lines bound to a given buffer pool and a fixed number
// of tunnel state slots — the Go equivalent of
// tunnelchainGetLinePool(chain, wid).
type LinePool struct {
	bufferPool *bufferpool.Pool
	nSlots     int
}

// NewLinePool constructs a LinePool.
func NewLinePool(bp *bufferpool.Pool, nSlots int) *LinePool {
	return &LinePool{bufferPool: bp, nSlots: nSlots}
}

// Create synthesizes a new line pinned to wid, used by the half-duplex
// core to create the spliced main line.
func (lp *LinePool) Create(wid WID) *Line {
	return NewLine(wid, lp.bufferPool, lp.nSlots)
}

// BufferPool returns the buffer pool this line pool draws from.
func (lp *LinePool) BufferPool() *bufferpool.Pool { return lp.bufferPool }
