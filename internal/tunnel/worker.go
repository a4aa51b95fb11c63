// Package tunnel implements the worker-affine tunnel framework contract
// from spec.md §4.1: per-line state slots, a per-worker event loop, and
// cross-worker message posting. A "worker" here is a goroutine paired
// with a buffered channel of closures — the Go analogue of the original's
// OS thread plus wloop_t event loop. Payload handlers are expected to run
// to completion without yielding, matching "suspension points are event
// dispatches" (spec.md §5).
package tunnel

import (
	"runtime"
	"sync/atomic"
)

// WID identifies a worker, matching the original's small-integer wid_t.
type WID int

// Worker owns one event loop. Lines are pinned to exactly one worker;
// operations on a line must only run on its own worker's goroutine.
type Worker struct {
	id     WID
	events chan func()
	done   chan struct{}
}

func newWorker(id WID, queueDepth int) *Worker {
	return &Worker{
		id:     id,
		events: make(chan func(), queueDepth),
		done:   make(chan struct{}),
	}
}

// ID returns this worker's id.
func (w *Worker) ID() WID { return w.id }

// Post enqueues fn to run on this worker's event loop. The send blocks if
// the queue is full, matching "ForceQueue" semantics: the framework never
// silently drops a cross-worker message.
func (w *Worker) Post(fn func()) {
	w.events <- fn
}

func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case fn, ok := <-w.events:
			if !ok {
				close(w.done)
				return
			}
			fn()
		}
	}
}

func (w *Worker) stop() {
	close(w.events)
	<-w.done
}

// Pool owns a fixed set of workers plus the monotonic counter used to
// pick a worker for newly arriving, not-yet-affine work (e.g. a freshly
// captured packet or a freshly accepted connection). This replaces the
// original's process-wide GSTATE counter with a counter scoped to the
// pool instance, which is the idiomatic Go shape for what was global
// mutable state guarded by the program's init phase (spec.md §9).
type Pool struct {
	workers []*Worker
	next    atomic.Uint64
}

// NewPool creates n workers, each with the given event queue depth, and
// starts their event loops.
func NewPool(n int, queueDepth int) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		p.workers[i] = newWorker(WID(i), queueDepth)
	}
	for _, w := range p.workers {
		go w.run()
	}
	return p
}

// Len returns the number of workers in the pool.
func (p *Pool) Len() int { return len(p.workers) }

// Worker returns the worker for a given wid.
func (p *Pool) Worker(wid WID) *Worker { return p.workers[wid] }

// NextDistributionWID round-robins across the pool's workers, the Go
// equivalent of getNextDistributionWID().
func (p *Pool) NextDistributionWID() WID {
	n := uint64(len(p.workers))
	idx := p.next.Add(1) - 1
	return WID(idx % n)
}

// SendWorkerMessageForceQueue posts fn to run on the target worker,
// guaranteed not to be dropped. Cross-worker closes and reroutes go
// through this (spec.md §6 "sendWorkerMessageForceQueue").
func (p *Pool) SendWorkerMessageForceQueue(wid WID, fn func()) {
	p.Worker(wid).Post(fn)
}

// Stop drains and joins every worker's event loop.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.stop()
	}
}
