package tunnel

import "github.com/netsupcloud/waterwall/internal/bufferpool"

// Tunnel is the four-callback-per-direction contract every pluggable
// processing stage implements (spec.md §4.1, §6 "Tunnel ABI").
//
// UpStream callbacks process bytes flowing from the client toward the
// final destination; DownStream callbacks process bytes flowing back.
// Finish is idempotent per line and cascades through the chain.
type Tunnel interface {
	// Name identifies the tunnel for logging purposes.
	Name() string

	// slot returns this tunnel's index into a Line's per-tunnel state
	// array, assigned once by Chain.Use.
	slot() int
	setSlot(i int)

	// Next/Prev are wired by Chain.Use; a tunnel at the end of the chain
	// has a nil Next, and one at the start has a nil Prev.
	setNext(t Tunnel)
	setPrev(t Tunnel)
	Next() Tunnel
	Prev() Tunnel

	UpStreamInit(l *Line)
	UpStreamPayload(l *Line, buf *bufferpool.Buffer)
	UpStreamFinish(l *Line)
	DownStreamPayload(l *Line, buf *bufferpool.Buffer)
	DownStreamFinish(l *Line)
}

// Base is embedded by every concrete tunnel implementation to supply the
// chain-wiring bookkeeping, the way every original tunnel shared the same
// tunnel_t header fields.
type Base struct {
	name      string
	slotIndex int
	next      Tunnel
	prev      Tunnel
}

// NewBase constructs the embeddable chain-wiring state for a tunnel.
func NewBase(name string) Base { return Base{name: name, slotIndex: -1} }

func (b *Base) Name() string      { return b.name }
func (b *Base) slot() int         { return b.slotIndex }
func (b *Base) setSlot(i int)     { b.slotIndex = i }
func (b *Base) setNext(t Tunnel)  { b.next = t }
func (b *Base) setPrev(t Tunnel)  { b.prev = t }
func (b *Base) Next() Tunnel      { return b.next }
func (b *Base) Prev() Tunnel      { return b.prev }

// Chain is the tunnel-chain container: an ordered list of tunnels sharing
// one worker pool and one line pool (spec.md §1 "the tunnel-chain
// container" is listed as an external collaborator; this is the minimal
// concrete implementation the cores are wired against).
type Chain struct {
	tunnels  []Tunnel
	workers  *Pool
	linePool *LinePool
}

// NewChain constructs an empty chain bound to a worker pool and buffer
// pool. The line pool's slot count grows as tunnels are added via Use.
func NewChain(workers *Pool, bp *bufferpool.Pool) *Chain {
	return &Chain{workers: workers, linePool: NewLinePool(bp, 0)}
}

// Use appends t to the chain, wiring Prev/Next against the existing tail
// and assigning it a fresh per-line state slot.
func (c *Chain) Use(t Tunnel) {
	slot := len(c.tunnels)
	t.setSlot(slot)
	if len(c.tunnels) > 0 {
		tail := c.tunnels[len(c.tunnels)-1]
		tail.setNext(t)
		t.setPrev(tail)
	}
	c.tunnels = append(c.tunnels, t)
	c.linePool = NewLinePool(c.linePool.bufferPool, slot+1)
}

// Tunnels returns the ordered list of tunnels in the chain.
func (c *Chain) Tunnels() []Tunnel { return c.tunnels }

// WorkerPool returns the worker pool backing this chain.
func (c *Chain) WorkerPool() *Pool { return c.workers }

// LinePool returns the line pool backing this chain, equivalent to
// tunnelchainGetLinePool(chain, wid) — wid is accepted for interface
// parity with the original but unused since LinePool.Create takes it.
func (c *Chain) LinePool(_ WID) *LinePool { return c.linePool }

// Slot exposes a tunnel's assigned state slot for state lookups
// (lineGetState(line, tunnel) equivalent: Line.State(t.Slot())).
func Slot(t Tunnel) int { return t.slot() }

// NextUpStreamInit forwards UpStreamInit to the next tunnel in the
// chain, a no-op if t is the last tunnel.
func NextUpStreamInit(t Tunnel, l *Line) {
	if n := t.Next(); n != nil {
		n.UpStreamInit(l)
	}
}

// NextUpStreamPayload forwards UpStreamPayload to the next tunnel.
func NextUpStreamPayload(t Tunnel, l *Line, buf *bufferpool.Buffer) {
	if n := t.Next(); n != nil {
		n.UpStreamPayload(l, buf)
	}
}

// NextUpStreamFinish forwards UpStreamFinish to the next tunnel.
func NextUpStreamFinish(t Tunnel, l *Line) {
	if n := t.Next(); n != nil {
		n.UpStreamFinish(l)
	}
}

// PrevDownStreamPayload forwards DownStreamPayload to the previous
// tunnel.
func PrevDownStreamPayload(t Tunnel, l *Line, buf *bufferpool.Buffer) {
	if p := t.Prev(); p != nil {
		p.DownStreamPayload(l, buf)
	}
}

// PrevDownStreamFinish forwards DownStreamFinish to the previous tunnel.
func PrevDownStreamFinish(t Tunnel, l *Line) {
	if p := t.Prev(); p != nil {
		p.DownStreamFinish(l)
	}
}

// PipeTo re-homes l onto a different worker. The caller (always a tunnel
// reacting to a cross-worker rendezvous match) is responsible for
// re-emitting the triggering payload to t on the target worker after
// calling PipeTo, so that t re-processes it there from scratch
// (spec.md §4.2 "Cross-worker pairing").
func PipeTo(_ Tunnel, l *Line, targetWID WID) {
	l.setWID(targetWID)
}
