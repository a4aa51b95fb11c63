package capture

import (
	"sync"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
	"github.com/netsupcloud/waterwall/internal/tunnel"
)

// ChainSink adapts a tunnel.Chain into a capture ReadCallback and a
// Dispatcher, completing the flow spec.md §2 describes as "capture
// device → worker event → first tunnel in chain". Captured traffic has
// no per-connection handshake, so one synthetic Line per worker stands
// in for the worker's long-lived raw capture stream; it is created
// lazily on first use and never torn down while the device is up.
type ChainSink struct {
	chain *tunnel.Chain

	mu    sync.Mutex
	lines map[tunnel.WID]*tunnel.Line
}

// NewChainSink constructs a sink delivering captured packets into
// chain's first tunnel.
func NewChainSink(chain *tunnel.Chain) *ChainSink {
	return &ChainSink{chain: chain, lines: make(map[tunnel.WID]*tunnel.Line)}
}

// NextDistributionWID implements Dispatcher.
func (s *ChainSink) NextDistributionWID() int {
	return int(s.chain.WorkerPool().NextDistributionWID())
}

// Dispatch implements Dispatcher, posting fn on the target worker.
func (s *ChainSink) Dispatch(wid int, fn func()) {
	s.chain.WorkerPool().SendWorkerMessageForceQueue(tunnel.WID(wid), fn)
}

// lineFor returns (creating if needed) the synthetic capture line for
// wid. Must be called from wid's own worker goroutine, since
// UpStreamInit runs here on first creation.
func (s *ChainSink) lineFor(wid tunnel.WID, first tunnel.Tunnel) *tunnel.Line {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.lines[wid]; ok {
		return l
	}
	l := s.chain.LinePool(wid).Create(wid)
	first.UpStreamInit(l)
	s.lines[wid] = l
	return l
}

// OnRead is the ReadCallback handed to capture.New: it runs on worker
// wid (per Dispatch), resolves that worker's synthetic line, and
// forwards the packet as an upstream payload into the chain.
func (s *ChainSink) OnRead(dev *Device, wid int, buf *bufferpool.Buffer) {
	tunnels := s.chain.Tunnels()
	if len(tunnels) == 0 {
		dev.bufPool.Reuse(buf)
		return
	}
	first := tunnels[0]
	line := s.lineFor(tunnel.WID(wid), first)
	first.UpStreamPayload(line, buf)
}
