// Package halfduplex implements the Half-Duplex Pairing Core (spec.md
// §4.2): a server-side rendezvous that joins an upload-only and a
// download-only connection sharing a client-chosen 64-bit identifier and
// splices them into one logical bidirectional line for the rest of the
// chain.
package halfduplex

import (
	"sync"

	"go.uber.org/zap"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
	"github.com/netsupcloud/waterwall/internal/tunnel"
)

// kHLFDCmdDownload is the high bit of the first wire byte: set selects
// Download, clear selects Upload (spec.md §6).
const kHLFDCmdDownload byte = 0x80

// kHLFDCmdUpload masks the direction bit off, leaving the low 7 bits of
// the first hash byte intact.
const kHLFDCmdUpload byte = ^kHLFDCmdDownload

// MaxBuffering bounds the bytes an upload connection may buffer while it
// waits in the table for its download peer (spec.md §3 "kMaxBuffering").
// Overflow drops the buffered bytes but keeps the connection registered.
const MaxBuffering = 1 << 16

// connState is the per-line half-duplex state machine (spec.md §3).
type connState int

const (
	stateUnknown connState = iota
	stateUploadInTable
	stateDownloadInTable
	stateUploadDirect
	stateDownloadDirect
)

// lineState is the half-duplex state attached to one Line (spec.md §3
// "Half-duplex line state").
type lineState struct {
	state     connState
	hash      uint64
	buffering *bufferpool.Buffer

	uploadLine   *tunnel.Line
	downloadLine *tunnel.Line
	mainLine     *tunnel.Line
}

// Tunnel is the Half-Duplex Pairing tunnel. It holds the two rendezvous
// maps, each guarded by its own mutex, and never holds both locks at once
// (spec.md §5 "Shared resources").
type Tunnel struct {
	tunnel.Base

	chain *tunnel.Chain
	log   *zap.Logger

	uploadMu   sync.Mutex
	uploadMap  map[uint64]*lineState

	downloadMu  sync.Mutex
	downloadMap map[uint64]*lineState
}

// New constructs a Half-Duplex Pairing tunnel bound to chain.
func New(chain *tunnel.Chain, log *zap.Logger) *Tunnel {
	return &Tunnel{
		Base:        tunnel.NewBase("halfduplex"),
		chain:       chain,
		log:         log,
		uploadMap:   make(map[uint64]*lineState),
		downloadMap: make(map[uint64]*lineState),
	}
}

// state returns (creating if absent) the half-duplex state for l.
func (t *Tunnel) state(l *tunnel.Line) *lineState {
	slot := tunnel.Slot(t)
	v := l.State(slot)
	if v == nil {
		ls := &lineState{state: stateUnknown}
		l.SetState(slot, ls)
		return ls
	}
	return v.(*lineState)
}

// initState resets l's half-duplex state to a fresh Unknown record, used
// when synthesizing the main line (halfduplexserverLinestateInitialize).
func (t *Tunnel) initState(l *tunnel.Line) *lineState {
	ls := &lineState{state: stateUnknown}
	l.SetState(tunnel.Slot(t), ls)
	return ls
}

// destroyState clears l's half-duplex state (halfduplexserverLinestateDestroy).
func (t *Tunnel) destroyState(l *tunnel.Line) {
	l.SetState(tunnel.Slot(t), nil)
}

func (t *Tunnel) reuse(l *tunnel.Line, buf *bufferpool.Buffer) {
	l.BufferPool().Reuse(buf)
}
