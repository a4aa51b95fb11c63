// Package wireguard implements the WireGuard Device Core (spec.md §4.3):
// a per-worker routing and encryption engine that accepts plaintext IP
// datagrams, selects a peer by longest-match-by-first-match across each
// peer's allowed-IP list, encrypts under the current transport keypair,
// and emits the framed ChaCha20-Poly1305 transport message.
package wireguard

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
	"github.com/netsupcloud/waterwall/internal/tunnel"
)

// Peer and allowed-IP table bounds, matching the lwIP WireGuard contrib's
// fixed-size device tables (ported, not dynamically sized, to keep the
// allowed-IP scan order — and its tie-break semantics — identical).
const (
	MaxPeers     = 10
	MaxSourceIPs = 4
)

// Rekey/reject thresholds from the WireGuard transport protocol
// (RFC-equivalent constants shared with the real WireGuard-go
// implementation's Rekey/RejectAfter* values).
const (
	RekeyAfterMessages  = uint64(1) << 60
	RejectAfterMessages = ^uint64(0) - (uint64(1) << 13)
	RekeyAfterTime      = 120 * time.Second
	RejectAfterTime     = 180 * time.Second
)

// transportHeaderLen is the fixed WireGuard transport data header: type
// (4 bytes), receiver index (4 bytes), counter (8 bytes).
const transportHeaderLen = 16

// authTagLen is the ChaCha20-Poly1305 authentication tag length.
const authTagLen = 16

// messageTransportData is the wire type tag for a WireGuard transport
// data message.
const messageTransportData uint32 = 4

// AllowedIP is one (network, mask) entry in a peer's allowed-IP list.
type AllowedIP struct {
	Valid bool
	Net   net.IPNet
}

// Keypair holds one side (current or previous) of a peer's transport
// keys (spec.md §3 "WireGuard keypair").
type Keypair struct {
	Valid          bool
	Initiator      bool
	RemoteIndex    uint32
	SendKey        [32]byte
	SendingCounter uint64
	LastRx         int64 // unix millis, 0 = never
	LastTx         int64
	InstalledAt    time.Time
}

// destroy invalidates the keypair in place, matching keypairDestroy: the
// counter and timestamps are left as-is since nothing reads them once
// Valid is false.
func (k *Keypair) destroy() {
	k.Valid = false
}

// Peer is one configured WireGuard peer (spec.md §3 "WireGuard peer").
type Peer struct {
	Valid           bool
	AllowedIPs      [MaxSourceIPs]AllowedIP
	CurrentKeypair  Keypair
	PreviousKeypair Keypair
	LastTx          int64 // unix millis
	SendHandshake   bool
}

// Fields above are only ever touched while the owning Device's mutex is
// held (spec.md §4.3 "Concurrency": the device locks for the full
// routing+encrypt sequence), so plain fields suffice — no per-field
// atomics needed on top of that coarser lock.

// PeerOutput is the transport-send collaborator a Device hands framed
// messages to; it mirrors wireguardifPeerOutput, which in the original
// writes to the interface's UDP/transport socket. Implementations take
// ownership of buf on success.
type PeerOutput interface {
	SendToPeer(peer *Peer, buf *bufferpool.Buffer) error
}

// Device is the WireGuard tunnel: a fixed peer table, a device-wide
// mutex guarding the routing+encrypt sequence, and the transport-send
// collaborator.
type Device struct {
	tunnel.Base

	log    *zap.Logger
	output PeerOutput

	mu    sync.Mutex
	peers [MaxPeers]Peer
}

// New constructs a WireGuard device tunnel with an empty peer table.
func New(log *zap.Logger, output PeerOutput) *Device {
	return &Device{
		Base:   tunnel.NewBase("wireguard"),
		log:    log,
		output: output,
	}
}

// AddPeer installs peer configuration into the first free slot, or
// returns false if the table is full (MaxPeers reached).
func (d *Device) AddPeer(allowed []net.IPNet) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.peers {
		if d.peers[i].Valid {
			continue
		}
		p := &d.peers[i]
		*p = Peer{Valid: true}
		n := len(allowed)
		if n > MaxSourceIPs {
			d.log.Warn("peer allowed-IP list truncated", zap.Int("configured", n), zap.Int("max", MaxSourceIPs))
			n = MaxSourceIPs
		}
		for j := 0; j < n; j++ {
			p.AllowedIPs[j] = AllowedIP{Valid: true, Net: allowed[j]}
		}
		return p, true
	}
	return nil, false
}
