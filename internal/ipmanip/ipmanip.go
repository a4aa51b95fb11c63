// Package ipmanip implements the IP Manipulator protocol-swap tunnel
// (spec.md §4.5): on ingress it disguises TCP as a configured alternate
// IP protocol number so a middlebox further upstream that only allows
// that protocol lets it through; on egress it rewrites the disguise
// back to IPPROTO_TCP and marks the line for checksum recomputation.
package ipmanip

import (
	"go.uber.org/zap"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
	"github.com/netsupcloud/waterwall/internal/tunnel"
	"github.com/netsupcloud/waterwall/internal/wwerr"
)

// ipProtoTCP is IPPROTO_TCP.
const ipProtoTCP = 6

// ipVersionOffset/ipProtoOffset are the byte offsets of the version
// nibble and protocol field in an IPv4 header (struct ip_hdr).
const (
	ipVersionOffset = 0
	ipProtoOffset   = 9
	ipMinHeaderLen  = 20
)

// Tunnel rewrites the IPv4 protocol field between TCP and a configured
// disguise value, this tunnel's equivalent of ipmanipulator_tstate_t.
type Tunnel struct {
	tunnel.Base

	log          *zap.Logger
	manipSwapTCP byte // 0 disables manipulation
}

// New constructs an IP Manipulator tunnel. swapTCP is the disguise
// protocol number TCP packets are rewritten to on the upstream path and
// recognized as on the downstream path; 0 disables the tunnel entirely.
func New(log *zap.Logger, swapTCP byte) *Tunnel {
	return &Tunnel{
		Base:         tunnel.NewBase("ip-manipulator"),
		log:          log,
		manipSwapTCP: swapTCP,
	}
}

func ipVersion(b []byte) int {
	return int(b[ipVersionOffset] >> 4)
}

// UpStreamInit forwards to the next tunnel; this core carries no
// per-line state.
func (t *Tunnel) UpStreamInit(l *tunnel.Line) {
	tunnel.NextUpStreamInit(t, l)
}

// UpStreamPayload rewrites an outgoing IPv4 TCP packet's protocol field
// to the configured disguise value, the inverse of DownStreamPayload,
// supplementing the original's documented-but-"not shown" symmetric
// upstream half (spec.md §4.5).
func (t *Tunnel) UpStreamPayload(l *tunnel.Line, buf *bufferpool.Buffer) {
	if t.manipSwapTCP != 0 {
		b := buf.Bytes()
		if len(b) >= ipMinHeaderLen && ipVersion(b) == 4 && b[ipProtoOffset] == ipProtoTCP {
			buf.SetByte(ipProtoOffset, t.manipSwapTCP)
			l.RecalculateChecksum.Store(true)
		}
	}
	tunnel.NextUpStreamPayload(t, l, buf)
}

// UpStreamFinish forwards to the next tunnel.
func (t *Tunnel) UpStreamFinish(l *tunnel.Line) {
	tunnel.NextUpStreamFinish(t, l)
}

// DownStreamPayload rewrites an incoming disguised packet's protocol
// field back to IPPROTO_TCP and marks the line for checksum
// recomputation, ported from ipmanipulatorDownStreamPayload.
func (t *Tunnel) DownStreamPayload(l *tunnel.Line, buf *bufferpool.Buffer) {
	if t.manipSwapTCP != 0 {
		b := buf.Bytes()
		if len(b) >= ipMinHeaderLen && ipVersion(b) == 4 && b[ipProtoOffset] == t.manipSwapTCP {
			buf.SetByte(ipProtoOffset, ipProtoTCP)
			l.RecalculateChecksum.Store(true)
		}
	}
	tunnel.PrevDownStreamPayload(t, l, buf)
}

// DownStreamFinish is intentionally fatal: this tunnel uses the
// packet-tunnel interface and is never supposed to receive a downstream
// finish event, ported verbatim from ipmanipulatorDownStreamFinish.
func (t *Tunnel) DownStreamFinish(_ *tunnel.Line) {
	wwerr.Fatal(t.log, "DownStreamFinish is not supposed to be called, used packet-tunnel interface instead (IpManipulator)")
}
