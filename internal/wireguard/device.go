package wireguard

import (
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
	"github.com/netsupcloud/waterwall/internal/tunnel"
)

// ipVersion reads the top nibble of the first byte, the version field
// shared by both IPv4 and IPv6 headers.
func ipVersion(b []byte) int {
	return int(b[0] >> 4)
}

// routeDestination parses just enough of an IP header to recover the
// destination address (spec.md §4.3 "Routing entry"): an ipv4.Header for
// v4, a raw slice for v6 (golang.org/x/net/ipv6 exposes no header parser,
// only HeaderLen, since the fixed IPv6 header has no options to walk).
func routeDestination(data []byte) (net.IP, bool) {
	if len(data) < 1 {
		return nil, false
	}
	switch ipVersion(data) {
	case 4:
		if len(data) < ipv4.HeaderLen {
			return nil, false
		}
		hdr, err := ipv4.ParseHeader(data)
		if err != nil {
			return nil, false
		}
		return hdr.Dst, true
	case 6:
		if len(data) < ipv6.HeaderLen {
			return nil, false
		}
		dst := make(net.IP, net.IPv6len)
		copy(dst, data[24:40])
		return dst, true
	default:
		return nil, false
	}
}

// UpStreamPayload is the routing entry point: it parses the packet's
// destination address, matches it against the peer table's allowed-IP
// lists, and hands the packet to the matched peer's encrypt path
// (spec.md §4.3 "Routing entry").
func (d *Device) UpStreamPayload(l *tunnel.Line, buf *bufferpool.Buffer) {
	dest, ok := routeDestination(buf.Bytes())
	if !ok {
		l.BufferPool().Reuse(buf)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	peer := peerLookupByAllowedIP(&d.peers, dest)
	if peer == nil {
		d.log.Debug("wireguard device cannot route a packet", zap.String("dest", dest.String()))
		l.BufferPool().Reuse(buf)
		return
	}

	if err := d.encryptAndFrame(peer, buf, time.Now()); err != nil {
		d.log.Debug("wireguard discarding packet", zap.Error(err))
		l.BufferPool().Reuse(buf)
	}
}

// UpStreamInit passes through; the device has no per-line state to set up.
func (d *Device) UpStreamInit(l *tunnel.Line) {
	tunnel.NextUpStreamInit(d, l)
}

// UpStreamFinish passes through.
func (d *Device) UpStreamFinish(l *tunnel.Line) {
	tunnel.NextUpStreamFinish(d, l)
}

// DownStreamPayload passes through; decapsulated/decrypted inbound
// WireGuard traffic arrives through a capture or listener tunnel ahead
// of this one in the chain, not through this device itself (spec.md §1,
// "Out of scope": decrypt/handshake are not modeled by this core).
func (d *Device) DownStreamPayload(l *tunnel.Line, buf *bufferpool.Buffer) {
	tunnel.PrevDownStreamPayload(d, l, buf)
}

// DownStreamFinish passes through.
func (d *Device) DownStreamFinish(l *tunnel.Line) {
	tunnel.PrevDownStreamFinish(d, l)
}
