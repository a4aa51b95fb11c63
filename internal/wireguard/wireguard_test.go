package wireguard

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
)

type capturingOutput struct {
	sent []*bufferpool.Buffer
}

func (c *capturingOutput) SendToPeer(peer *Peer, buf *bufferpool.Buffer) error {
	c.sent = append(c.sent, buf)
	return nil
}

func newTestPeer(key [32]byte, installedAt time.Time) (*Device, *Peer, *capturingOutput) {
	out := &capturingOutput{}
	d := New(zap.NewNop(), out)
	_, cidr, _ := net.ParseCIDR("10.0.0.0/24")
	peer, _ := d.AddPeer([]net.IPNet{*cidr})
	peer.CurrentKeypair = Keypair{
		Valid:       true,
		Initiator:   true,
		RemoteIndex: 7,
		SendKey:     key,
		InstalledAt: installedAt,
	}
	return d, peer, out
}

func testKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func decryptFrame(t *testing.T, key [32]byte, frame []byte) (counter uint64, plaintext []byte) {
	t.Helper()
	if len(frame) < transportHeaderLen+authTagLen {
		t.Fatalf("frame too short: %d", len(frame))
	}
	msgType := binary.LittleEndian.Uint32(frame[0:4])
	if msgType != messageTransportData {
		t.Fatalf("unexpected message type %d", msgType)
	}
	counter = binary.LittleEndian.Uint64(frame[8:16])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		t.Fatalf("new aead: %v", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	out, err := aead.Open(nil, nonce[:], frame[transportHeaderLen:], nil)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	return counter, out
}

func TestEncryptAndFrameRoundTrip(t *testing.T) {
	key := testKey(0x11)
	d, peer, out := newTestPeer(key, time.Now())

	payload := []byte("hello wireguard")

	msg := bufferpool.NewPool().GetLarge()
	msg.Append(payload)

	if err := d.encryptAndFrame(peer, msg, time.Now()); err != nil {
		t.Fatalf("encryptAndFrame: %v", err)
	}
	if len(out.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(out.sent))
	}

	counter, plain := decryptFrame(t, key, out.sent[0].Bytes())
	if counter != 0 {
		t.Fatalf("expected first counter 0, got %d", counter)
	}
	padded := roundUp16(len(payload))
	if len(plain) != padded {
		t.Fatalf("expected padded plaintext length %d, got %d", padded, len(plain))
	}
	if string(plain[:len(payload)]) != string(payload) {
		t.Fatalf("roundtrip payload mismatch: got %q", plain[:len(payload)])
	}
	for _, b := range plain[len(payload):] {
		if b != 0 {
			t.Fatalf("expected zero padding, found %v", plain[len(payload):])
		}
	}
}

func TestCounterMonotonicity(t *testing.T) {
	key := testKey(0x22)
	d, peer, out := newTestPeer(key, time.Now())

	for i := 0; i < 5; i++ {
		msg := bufferpool.NewPool().GetLarge()
		msg.Append([]byte("x"))
		if err := d.encryptAndFrame(peer, msg, time.Now()); err != nil {
			t.Fatalf("encryptAndFrame #%d: %v", i, err)
		}
	}
	if len(out.sent) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(out.sent))
	}
	var last uint64 = ^uint64(0)
	for i, frame := range out.sent {
		counter, _ := decryptFrame(t, key, frame.Bytes())
		if i > 0 && counter != last+1 {
			t.Fatalf("counter not strictly increasing: got %d after %d", counter, last)
		}
		last = counter
	}
}

func TestRejectAfterMessagesFailsWithoutAdvancingCounter(t *testing.T) {
	key := testKey(0x33)
	d, peer, out := newTestPeer(key, time.Now())
	peer.CurrentKeypair.SendingCounter = RejectAfterMessages

	msg := bufferpool.NewPool().GetLarge()
	msg.Append([]byte("data"))

	err := d.encryptAndFrame(peer, msg, time.Now())
	if err == nil {
		t.Fatal("expected error for counter at reject threshold")
	}
	if len(out.sent) != 0 {
		t.Fatal("expected no frame sent past reject threshold")
	}
	if peer.CurrentKeypair.SendingCounter != RejectAfterMessages {
		t.Fatalf("counter must not advance on rejected send, got %d", peer.CurrentKeypair.SendingCounter)
	}
}

func TestRejectAfterTimeDestroysKeypair(t *testing.T) {
	key := testKey(0x44)
	installedAt := time.Now().Add(-RejectAfterTime)
	d, peer, out := newTestPeer(key, installedAt)

	msg := bufferpool.NewPool().GetLarge()
	msg.Append([]byte("data"))

	err := d.encryptAndFrame(peer, msg, time.Now())
	if err == nil {
		t.Fatal("expected error for expired keypair")
	}
	if len(out.sent) != 0 {
		t.Fatal("expected no frame sent for expired keypair")
	}
	if peer.CurrentKeypair.Valid {
		t.Fatal("expected expired keypair to be destroyed")
	}
}

func TestRekeyTriggersOnMessageThreshold(t *testing.T) {
	key := testKey(0x55)
	d, peer, _ := newTestPeer(key, time.Now())
	peer.CurrentKeypair.SendingCounter = RekeyAfterMessages - 1

	msg := bufferpool.NewPool().GetLarge()
	msg.Append([]byte("data"))

	if err := d.encryptAndFrame(peer, msg, time.Now()); err != nil {
		t.Fatalf("encryptAndFrame: %v", err)
	}
	if !peer.SendHandshake {
		t.Fatal("expected send_handshake set after crossing REKEY_AFTER_MESSAGES")
	}
}

func TestRekeyTriggersOnInitiatorTimeThreshold(t *testing.T) {
	key := testKey(0x66)
	installedAt := time.Now().Add(-RekeyAfterTime - time.Second)
	d, peer, _ := newTestPeer(key, installedAt)
	peer.CurrentKeypair.Initiator = true

	msg := bufferpool.NewPool().GetLarge()
	msg.Append([]byte("data"))

	if err := d.encryptAndFrame(peer, msg, time.Now()); err != nil {
		t.Fatalf("encryptAndFrame: %v", err)
	}
	if !peer.SendHandshake {
		t.Fatal("expected send_handshake set after REKEY_AFTER_TIME as initiator")
	}
}

func TestKeepAliveFraming(t *testing.T) {
	key := testKey(0x77)
	d, peer, out := newTestPeer(key, time.Now())

	msg := bufferpool.NewPool().GetLarge()

	if err := d.encryptAndFrame(peer, msg, time.Now()); err != nil {
		t.Fatalf("encryptAndFrame: %v", err)
	}
	if len(out.sent) != 1 {
		t.Fatalf("expected 1 keep-alive frame, got %d", len(out.sent))
	}
	frame := out.sent[0].Bytes()
	if len(frame) != transportHeaderLen+authTagLen {
		t.Fatalf("expected 32-byte keep-alive frame, got %d", len(frame))
	}
	counter, plain := decryptFrame(t, key, frame)
	if counter != 0 {
		t.Fatalf("expected counter 0, got %d", counter)
	}
	if len(plain) != 0 {
		t.Fatalf("expected empty keep-alive plaintext, got %d bytes", len(plain))
	}
}

func TestAllowedIPLookupOrderAndFamily(t *testing.T) {
	out := &capturingOutput{}
	d := New(zap.NewNop(), out)

	_, v4a, _ := net.ParseCIDR("10.0.0.0/24")
	_, v4b, _ := net.ParseCIDR("10.0.1.0/24")
	peerA, _ := d.AddPeer([]net.IPNet{*v4a})
	peerB, _ := d.AddPeer([]net.IPNet{*v4b})
	_ = peerA
	_ = peerB

	match := peerLookupByAllowedIP(&d.peers, net.ParseIP("10.0.1.5"))
	if match != peerB {
		t.Fatal("expected match on second peer's allowed-IP entry")
	}

	none := peerLookupByAllowedIP(&d.peers, net.ParseIP("192.168.1.1"))
	if none != nil {
		t.Fatal("expected no match for out-of-range destination")
	}

	// Order: a broader entry on a later peer does not win over an earlier
	// peer's match.
	_, wide, _ := net.ParseCIDR("10.0.0.0/16")
	if _, ok := d.AddPeer([]net.IPNet{*wide}); !ok {
		t.Fatal("expected third peer to be added")
	}
	if match := peerLookupByAllowedIP(&d.peers, net.ParseIP("10.0.1.5")); match != peerB {
		t.Fatal("expected the earlier peer to win a tie between overlapping entries")
	}

	// Family: an IPv6 entry never matches an IPv4 destination.
	_, v6all, _ := net.ParseCIDR("::/0")
	if _, ok := d.AddPeer([]net.IPNet{*v6all}); !ok {
		t.Fatal("expected IPv6 peer to be added")
	}
	if match := peerLookupByAllowedIP(&d.peers, net.ParseIP("192.168.1.1")); match != nil {
		t.Fatal("expected an IPv6 entry not to match an IPv4 destination")
	}
}
