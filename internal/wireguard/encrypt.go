package wireguard

import (
	"encoding/binary"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
	"github.com/netsupcloud/waterwall/internal/wwerr"
)

func roundUp16(n int) int {
	return (n + 15) &^ 15
}

// encryptAndFrame implements spec.md §4.3 "Encrypt and frame" in place on
// buf, which on entry holds the plaintext IP payload (or is empty for a
// keep-alive). On success buf holds the complete transport message and
// ownership passes to output.SendToPeer.
func (d *Device) encryptAndFrame(peer *Peer, buf *bufferpool.Buffer, now time.Time) error {
	keypair := eligibleKeypair(peer, now)
	if keypair == nil {
		return wwerr.ErrConn
	}

	unpadded := buf.Len()
	padded := roundUp16(unpadded)

	buf.SetLength(padded + authTagLen)
	if padded > unpadded {
		clear(buf.Bytes()[unpadded:padded])
	}

	buf.ShiftLeft(transportHeaderLen)
	buf.WriteZeros(transportHeaderLen)

	counter := keypair.SendingCounter
	keypair.SendingCounter++

	header := buf.Bytes()[:transportHeaderLen]
	binary.LittleEndian.PutUint32(header[0:4], messageTransportData)
	binary.LittleEndian.PutUint32(header[4:8], keypair.RemoteIndex)
	binary.LittleEndian.PutUint64(header[8:16], counter)

	aead, err := chacha20poly1305.New(keypair.SendKey[:])
	if err != nil {
		return err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plain := buf.Bytes()[transportHeaderLen : transportHeaderLen+padded]
	aead.Seal(plain[:0], nonce[:], plain, nil)

	err = d.output.SendToPeer(peer, buf)
	if err == nil {
		nowMillis := now.UnixMilli()
		peer.LastTx = nowMillis
		keypair.LastTx = nowMillis
	}

	if rekeyTriggers(keypair, now) {
		peer.SendHandshake = true
	}

	return err
}
