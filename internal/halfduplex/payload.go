package halfduplex

import (
	"go.uber.org/zap"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
	"github.com/netsupcloud/waterwall/internal/tunnel"
)

// UpStreamInit passes through; the half-duplex core only acts on payload
// and finish, exactly like the original (no upstream.init.c in the
// retrieved source set).
func (t *Tunnel) UpStreamInit(l *tunnel.Line) {
	tunnel.NextUpStreamInit(t, l)
}

// UpStreamPayload implements the per-line state machine of spec.md §4.2.
func (t *Tunnel) UpStreamPayload(l *tunnel.Line, buf *bufferpool.Buffer) {
	ls := t.state(l)

	switch ls.state {
	case stateUnknown:
		t.onUnknown(l, ls, buf)

	case stateUploadInTable:
		if ls.buffering != nil {
			ls.buffering = bufferpool.Concat(ls.buffering, buf)
		} else {
			ls.buffering = buf
		}
		if ls.buffering.Len() >= MaxBuffering {
			t.reuse(l, ls.buffering)
			ls.buffering = nil
		}

	case stateUploadDirect:
		if ls.mainLine != nil {
			tunnel.NextUpStreamPayload(t, ls.mainLine, buf)
		} else {
			// Race with asynchronous close of the peer: release.
			t.reuse(l, buf)
		}

	case stateDownloadDirect, stateDownloadInTable:
		// Downloads never carry upstream data.
		t.reuse(l, buf)
	}
}

// onUnknown handles the first payload(s) on a line, before its direction
// and rendezvous hash are known.
func (t *Tunnel) onUnknown(l *tunnel.Line, ls *lineState, buf *bufferpool.Buffer) {
	if ls.buffering != nil {
		buf = bufferpool.Concat(ls.buffering, buf)
		ls.buffering = nil
	}

	if buf.Len() < 8 {
		ls.buffering = buf
		return
	}

	raw := buf.Bytes()
	isUpload := raw[0]&kHLFDCmdDownload == 0
	buf.SetByte(0, raw[0]&kHLFDCmdUpload)

	hash := buf.ReadUnalignedUint64LE()
	ls.hash = hash

	if isUpload {
		t.onUnknownUpload(l, ls, hash, buf)
	} else {
		t.onUnknownDownload(l, ls, hash, buf)
	}
}

func (t *Tunnel) onUnknownUpload(l *tunnel.Line, ls *lineState, hash uint64, buf *bufferpool.Buffer) {
	ls.uploadLine = l

	t.downloadMu.Lock()
	peer, found := t.downloadMap[hash]
	if !found {
		t.downloadMu.Unlock()

		ls.state = stateUploadInTable
		t.uploadMu.Lock()
		_, dup := t.uploadMap[hash]
		if !dup {
			t.uploadMap[hash] = ls
		}
		t.uploadMu.Unlock()

		if dup {
			t.log.Warn("duplicate upload connection closed", zap.Uint64("hash", hash))
			t.destroyState(l)
			t.reuse(l, buf)
			tunnel.PrevDownStreamFinish(t, l)
			return
		}

		// Upload waiter retains buffering (including the header bytes,
		// stripped by the downloader at splice time).
		ls.buffering = buf
		return
	}

	peerWID := peer.downloadLine.WID()
	if peerWID != l.WID() {
		t.downloadMu.Unlock()
		t.destroyState(l)
		t.reroute(l, peerWID, buf)
		return
	}

	downloadLine := peer.downloadLine
	delete(t.downloadMap, hash)
	t.downloadMu.Unlock()

	ls.state = stateUploadDirect
	downloadLineLs := peer
	downloadLineLs.state = stateDownloadDirect
	downloadLineLs.uploadLine = l
	ls.downloadLine = downloadLine

	mainLine := t.chain.LinePool(l.WID()).Create(l.WID())
	downloadLineLs.mainLine = mainLine
	ls.mainLine = mainLine

	mainLs := t.initState(mainLine)
	mainLs.uploadLine = l
	mainLs.downloadLine = downloadLine
	mainLs.mainLine = mainLine

	mainLine.Lock()
	tunnel.NextUpStreamInit(t, mainLine)
	if !mainLine.Alive() {
		t.reuse(l, buf)
		mainLine.Unlock()
		return
	}
	mainLine.Unlock()

	buf.ShiftRight(8)
	if buf.Len() > 0 {
		tunnel.NextUpStreamPayload(t, mainLine, buf)
		return
	}
	t.reuse(l, buf)
}

func (t *Tunnel) onUnknownDownload(l *tunnel.Line, ls *lineState, hash uint64, buf *bufferpool.Buffer) {
	ls.downloadLine = l

	t.uploadMu.Lock()
	peer, found := t.uploadMap[hash]
	if !found {
		t.uploadMu.Unlock()
		t.reuse(l, buf)

		ls.state = stateDownloadInTable
		t.downloadMu.Lock()
		_, dup := t.downloadMap[hash]
		if !dup {
			t.downloadMap[hash] = ls
		}
		t.downloadMu.Unlock()

		if dup {
			t.log.Warn("duplicate download connection closed", zap.Uint64("hash", hash))
			t.destroyState(l)
			tunnel.PrevDownStreamFinish(t, l)
		}
		// A download waiter discards any pre-splice payload; nothing else
		// to retain.
		return
	}

	peerWID := peer.uploadLine.WID()
	if peerWID != l.WID() {
		t.uploadMu.Unlock()
		t.destroyState(l)
		// onUnknown already cleared the direction bit to recover the
		// hash; restore it so the target worker's re-dispatch still
		// reads this line as a download instead of a second upload.
		buf.SetByte(0, buf.Bytes()[0]|kHLFDCmdDownload)
		t.reroute(l, peerWID, buf)
		return
	}

	uploadLine := peer.uploadLine
	delete(t.uploadMap, hash)
	t.uploadMu.Unlock()
	t.reuse(l, buf)

	ls.state = stateDownloadDirect
	ls.uploadLine = uploadLine

	uploadLineLs := peer
	uploadLineLs.state = stateUploadDirect
	uploadLineLs.downloadLine = l

	mainLine := t.chain.LinePool(l.WID()).Create(l.WID())
	uploadLineLs.mainLine = mainLine
	ls.mainLine = mainLine

	mainLs := t.initState(mainLine)
	mainLs.uploadLine = uploadLine
	mainLs.downloadLine = l
	mainLs.mainLine = mainLine

	mainLine.Lock()
	tunnel.NextUpStreamInit(t, mainLine)
	if !mainLine.Alive() {
		mainLine.Unlock()
		return
	}
	mainLine.Unlock()

	if uploadLineLs.buffering == nil {
		// An overflow in stateUploadInTable already dropped the buffered
		// bytes; there is nothing to flush.
		return
	}
	if uploadLineLs.buffering.Len() > 0 {
		uploadLineLs.buffering.ShiftRight(8)
		tunnel.NextUpStreamPayload(t, mainLine, uploadLineLs.buffering)
		uploadLineLs.buffering = nil
		return
	}
	t.reuse(l, uploadLineLs.buffering)
	uploadLineLs.buffering = nil
}

// reroute re-homes l onto the worker its matched peer lives on and
// re-emits the original (header-intact) payload there, so the target
// worker's Tunnel instance re-enters stateUnknown and completes the
// splice locally (spec.md §4.2 "Cross-worker pairing").
func (t *Tunnel) reroute(l *tunnel.Line, targetWID tunnel.WID, buf *bufferpool.Buffer) {
	tunnel.PipeTo(t, l, targetWID)
	t.chain.WorkerPool().SendWorkerMessageForceQueue(targetWID, func() {
		t.UpStreamPayload(l, buf)
	})
}
