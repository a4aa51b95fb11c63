package halfduplex

import (
	"go.uber.org/zap"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
	"github.com/netsupcloud/waterwall/internal/tunnel"
	"github.com/netsupcloud/waterwall/internal/wwerr"
)

// DownStreamPayload passes through unchanged; the half-duplex core only
// transforms the upstream direction, matching the original source set
// which contains no downstream/payload.c for this tunnel.
func (t *Tunnel) DownStreamPayload(l *tunnel.Line, buf *bufferpool.Buffer) {
	tunnel.PrevDownStreamPayload(t, l, buf)
}

// localAsyncCloseLine is posted to the counterpart line's worker when one
// side of a spliced pair finishes, the Go equivalent of the original's
// localAsyncCloseLine cross-worker closure (original_source
// tunnels/HalfDuplexServer/upstream/fin.c).
func (t *Tunnel) localAsyncCloseLine(l *tunnel.Line) {
	t.destroyState(l)
	tunnel.PrevDownStreamFinish(t, l)
	l.Unlock()
}

// UpStreamFinish implements spec.md §4.2 "Finish".
func (t *Tunnel) UpStreamFinish(l *tunnel.Line) {
	ls := t.state(l)

	switch ls.state {
	case stateUnknown:
		if ls.buffering != nil {
			t.reuse(l, ls.buffering)
		}
		t.destroyState(l)

	case stateUploadInTable:
		t.uploadMu.Lock()
		_, found := t.uploadMap[ls.hash]
		if !found {
			t.uploadMu.Unlock()
			wwerr.Fatal(t.log, "upload rendezvous map missing entry at finish", zap.Uint64("hash", ls.hash))
		}
		delete(t.uploadMap, ls.hash)
		t.uploadMu.Unlock()

		t.reuse(l, ls.buffering)
		t.destroyState(l)

	case stateDownloadInTable:
		t.downloadMu.Lock()
		_, found := t.downloadMap[ls.hash]
		if !found {
			t.downloadMu.Unlock()
			wwerr.Fatal(t.log, "download rendezvous map missing entry at finish", zap.Uint64("hash", ls.hash))
		}
		delete(t.downloadMap, ls.hash)
		t.downloadMu.Unlock()

		t.destroyState(l)

	case stateDownloadDirect:
		ls.downloadLine = nil

		if ls.mainLine != nil {
			tunnel.NextUpStreamFinish(t, ls.mainLine)
			t.destroyState(ls.mainLine)
			ls.mainLine = nil
		}

		if uploadLine := ls.uploadLine; uploadLine != nil {
			uploadLs := t.state(uploadLine)
			uploadLs.mainLine = nil
			uploadLs.downloadLine = nil

			uploadLine.Lock()
			t.chain.WorkerPool().SendWorkerMessageForceQueue(uploadLine.WID(), func() {
				t.localAsyncCloseLine(uploadLine)
			})
		}

		t.destroyState(l)

	case stateUploadDirect:
		ls.uploadLine = nil

		if ls.mainLine != nil {
			tunnel.NextUpStreamFinish(t, ls.mainLine)
			t.destroyState(ls.mainLine)
			ls.mainLine = nil
		}

		if downloadLine := ls.downloadLine; downloadLine != nil {
			downloadLs := t.state(downloadLine)
			downloadLs.mainLine = nil
			downloadLs.uploadLine = nil

			downloadLine.Lock()
			t.chain.WorkerPool().SendWorkerMessageForceQueue(downloadLine.WID(), func() {
				t.localAsyncCloseLine(downloadLine)
			})
		}

		t.destroyState(l)

	default:
		wwerr.Fatal(t.log, "unexpected half-duplex state at finish")
	}
}

// DownStreamFinish passes through to the previous tunnel unchanged.
func (t *Tunnel) DownStreamFinish(l *tunnel.Line) {
	tunnel.PrevDownStreamFinish(t, l)
}
