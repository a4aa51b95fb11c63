package tunnel

import (
	"sync"
	"testing"
	"time"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
)

// recordingTunnel is a minimal Tunnel used to exercise chain wiring and
// forwarding without any domain-specific behavior.
type recordingTunnel struct {
	Base
	upPayloads   [][]byte
	downPayloads [][]byte
}

func newRecordingTunnel(name string) *recordingTunnel {
	t := &recordingTunnel{}
	t.Base = NewBase(name)
	return t
}

func (t *recordingTunnel) UpStreamInit(l *Line) { NextUpStreamInit(t, l) }
func (t *recordingTunnel) UpStreamPayload(l *Line, buf *bufferpool.Buffer) {
	t.upPayloads = append(t.upPayloads, append([]byte(nil), buf.Bytes()...))
	NextUpStreamPayload(t, l, buf)
}
func (t *recordingTunnel) UpStreamFinish(l *Line) { NextUpStreamFinish(t, l) }
func (t *recordingTunnel) DownStreamPayload(l *Line, buf *bufferpool.Buffer) {
	t.downPayloads = append(t.downPayloads, append([]byte(nil), buf.Bytes()...))
	PrevDownStreamPayload(t, l, buf)
}
func (t *recordingTunnel) DownStreamFinish(l *Line) { PrevDownStreamFinish(t, l) }

func TestChainUseWiresNextPrevAndSlots(t *testing.T) {
	bp := bufferpool.NewPool()
	chain := NewChain(NewPool(1, 1), bp)

	a := newRecordingTunnel("a")
	b := newRecordingTunnel("b")
	chain.Use(a)
	chain.Use(b)

	if a.Next() != Tunnel(b) {
		t.Fatal("expected a.Next() == b")
	}
	if b.Prev() != Tunnel(a) {
		t.Fatal("expected b.Prev() == a")
	}
	if Slot(a) != 0 || Slot(b) != 1 {
		t.Fatalf("expected slots 0,1, got %d,%d", Slot(a), Slot(b))
	}
}

func TestUpStreamPayloadForwardsThroughChain(t *testing.T) {
	bp := bufferpool.NewPool()
	chain := NewChain(NewPool(1, 1), bp)
	a := newRecordingTunnel("a")
	b := newRecordingTunnel("b")
	chain.Use(a)
	chain.Use(b)

	line := chain.LinePool(0).Create(0)
	buf := bufferpool.FromBytes([]byte("hello"))
	a.UpStreamPayload(line, buf)

	if len(a.upPayloads) != 1 || string(a.upPayloads[0]) != "hello" {
		t.Fatalf("expected a to observe payload, got %v", a.upPayloads)
	}
	if len(b.upPayloads) != 1 || string(b.upPayloads[0]) != "hello" {
		t.Fatalf("expected b to observe forwarded payload, got %v", b.upPayloads)
	}
}

func TestLineStateSlotsAreIndependentPerTunnel(t *testing.T) {
	bp := bufferpool.NewPool()
	chain := NewChain(NewPool(1, 1), bp)
	a := newRecordingTunnel("a")
	b := newRecordingTunnel("b")
	chain.Use(a)
	chain.Use(b)

	line := chain.LinePool(0).Create(0)
	line.SetState(Slot(a), "state-a")
	line.SetState(Slot(b), "state-b")

	if line.State(Slot(a)) != "state-a" || line.State(Slot(b)) != "state-b" {
		t.Fatal("expected independent per-tunnel state slots")
	}
}

func TestPipeToRepinsLineToTargetWorker(t *testing.T) {
	bp := bufferpool.NewPool()
	chain := NewChain(NewPool(2, 1), bp)
	line := chain.LinePool(0).Create(0)

	PipeTo(nil, line, WID(1))
	if line.WID() != WID(1) {
		t.Fatalf("expected line repinned to wid 1, got %d", line.WID())
	}
}

func TestPoolNextDistributionWIDRoundRobins(t *testing.T) {
	p := NewPool(3, 1)
	defer p.Stop()

	seen := make([]WID, 6)
	for i := range seen {
		seen[i] = p.NextDistributionWID()
	}
	for i := 0; i < 3; i++ {
		if seen[i] != seen[i+3] {
			t.Fatalf("expected round-robin cycle to repeat, got %v", seen)
		}
	}
}

func TestSendWorkerMessageForceQueueRunsOnTargetWorker(t *testing.T) {
	p := NewPool(2, 4)
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	ran := false
	p.SendWorkerMessageForceQueue(WID(1), func() {
		ran = true
		wg.Done()
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for posted closure to run")
	}
	if !ran {
		t.Fatal("expected closure to have run")
	}
}

func TestLineLockCountTracksLockUnlock(t *testing.T) {
	bp := bufferpool.NewPool()
	lp := NewLinePool(bp, 1)
	line := lp.Create(0)

	line.Lock()
	line.Lock()
	line.Unlock()
	if line.LockCount() != 1 {
		t.Fatalf("expected lock count 1, got %d", line.LockCount())
	}
}

func TestLineDestroyMarksNotAlive(t *testing.T) {
	bp := bufferpool.NewPool()
	lp := NewLinePool(bp, 1)
	line := lp.Create(0)

	if !line.Alive() {
		t.Fatal("expected new line to be alive")
	}
	line.Destroy()
	if line.Alive() {
		t.Fatal("expected destroyed line to be not alive")
	}
}
