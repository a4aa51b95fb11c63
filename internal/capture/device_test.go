package capture

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
)

// fakeDispatcher runs each posted closure on a fresh goroutine, tracked
// by a WaitGroup, enough to exercise Device.distribute's packets_queued
// bookkeeping without a real tunnel.Pool.
type fakeDispatcher struct {
	mu         sync.Mutex
	wg         sync.WaitGroup
	dispatched []int
}

func (f *fakeDispatcher) NextDistributionWID() int { return 0 }

func (f *fakeDispatcher) Dispatch(wid int, fn func()) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, wid)
	f.mu.Unlock()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
}

// newTestDevice builds a Device whose "netlink handle" and self-pipe are
// backed by an ordinary unix pipe, so the read loop's poll/backpressure
// logic can be exercised without opening a real AF_NETLINK socket.
func newTestDevice(t *testing.T) (*Device, int /* write end standing in for kernel traffic */) {
	t.Helper()

	handlePipe := make([]int, 2)
	if err := unix.Pipe(handlePipe); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	selfPipe := make([]int, 2)
	if err := unix.Pipe(selfPipe); err != nil {
		t.Fatalf("pipe: %v", err)
	}

	dev := &Device{
		log:        zap.NewNop(),
		dispatcher: &fakeDispatcher{},
		bufPool:    bufferpool.NewPool(),
		onRead:     func(*Device, int, *bufferpool.Buffer) {},
		handle:     handlePipe[0],
		pipeRead:   selfPipe[0],
		pipeWrite:  selfPipe[1],
		doneCh:     make(chan struct{}),
	}
	dev.running.Store(true)

	t.Cleanup(func() {
		unix.Close(handlePipe[0])
		unix.Close(handlePipe[1])
		unix.Close(selfPipe[1])
	})

	return dev, handlePipe[1]
}

func TestBringDownUnblocksReadLoopWithinOnePollCycle(t *testing.T) {
	dev, _ := newTestDevice(t)

	go dev.readLoop()

	dev.running.Store(false)
	if _, err := unix.Write(dev.pipeWrite, []byte{0}); err != nil {
		t.Fatalf("write self-pipe: %v", err)
	}

	select {
	case <-dev.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after self-pipe wakeup")
	}
}

func TestBackpressurePausesBelowDispatch(t *testing.T) {
	dev, _ := newTestDevice(t)
	dev.packetsQueued.Store(backpressureThreshold + 1)

	go dev.readLoop()
	defer func() {
		dev.running.Store(false)
		unix.Write(dev.pipeWrite, []byte{0})
		<-dev.doneCh
	}()

	time.Sleep(20 * time.Millisecond)
	if dev.packetsQueued.Load() != backpressureThreshold+1 {
		t.Fatal("backpressure branch must not consume or alter packets_queued")
	}
}

func TestDistributeReturnsPacketsQueuedToZeroAfterCallback(t *testing.T) {
	disp := &fakeDispatcher{}
	var gotWID int
	var mu sync.Mutex
	dev := &Device{
		log:        zap.NewNop(),
		dispatcher: disp,
		bufPool:    bufferpool.NewPool(),
		onRead: func(_ *Device, wid int, _ *bufferpool.Buffer) {
			mu.Lock()
			gotWID = wid
			mu.Unlock()
		},
	}

	buf := dev.bufPool.GetSmall()
	dev.distribute(buf)
	disp.wg.Wait()

	if dev.packetsQueued.Load() != 0 {
		t.Fatalf("expected packets_queued back to 0, got %d", dev.packetsQueued.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if gotWID != 0 {
		t.Fatalf("expected dispatch on wid 0, got %d", gotWID)
	}
}

func TestWriteIsUnsupported(t *testing.T) {
	dev := &Device{}
	if dev.Write(bufferpool.NewPool().GetSmall()) {
		t.Fatal("Write must always return false")
	}
}
