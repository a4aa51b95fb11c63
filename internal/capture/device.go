package capture

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netsupcloud/waterwall/internal/bufferpool"
)

// queueStartNumber is the process-wide monotonic queue-number allocator,
// the Go analogue of GSTATE.capturedevice_queue_start_number: every
// Device constructed in one process claims the next NFQUEUE number.
var queueStartNumber atomic.Uint32

// Backpressure/wire constants from spec.md §4.4.
const (
	backpressureThreshold = 256
	queueMaxLen           = 512
	ethDataLen            = 1500
	ethHdrLen             = 14
	packetHdrLen          = 7 // nfqnl_msg_packet_hdr, packed
	readPacketSize        = 1500

	ipTablesEnableQueueFmt  = "iptables -I INPUT -s %s -j NFQUEUE --queue-num %d"
	ipTablesDisableQueueFmt = "iptables -D INPUT -s %s -j NFQUEUE --queue-num %d"
)

// ReadCallback is invoked on a worker's event loop for every captured
// packet, matching the original's user callback + userdata pair. wid
// identifies the worker the callback is running on.
type ReadCallback func(dev *Device, wid int, buf *bufferpool.Buffer)

// Dispatcher posts a captured packet's processing onto the target
// worker's event loop (Device.distribute does the packets_queued
// bookkeeping around the posted work); it is the seam swapped out for a
// real tunnel.Pool in production and for a stand-in in tests.
type Dispatcher interface {
	NextDistributionWID() int
	Dispatch(wid int, fn func())
}

// Device is the Linux Capture Device (spec.md §4.4): a netfilter-queue
// reader bound to one iptables NFQUEUE rule, running its read loop on a
// dedicated OS thread and handing every captured packet to a worker
// under backpressure.
type Device struct {
	log        *zap.Logger
	dispatcher Dispatcher
	bufPool    *bufferpool.Pool
	onRead     ReadCallback

	captureIP string
	queueNum  uint16

	handle              int
	pipeRead, pipeWrite int

	running       atomic.Bool
	up            atomic.Bool
	packetsQueued atomic.Int64

	bringupCmd, bringdownCmd string

	doneCh chan struct{}
}

// New creates the netlink socket, performs the NFQNL_MSG_CONFIG
// handshake (PF_UNBIND, PF_BIND, BIND, PARAMS, QUEUE_MAXLEN), and
// prepares the iptables bring-up/-down commands, mirroring
// caputredeviceCreate. The device is not yet intercepting traffic until
// BringUp is called.
func New(log *zap.Logger, dispatcher Dispatcher, bufPool *bufferpool.Pool, captureIP string, onRead ReadCallback) (*Device, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_NETFILTER)
	if err != nil {
		return nil, fmt.Errorf("capture: open netlink socket: %w", err)
	}

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: bind netlink socket: %w", err)
	}

	queueNum := uint16(queueStartNumber.Add(1) - 1)

	d := &Device{
		log:        log,
		dispatcher: dispatcher,
		bufPool:    bufPool,
		onRead:     onRead,
		captureIP:  captureIP,
		queueNum:   queueNum,
		handle:     fd,
		doneCh:     make(chan struct{}),
	}

	if err := d.configure(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	pipeFDs := make([]int, 2)
	if err := unix.Pipe(pipeFDs); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: create self-pipe: %w", err)
	}
	d.pipeRead, d.pipeWrite = pipeFDs[0], pipeFDs[1]

	d.bringupCmd = fmt.Sprintf(ipTablesEnableQueueFmt, captureIP, queueNum)
	d.bringdownCmd = fmt.Sprintf(ipTablesDisableQueueFmt, captureIP, queueNum)

	return d, nil
}

// configure issues the PF_UNBIND/PF_BIND/BIND/PARAMS/QUEUE_MAXLEN
// sequence against the bound netlink socket.
func (d *Device) configure() error {
	const afInet = 2 // linux/socket.h AF_INET, used as the config command's pf field here

	steps := []struct {
		payload []byte
		nfaType uint16
	}{
		{buildConfigCmd(nfqnlCfgCmdPfUnbind, afInet), nfqaCfgCmd},
		{buildConfigCmd(nfqnlCfgCmdPfBind, afInet), nfqaCfgCmd},
		{buildConfigCmd(nfqnlCfgCmdBind, afInet), nfqaCfgCmd},
		{buildConfigParams(nfqnlCopyPacket, uint32(ethDataLen+ethHdrLen+packetHdrLen)), nfqaCfgParams},
		{buildQueueMaxlen(queueMaxLen), nfqaCfgQueueMaxlen},
	}

	for _, step := range steps {
		msg := buildConfigRequest(nfqnlMsgConfig, step.nfaType, d.queueNum, step.payload)
		if err := unix.Sendto(d.handle, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
			return fmt.Errorf("capture: netlink config send: %w", err)
		}
	}
	return nil
}

// BringUp runs the iptables enable command and starts the read loop on
// a dedicated OS thread, matching caputredeviceBringUp. A failing
// iptables invocation is treated as fatal, per spec.md §7.
func (d *Device) BringUp() error {
	if err := runIPTables(d.bringupCmd); err != nil {
		panic(fmt.Sprintf("capture: bring-up command failed: %v", err))
	}
	d.up.Store(true)
	d.running.Store(true)
	go d.readLoop()
	return nil
}

// BringDown clears running, runs the iptables disable command, wakes
// the reader via the self-pipe, and waits for it to exit, matching
// caputredeviceBringDown.
func (d *Device) BringDown() error {
	d.running.Store(false)
	d.up.Store(false)

	if err := runIPTables(d.bringdownCmd); err != nil {
		panic(fmt.Sprintf("capture: bring-down command failed: %v", err))
	}

	if _, err := unix.Write(d.pipeWrite, []byte{0}); err != nil {
		d.log.Warn("capture: failed to wake reader via self-pipe", zap.Error(err))
	}
	<-d.doneCh
	return nil
}

// Write is the disabled raw-socket writer: the contract requires it
// return false unconditionally (spec.md §4.4 "Write path").
func (d *Device) Write(_ *bufferpool.Buffer) bool {
	return false
}

// readLoop is the dedicated OS-thread read routine (routineReadFromCapture).
func (d *Device) readLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.doneCh)

	raw := make([]byte, readPacketSize+64)

	for d.running.Load() {
		if d.packetsQueued.Load() > backpressureThreshold {
			time.Sleep(time.Millisecond)
			continue
		}

		fds := []unix.PollFd{
			{Fd: int32(d.handle), Events: unix.POLLIN},
			{Fd: int32(d.pipeRead), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, -1)
		if err != nil || n == 0 {
			continue
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		nread, _, err := unix.Recvfrom(d.handle, raw, 0)
		if err != nil {
			d.log.Warn("capture: recvfrom failed", zap.Error(err))
			continue
		}

		pkt, err := parseNFQueuePacket(raw[:nread])
		if err != nil {
			d.log.Warn("capture: malformed NFQUEUE message", zap.Error(err))
			continue
		}

		if err := d.issueDropVerdict(pkt.PacketID); err != nil {
			d.log.Warn("capture: verdict send failed", zap.Error(err))
		}

		// GetLarge, not GetSmall: a captured packet may be handed on to a
		// chained tunnel (e.g. WireGuard's encrypt step) that prepends a
		// header in place via Buffer.ShiftLeft, which needs front headroom
		// a small buffer never reserves.
		buf := d.bufPool.GetLarge()
		buf.SetLength(0)
		buf.Append(pkt.Payload)
		d.distribute(buf)
	}
}

// issueDropVerdict sends the immediate NF_DROP verdict for packetID; the
// tunnel substitutes its own re-injection path (spec.md §4.4).
func (d *Device) issueDropVerdict(packetID uint32) error {
	msg := buildVerdictRequest(d.queueNum, packetID)
	return unix.Sendto(d.handle, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

// distribute implements distributePacketPayload: increment
// packets_queued, pick a worker, and post the dispatch event; the event
// decrements packets_queued and invokes the user callback.
func (d *Device) distribute(buf *bufferpool.Buffer) {
	d.packetsQueued.Add(1)
	wid := d.dispatcher.NextDistributionWID()
	d.dispatcher.Dispatch(wid, func() {
		d.packetsQueued.Add(-1)
		d.onRead(d, wid, buf)
	})
}

// runIPTables executes an iptables bring-up/-down command string built
// by New, splitting on spaces the way the original's execCmd does.
func runIPTables(cmdline string) error {
	fields := splitFields(cmdline)
	if len(fields) == 0 {
		return fmt.Errorf("capture: empty command")
	}
	return exec.Command(fields[0], fields[1:]...).Run()
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}
