package halfduplex

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/netsupcloud/waterwall/internal/tunnel"
)

// wafWindow and wafMaxRequests bound the per-source-IP connection rate,
// ported from the teacher's controller/server.go ipCache check.
const (
	wafWindow      = 30 * time.Second
	wafMaxRequests = 200
)

// Listener accepts the raw client connections that become half-duplex
// lines and feeds them into the chain's first tunnel. It is a supplied
// networking collaborator in spec.md's terms, recovered here so the
// module is runnable end to end.
type Listener struct {
	chain *tunnel.Chain
	pool  *tunnel.LinePool
	log   *zap.Logger

	ipCache *cache.Cache

	readSize int
}

// NewListener constructs a Listener that dispatches accepted connections
// into chain, starting processing at the chain's first tunnel.
func NewListener(chain *tunnel.Chain, log *zap.Logger) *Listener {
	return &Listener{
		chain:    chain,
		pool:     chain.LinePool(0),
		log:      log,
		ipCache:  cache.New(wafWindow, wafWindow*2),
		readSize: 4096,
	}
}

// ServeTCP accepts plain TCP connections on addr until the listener
// errors or ctx is cancelled, ported from the teacher's
// controller.Listen.
func (s *Listener) ServeTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("listening", zap.String("addr", addr), zap.String("transport", "tcp"))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		if !s.admit(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		go s.serveStream(conn, conn.RemoteAddr().String())
	}
}

// ServeQUIC accepts QUIC connections on addr and treats every stream
// accepted on them as one independently-arriving simplex connection,
// ported from the teacher's now-stubbed accelerator mode.
func (s *Listener) ServeQUIC(ctx context.Context, addr string, tlsConf *tls.Config) error {
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("listening", zap.String("addr", addr), zap.String("transport", "quic"))
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Error("quic accept failed", zap.Error(err))
			continue
		}
		remote := conn.RemoteAddr().String()
		go s.serveQUICConnection(ctx, conn, remote)
	}
}

func (s *Listener) serveQUICConnection(ctx context.Context, conn quic.Connection, remote string) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !s.admit(remote) {
			stream.Close()
			continue
		}
		go s.serveStream(stream, remote)
	}
}

// admit applies the per-source-IP WAF counter from the teacher.
func (s *Listener) admit(remote string) bool {
	ip := remote
	if idx := strings.LastIndex(remote, ":"); idx >= 0 {
		ip = remote[:idx]
	}
	if count, found := s.ipCache.Get(ip); found {
		if count.(int) >= wafMaxRequests {
			s.log.Warn("WAF: too many requests", zap.String("ip", ip))
			return false
		}
		s.ipCache.Increment(ip, 1)
	} else {
		s.ipCache.Set(ip, 1, cache.DefaultExpiration)
	}
	return true
}

// rw is the minimal duplex byte-stream contract shared by net.Conn and
// quic.Stream.
type rw interface {
	io.Reader
	io.Writer
	Close() error
}

// serveStream reads conn in a loop, feeding each chunk into the chain's
// first tunnel's UpStreamPayload on a dedicated worker, and calling
// UpStreamFinish when the peer closes.
func (s *Listener) serveStream(conn rw, remote string) {
	defer conn.Close()

	tunnels := s.chain.Tunnels()
	if len(tunnels) == 0 {
		return
	}
	first := tunnels[0]

	wid := s.chain.WorkerPool().NextDistributionWID()
	line := s.pool.Create(wid)

	done := make(chan struct{})
	s.chain.WorkerPool().SendWorkerMessageForceQueue(wid, func() {
		first.UpStreamInit(line)
		close(done)
	})
	<-done

	bp := line.BufferPool()
	for {
		raw := make([]byte, s.readSize)
		n, err := conn.Read(raw)
		if n > 0 {
			// GetLarge, not GetSmall: a downstream tunnel (e.g. WireGuard's
			// encrypt step) may prepend a header in place via
			// Buffer.ShiftLeft, which needs front headroom a small buffer
			// never reserves.
			buf := bp.GetLarge()
			buf.SetLength(0)
			buf.Append(raw[:n])
			finished := make(chan struct{})
			s.chain.WorkerPool().SendWorkerMessageForceQueue(line.WID(), func() {
				first.UpStreamPayload(line, buf)
				close(finished)
			})
			<-finished
		}
		if err != nil {
			break
		}
	}

	finished := make(chan struct{})
	s.chain.WorkerPool().SendWorkerMessageForceQueue(line.WID(), func() {
		first.UpStreamFinish(line)
		close(finished)
	})
	<-finished
}
