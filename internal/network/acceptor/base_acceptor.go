package acceptor

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/metrics"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
	"github.com/lk2023060901/chatrelay-go/pkg/util/typeutil"
)

const (
	TransportTCP = "tcp"
	TransportWS  = "ws"

	maxAcceptDelay = time.Second
)

// connTracker 记录接入器持有的连接，并在关闭时统一关闭、等待处理协程退出。
type connTracker struct {
	conns *typeutil.ConcurrentSet[net.Conn]

	// mu 保证 shutdown 开始后不再有新的 wg.Add。
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newConnTracker() *connTracker {
	return &connTracker{conns: typeutil.NewConcurrentSet[net.Conn]()}
}

// serve 在新协程中处理 conn，已关闭时直接关闭 conn 并返回 false。
func (t *connTracker) serve(ctx context.Context, conn net.Conn, h Handler) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return false
	}
	t.conns.Insert(conn)
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.conns.Remove(conn)
		defer func() {
			if r := recover(); r != nil {
				log.Error("connection handler panic", zap.Any("recover", r), zap.Stringer("remote", conn.RemoteAddr()))
				_ = conn.Close()
			}
		}()
		h.ServeConn(ctx, conn)
	}()
	return true
}

// shutdown 关闭全部存量连接，等待处理协程退出。
func (t *connTracker) shutdown() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.conns.Range(func(conn net.Conn) bool {
		_ = conn.Close()
		return true
	})
	t.wg.Wait()
}

// BaseAcceptor 是 Acceptor 接口的 TCP 实现。
//
// 每条连接使用独立协程运行 Handler.ServeConn，同一连接上的读写由 Handler 自行组织。
type BaseAcceptor struct {
	ln      net.Listener
	handler Handler
	tracker *connTracker

	closing   chan struct{}
	closeOnce sync.Once
}

var _ Acceptor = (*BaseAcceptor)(nil)

// NewBaseAcceptor 使用已有的 Listener 创建接入器。
func NewBaseAcceptor(ln net.Listener, h Handler) (*BaseAcceptor, error) {
	if ln == nil {
		return nil, merr.WrapErrParameterMissing("listener")
	}
	if h == nil {
		return nil, merr.WrapErrParameterMissing("handler")
	}
	return &BaseAcceptor{
		ln:      ln,
		handler: h,
		tracker: newConnTracker(),
		closing: make(chan struct{}),
	}, nil
}

// NewTCPAcceptor 在给定地址上监听 TCP，并创建接入器。
//
// 参数：
//   - addr：监听地址，例如 "0.0.0.0:7100"，端口为 0 时由系统分配；
//   - h   ：连接处理器。
func NewTCPAcceptor(addr string, h Handler) (*BaseAcceptor, error) {
	if addr == "" {
		return nil, merr.WrapErrParameterMissing("addr")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, merr.WrapErrIoFailed("listen "+addr, err)
	}
	return NewBaseAcceptor(ln, h)
}

// Addr 实现 Acceptor.Addr。
func (a *BaseAcceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Conns 实现 Acceptor.Conns。
func (a *BaseAcceptor) Conns() int {
	return a.tracker.conns.Len()
}

// Serve 实现 Acceptor.Serve。
func (a *BaseAcceptor) Serve(ctx context.Context) error {
	defer a.tracker.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = a.Close() })
	defer stop()

	log.Info("tcp acceptor serving", zap.Stringer("addr", a.ln.Addr()))

	var delay time.Duration
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.closing:
				return nil
			default:
			}

			// 临时错误（例如 fd 耗尽）退避后重试。
			if isTemporary(err) {
				delay = nextDelay(delay)
				log.RatedWarn(1, "accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
				select {
				case <-time.After(delay):
					continue
				case <-a.closing:
					return nil
				}
			}
			return merr.WrapErrIoFailed("accept", err)
		}
		delay = 0

		if a.tracker.serve(ctx, conn, a.handler) {
			metrics.ConnectionsAccepted.WithLabelValues(TransportTCP).Inc()
		}
	}
}

// isTemporary 判断 Accept 错误是否可以退避后重试。
func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.IsAny(err, syscall.EMFILE, syscall.ENFILE, syscall.ECONNABORTED, syscall.ENOBUFS, syscall.ENOMEM)
}

func nextDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return 5 * time.Millisecond
	}
	return min(delay*2, maxAcceptDelay)
}

// Close 实现 Acceptor.Close。
func (a *BaseAcceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closing)
		err = a.ln.Close()
	})
	return err
}
