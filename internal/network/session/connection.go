package session

import (
	"bufio"
	"context"
	"io"
	"iter"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/internal/network/codec"
	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/metrics"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// Options 为单个连接的参数。
type Options struct {
	// QueueSize 为投递队列容量，<=0 时使用 DefaultQueueSize。
	QueueSize int
	// WriteTimeout 为单帧写出的超时时间，0 表示不设置。
	WriteTimeout time.Duration
	// IdleTimeout 为两帧之间允许的最长读空闲时间，0 表示不设置。
	IdleTimeout time.Duration
	// ReadBufferSize 为读缓冲大小，<=0 时使用 bufio 默认值。
	ReadBufferSize int
}

// noticeTimeout 为 CloseWithNotice 写出告知帧的最长等待时间。
const noticeTimeout = time.Second

// Connection 为 Session 的唯一实现，封装一条 net.Conn。
//
// 读写分离：
//   - 读方向由调用方驱动（ReadEnvelope / Receive），同一时刻只能有一个读者；
//   - 写方向由 WriteLoop 独占，从 DeliveryQueue 中按顺序取帧并调用 Send；
//   - 两个方向之间只通过 DeliveryQueue 交互。
type Connection struct {
	// Binder 持有带 conn/identity 字段的 Logger。
	log.Binder

	id       string
	identity atomic.String
	state    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	conn   net.Conn
	reader *bufio.Reader
	codec  codec.Codec
	queue  *DeliveryQueue
	opts   Options

	// writeMu 保证一帧的字节连续写出。
	writeMu    sync.Mutex
	lastActive atomic.Time

	closeOnce sync.Once
	cause     atomic.Error
	closed    chan struct{}

	hooksMu    sync.Mutex
	hooks      []func(c *Connection, cause error)
	hooksFired bool
}

var _ Session = (*Connection)(nil)

// NewConnection 创建一个处于 Connecting 状态的连接。
//
// parent 取消时连接的 Context 随之取消，但底层连接需要由 Close 释放。
func NewConnection(parent context.Context, conn net.Conn, c codec.Codec, opts Options) *Connection {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	id := uuid.NewString()
	reader := bufio.NewReader(conn)
	if opts.ReadBufferSize > 0 {
		reader = bufio.NewReaderSize(conn, opts.ReadBufferSize)
	}

	s := &Connection{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		reader: reader,
		codec:  c,
		queue:  NewDeliveryQueue(id, opts.QueueSize),
		opts:   opts,
		closed: make(chan struct{}),
	}
	s.SetLogger(log.With(zap.String("conn", id)))
	s.state.Store(int32(StateConnecting))
	s.lastActive.Store(time.Now())
	return s
}

// ID 实现 Session.ID。
func (c *Connection) ID() string {
	return c.id
}

// Identity 实现 Session.Identity。
func (c *Connection) Identity() string {
	return c.identity.Load()
}

// State 实现 Session.State。
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Context 实现 Session.Context。
func (c *Connection) Context() context.Context {
	return c.ctx
}

// RemoteAddr 实现 Session.RemoteAddr。
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr 实现 Session.LocalAddr。
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// LastActive 返回最近一次成功读到帧的时间。
func (c *Connection) LastActive() time.Time {
	return c.lastActive.Load()
}

// Queue 返回该连接的投递队列。
func (c *Connection) Queue() *DeliveryQueue {
	return c.queue
}

// Codec 返回该连接使用的 Codec。
func (c *Connection) Codec() codec.Codec {
	return c.codec
}

// Done 在连接进入 Closed 且关闭回调执行完毕后关闭。
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err 返回关闭原因，正常关闭或尚未关闭时为 nil。
func (c *Connection) Err() error {
	return c.cause.Load()
}

// Authenticate 将连接从 Connecting 推进到 Authenticated，并绑定身份。
func (c *Connection) Authenticate(identity string) error {
	if identity == "" {
		return merr.WrapErrParameterMissing("identity")
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return merr.WrapErrConnStateInvalid(c.id, StateConnecting, c.State())
	}
	c.identity.Store(identity)
	c.SetLogger(c.Logger().With(zap.String("identity", identity)))
	return nil
}

// OnClose 注册关闭回调，回调在底层连接关闭后按注册顺序执行一次。
// 连接已关闭时立即执行。
func (c *Connection) OnClose(fn func(c *Connection, cause error)) {
	c.hooksMu.Lock()
	if !c.hooksFired {
		c.hooks = append(c.hooks, fn)
		c.hooksMu.Unlock()
		return
	}
	c.hooksMu.Unlock()
	fn(c, c.Err())
}

// ReadEnvelope 读取一帧，受 IdleTimeout 约束。
func (c *Connection) ReadEnvelope() (*protocol.Envelope, error) {
	return c.ReadEnvelopeWithin(c.opts.IdleTimeout)
}

// ReadEnvelopeWithin 读取一帧，timeout 为 0 时不设置读超时。
//
// 对端在帧边界处正常关闭时返回 io.EOF。
func (c *Connection) ReadEnvelopeWithin(timeout time.Duration) (*protocol.Envelope, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	env, err := c.codec.Decode(c.reader)
	if err != nil {
		return nil, c.readError(err, timeout)
	}
	c.lastActive.Store(time.Now())
	return env, nil
}

func (c *Connection) readError(err error, timeout time.Duration) error {
	if c.State() >= StateClosing {
		return merr.WrapErrConnClosed(c.id)
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errors.Wrapf(merr.ErrConnIdleTimeout, "conn=%s timeout=%s", c.id, timeout)
	}
	if merr.IsCoded(err) {
		// 帧过大、解码失败等。
		return err
	}
	return merr.WrapErrIoFailed("read", err)
}

// Receive 返回按到达顺序产出帧的惰性序列。
//
// 读取出错时连接被关闭，序列结束；对端正常关闭视为无错误关闭。
// 调用方提前结束遍历时连接保持打开。
func (c *Connection) Receive() iter.Seq[*protocol.Envelope] {
	return func(yield func(*protocol.Envelope) bool) {
		for {
			env, err := c.ReadEnvelope()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, merr.ErrConnClosed) {
					_ = c.Close()
				} else {
					c.CloseWithError(err)
				}
				return
			}
			if !yield(env) {
				return
			}
		}
	}
}

// Send 实现 Session.Send。
func (c *Connection) Send(env *protocol.Envelope) error {
	if c.State() >= StateClosing {
		return merr.WrapErrConnClosed(c.id)
	}
	err := c.write(env, c.opts.WriteTimeout)
	if err != nil && errors.Is(err, merr.ErrConnWriteFailed) {
		c.CloseWithError(err)
	}
	return err
}

func (c *Connection) write(env *protocol.Envelope, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := c.codec.Encode(buf, env); err != nil {
		return err
	}

	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := c.conn.Write(buf.B); err != nil {
		return merr.WrapErrConnWriteFailed(c.id, err)
	}
	return nil
}

// Deliver 实现 Session.Deliver。
func (c *Connection) Deliver(env *protocol.Envelope) error {
	err := c.queue.Enqueue(env)
	if err == nil {
		return nil
	}
	if errors.Is(err, merr.ErrConnQueueFull) {
		metrics.QueueFull.Inc()
		c.Logger().RatedWarn(1, "delivery queue full, closing connection",
			zap.Int("capacity", c.queue.Cap()))
		c.CloseWithError(err)
	}
	return err
}

// WriteLoop 为连接的专职写协程，阻塞直到连接关闭或写出失败。
func (c *Connection) WriteLoop() error {
	err := c.queue.Drain(c.ctx, func(env *protocol.Envelope) error {
		err := c.Send(env)
		if err != nil && errors.Is(err, merr.ErrIoEncode) {
			// 单帧编码失败不影响后续帧。
			c.Logger().Warn("drop undeliverable envelope", zap.Stringer("op", env.Op), zap.Error(err))
			return nil
		}
		return err
	})
	if err != nil && c.State() < StateClosing {
		c.CloseWithError(err)
	}
	return err
}

// Close 实现 Session.Close。
func (c *Connection) Close() error {
	c.closeWith(nil, nil)
	return nil
}

// CloseWithError 实现 Session.CloseWithError。
func (c *Connection) CloseWithError(cause error) {
	c.closeWith(cause, nil)
}

// CloseWithNotice 实现 Session.CloseWithNotice。
func (c *Connection) CloseWithNotice(notice *protocol.Envelope, cause error) {
	c.closeWith(cause, notice)
}

func (c *Connection) closeWith(cause error, notice *protocol.Envelope) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		if cause != nil {
			c.cause.Store(cause)
		}

		// 先停止写协程与入队，再关闭底层连接。
		c.cancel()
		c.queue.Close()

		if notice != nil {
			// 写协程可能阻塞在 Write 上，先收紧写超时让它尽快让出 writeMu。
			_ = c.conn.SetWriteDeadline(time.Now().Add(noticeTimeout))
			if err := c.write(notice, noticeTimeout); err != nil {
				c.Logger().Debug("write close notice failed", zap.Error(err))
			}
		}
		_ = c.conn.Close()
		c.state.Store(int32(StateClosed))

		metrics.ConnectionsClosed.WithLabelValues(CloseReason(cause)).Inc()
		if cause != nil {
			c.Logger().Info("connection closed", zap.Error(cause))
		} else {
			c.Logger().Debug("connection closed")
		}

		c.hooksMu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.hooksFired = true
		c.hooksMu.Unlock()

		for _, fn := range hooks {
			fn(c, cause)
		}
		close(c.closed)
	})
}

// CloseReason 将关闭原因归类为监控标签。
func CloseReason(cause error) string {
	switch {
	case cause == nil:
		return "normal"
	case errors.Is(cause, merr.ErrSessionEvicted):
		return "evicted"
	case errors.Is(cause, merr.ErrSessionLogout):
		return "logout"
	case errors.Is(cause, merr.ErrConnQueueFull):
		return "queue_full"
	case errors.Is(cause, merr.ErrConnWriteFailed):
		return "write_failed"
	case errors.Is(cause, merr.ErrConnIdleTimeout):
		return "idle_timeout"
	case errors.IsAny(cause, merr.ErrPrivilegeNotAuthenticated, merr.ErrAuthFailed,
		merr.ErrAuthTokenInvalid, merr.ErrAuthVersionUnsupported):
		return "auth"
	case errors.IsAny(cause, context.Canceled, context.DeadlineExceeded):
		return "shutdown"
	default:
		return "error"
	}
}
