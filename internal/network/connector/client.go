package connector

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/internal/auth"
	"github.com/lk2023060901/chatrelay-go/internal/network/codec"
	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/util/conc"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// Client 为客户端侧的一条连接。
//
// 请求按 ReqID 与应答配对，可并发调用；服务端推送的 deliver/presence/kicked
// 帧按到达顺序出现在 Messages 中。
type Client struct {
	conn   net.Conn
	codec  codec.Codec
	reader *bufio.Reader
	opts   Options

	writeMu sync.Mutex
	reqID   atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan *protocol.Envelope

	inbox chan *protocol.Envelope

	identity atomic.String
	token    atomic.String

	closed    chan struct{}
	closeOnce sync.Once
	cause     atomic.Error
}

// NewClient 在已建立的连接上创建 Client 并启动读协程。
func NewClient(conn net.Conn, opts Options) *Client {
	opts.normalize()
	c := &Client{
		conn:    conn,
		codec:   opts.Codec,
		reader:  bufio.NewReader(conn),
		opts:    opts,
		pending: make(map[uint64]chan *protocol.Envelope),
		inbox:   make(chan *protocol.Envelope, opts.InboxSize),
		closed:  make(chan struct{}),
	}

	// 使用 conc.Go 启动读协程。
	_ = conc.Go(func() (struct{}, error) {
		c.readLoop()
		return struct{}{}, nil
	})
	return c
}

func (c *Client) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Identity 返回登录后的身份。
func (c *Client) Identity() string { return c.identity.Load() }

// Token 返回最近一次 login_ack 下发的会话令牌。
func (c *Client) Token() string { return c.token.Load() }

// Messages 返回服务端推送帧，连接关闭后 channel 被关闭。
func (c *Client) Messages() <-chan *protocol.Envelope { return c.inbox }

// Done 在连接关闭后可读。
func (c *Client) Done() <-chan struct{} { return c.closed }

// Err 返回连接关闭的原因，对端正常关闭时为 nil。
func (c *Client) Err() error { return c.cause.Load() }

// Close 关闭连接。
func (c *Client) Close() error {
	c.close(nil)
	return nil
}

func (c *Client) close(cause error) {
	c.closeOnce.Do(func() {
		if cause != nil {
			c.cause.Store(cause)
		}
		_ = c.conn.Close()
		close(c.closed)
	})
}

// Login 以密码登录，密码只以 ClientCredential 的形式发送。
func (c *Client) Login(ctx context.Context, identity, password, version string) (*protocol.LoginResponse, error) {
	return c.login(ctx, &protocol.LoginRequest{
		Identity:   identity,
		Credential: auth.ClientCredential(identity, password),
		Version:    version,
	})
}

// LoginWithToken 使用之前 login_ack 下发的令牌登录。
func (c *Client) LoginWithToken(ctx context.Context, identity, token, version string) (*protocol.LoginResponse, error) {
	return c.login(ctx, &protocol.LoginRequest{
		Identity: identity,
		Token:    token,
		Version:  version,
	})
}

func (c *Client) login(ctx context.Context, req *protocol.LoginRequest) (*protocol.LoginResponse, error) {
	resp := &protocol.LoginResponse{}
	if err := c.call(ctx, protocol.OpLogin, req, resp); err != nil {
		return nil, err
	}
	c.identity.Store(resp.Identity)
	c.token.Store(resp.Token)
	return resp, nil
}

// Send 向 recipient 发送一条消息。
// 收件人不在线时返回 ack 与 ErrRouteRecipientOffline。
func (c *Client) Send(ctx context.Context, recipient string, kind protocol.Kind, payload []byte) (*protocol.SendAck, error) {
	return c.send(ctx, &protocol.Envelope{
		Op:        protocol.OpSend,
		Recipient: recipient,
		Kind:      kind,
		Payload:   payload,
	})
}

// Broadcast 向 audience 广播，audience 为空时发给所有在线身份（不含自己）。
func (c *Client) Broadcast(ctx context.Context, audience []string, kind protocol.Kind, payload []byte) (*protocol.SendAck, error) {
	return c.send(ctx, &protocol.Envelope{
		Op:        protocol.OpSend,
		Recipient: protocol.Broadcast,
		Audience:  audience,
		Kind:      kind,
		Payload:   payload,
	})
}

func (c *Client) send(ctx context.Context, env *protocol.Envelope) (*protocol.SendAck, error) {
	reply, err := c.roundTrip(ctx, env)
	if err != nil {
		return nil, err
	}
	ack := &protocol.SendAck{}
	if err := c.codec.Serializer().Unmarshal(reply.Payload, ack); err != nil {
		return nil, merr.WrapErrIoDecode(err, protocol.OpSendAck.String())
	}
	return ack, merr.Error(ack.Status)
}

// Who 返回在线身份列表（升序）。
func (c *Client) Who(ctx context.Context) ([]string, error) {
	resp := &protocol.WhoResponse{}
	if err := c.call(ctx, protocol.OpWho, &protocol.WhoRequest{}, resp); err != nil {
		return nil, err
	}
	return resp.Online, nil
}

// Ping 测量一次往返。
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	nonce := uint64(start.UnixNano())
	pong := &protocol.Pong{}
	if err := c.call(ctx, protocol.OpPing, &protocol.Ping{Nonce: nonce}, pong); err != nil {
		return 0, err
	}
	if pong.Nonce != nonce {
		return 0, merr.WrapErrParameterInvalid(nonce, pong.Nonce, "pong nonce")
	}
	return time.Since(start), nil
}

// Logout 通知服务端下线并等待连接关闭。
func (c *Client) Logout(ctx context.Context) error {
	payload, err := c.codec.Serializer().Marshal(&protocol.LogoutRequest{})
	if err != nil {
		return merr.WrapErrIoEncode(err, protocol.OpLogout.String())
	}
	if err := c.write(&protocol.Envelope{
		Op:        protocol.OpLogout,
		ReqID:     c.reqID.Inc(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}); err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

// call 发送类型化请求并把应答 payload 解码到 resp。
func (c *Client) call(ctx context.Context, op protocol.Op, req, resp any) error {
	payload, err := c.codec.Serializer().Marshal(req)
	if err != nil {
		return merr.WrapErrIoEncode(err, op.String())
	}
	reply, err := c.roundTrip(ctx, &protocol.Envelope{Op: op, Payload: payload})
	if err != nil {
		return err
	}
	if err := c.codec.Serializer().Unmarshal(reply.Payload, resp); err != nil {
		return merr.WrapErrIoDecode(err, reply.Op.String())
	}
	return nil
}

// roundTrip 为 env 分配 ReqID 并等待同 ReqID 的应答，error 帧转换为对应错误。
func (c *Client) roundTrip(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	id := c.reqID.Inc()
	env.ReqID = id
	env.Timestamp = time.Now().UnixMilli()

	ch := make(chan *protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	select {
	case reply := <-ch:
		if reply.Op == protocol.OpError {
			return nil, c.decodeError(reply)
		}
		return reply, nil
	case <-c.closed:
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, merr.WrapErrConnClosed("client")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) decodeError(reply *protocol.Envelope) error {
	resp := &protocol.ErrorResponse{}
	if err := c.codec.Serializer().Unmarshal(reply.Payload, resp); err != nil {
		return merr.WrapErrIoDecode(err, protocol.OpError.String())
	}
	if merr.Ok(resp.Status) {
		return merr.WrapErrServiceInternal("error frame without status")
	}
	return merr.Error(resp.Status)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}

func (c *Client) write(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return merr.WrapErrConnClosed("client")
	default:
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := c.codec.Encode(buf, env); err != nil {
		return err
	}
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if _, err := c.conn.Write(buf.B); err != nil {
		werr := merr.WrapErrConnWriteFailed("client", err)
		c.close(werr)
		return werr
	}
	return nil
}

// readLoop 读取服务端帧：有等待者的应答交给对应请求，其余放入 inbox。
func (c *Client) readLoop() {
	defer close(c.inbox)

	for {
		env, err := c.codec.Decode(c.reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				if errors.Is(err, io.EOF) {
					c.close(nil)
				} else {
					log.RatedDebug(5, "client read failed", zap.Error(err))
					c.close(err)
				}
			}
			return
		}

		if env.ReqID != 0 && c.resolve(env) {
			continue
		}
		select {
		case c.inbox <- env:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) resolve(env *protocol.Envelope) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.ReqID]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}
