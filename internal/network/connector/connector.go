package connector

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/internal/network/codec"
	"github.com/lk2023060901/chatrelay-go/internal/network/wsconn"
	"github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
	"github.com/lk2023060901/chatrelay-go/pkg/util/retry"
)

// Options 描述客户端连接的基础配置。
type Options struct {
	// Codec 必须与服务端一致，为 nil 时使用 codec.Default(0)。
	Codec codec.Codec

	// DialTimeout 为单次拨号的超时时间。
	DialTimeout time.Duration
	// DialAttempts 为拨号的最大尝试次数，重试间隔指数增长。
	DialAttempts uint

	WriteTimeout time.Duration
	// RequestTimeout 为请求未携带截止时间时使用的默认等待时间。
	RequestTimeout time.Duration

	// InboxSize 为 deliver/presence/kicked 等推送帧的缓冲大小。
	// 缓冲满时读协程阻塞，服务端投递队列随之积压。
	InboxSize int
}

func (o *Options) normalize() {
	if o.Codec == nil {
		o.Codec = codec.Default(0)
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.DialAttempts == 0 {
		o.DialAttempts = 3
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
}

// Dial 按 target 的形式选择传输层并返回 Client：
// "ws://" 或 "wss://" 前缀走 WebSocket，其余视为 TCP 地址。
func Dial(ctx context.Context, target string, opts Options) (*Client, error) {
	opts.normalize()

	var (
		conn net.Conn
		err  error
	)
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		conn, err = DialWS(ctx, target, opts)
	} else {
		conn, err = DialTCP(ctx, target, opts)
	}
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts), nil
}

// DialTCP 拨号 TCP，失败时按指数退避重试。
func DialTCP(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	opts.normalize()
	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}

	var conn net.Conn
	err := retry.Do(ctx, func() error {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.Ctx(ctx).Debug("dial tcp failed", zap.String("addr", addr), zap.Error(err))
			return merr.WrapErrIoFailed("dial "+addr, err)
		}
		conn = c
		return nil
	}, retry.Attempts(opts.DialAttempts), retry.Sleep(100*time.Millisecond), retry.MaxSleepTime(2*time.Second))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialWS 拨号 WebSocket，失败时按指数退避重试，返回的 net.Conn 每次 Write 发送一条二进制消息。
func DialWS(ctx context.Context, url string, opts Options) (net.Conn, error) {
	opts.normalize()
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: opts.DialTimeout,
	}

	var conn net.Conn
	err := retry.Do(ctx, func() error {
		ws, resp, err := dialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			log.Ctx(ctx).Debug("dial ws failed", zap.String("url", url), zap.Error(err))
			return merr.WrapErrIoFailed("dial "+url, err)
		}
		conn = wsconn.New(ws)
		return nil
	}, retry.Attempts(opts.DialAttempts), retry.Sleep(100*time.Millisecond), retry.MaxSleepTime(2*time.Second))
	if err != nil {
		return nil, err
	}
	return conn, nil
}
