package acceptor

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/internal/network"
	"github.com/lk2023060901/chatrelay-go/internal/network/wsconn"
	"github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/metrics"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// WSOption 配置 WSAcceptor。
type WSOption func(a *WSAcceptor)

// WithReadLimit 限制单条 WebSocket 消息的最大字节数。
func WithReadLimit(limit int64) WSOption {
	return func(a *WSAcceptor) {
		a.readLimit = limit
	}
}

// WithAllowedOrigins 限制浏览器来源，为空或包含 "*" 时不限制。
// 不携带 Origin 的非浏览器客户端总是放行。
func WithAllowedOrigins(origins ...string) WSOption {
	return func(a *WSAcceptor) {
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			if o == "*" {
				return
			}
			allowed[o] = struct{}{}
		}
		if len(allowed) == 0 {
			return
		}
		a.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

// WSAcceptor 在 HTTP 路径上接受 WebSocket 升级，每条升级后的连接
// 以 net.Conn 的形式交给 Handler，一条二进制消息承载一帧。
type WSAcceptor struct {
	ln        net.Listener
	path      string
	handler   Handler
	upgrader  websocket.Upgrader
	readLimit int64
	srv       *http.Server
	tracker   *connTracker

	baseCtx   context.Context
	closeOnce sync.Once
}

var _ Acceptor = (*WSAcceptor)(nil)

// NewWSAcceptor 在 addr 上监听，并在 path 上处理升级。
func NewWSAcceptor(addr, path string, h Handler, opts ...WSOption) (*WSAcceptor, error) {
	if addr == "" {
		return nil, merr.WrapErrParameterMissing("addr")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, merr.WrapErrIoFailed("listen "+addr, err)
	}
	a, err := NewWSAcceptorWithListener(ln, path, h, opts...)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return a, nil
}

// NewWSAcceptorWithListener 使用已有的 Listener 创建接入器。
func NewWSAcceptorWithListener(ln net.Listener, path string, h Handler, opts ...WSOption) (*WSAcceptor, error) {
	if ln == nil {
		return nil, merr.WrapErrParameterMissing("listener")
	}
	if h == nil {
		return nil, merr.WrapErrParameterMissing("handler")
	}
	if path == "" {
		path = "/ws"
	}
	a := &WSAcceptor{
		ln:      ln,
		path:    path,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		tracker: newConnTracker(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, a.serveHTTP)
	a.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Addr 实现 Acceptor.Addr。
func (a *WSAcceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Path 返回升级路径。
func (a *WSAcceptor) Path() string {
	return a.path
}

// Conns 实现 Acceptor.Conns。
func (a *WSAcceptor) Conns() int {
	return a.tracker.conns.Len()
}

// Serve 实现 Acceptor.Serve。
func (a *WSAcceptor) Serve(ctx context.Context) error {
	defer a.tracker.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.baseCtx = ctx

	stop := context.AfterFunc(ctx, func() { _ = a.Close() })
	defer stop()

	log.Info("ws acceptor serving", zap.Stringer("addr", a.ln.Addr()), zap.String("path", a.path))

	err := a.srv.Serve(a.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return merr.WrapErrIoFailed("serve ws", err)
}

func (a *WSAcceptor) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写出了错误响应。
		metrics.HandshakeFailures.WithLabelValues(string(network.StageUpgrade)).Inc()
		log.RatedWarn(1, "websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	if a.readLimit > 0 {
		ws.SetReadLimit(a.readLimit)
	}

	if a.tracker.serve(a.baseCtx, wsconn.New(ws), a.handler) {
		metrics.ConnectionsAccepted.WithLabelValues(TransportWS).Inc()
	}
}

// Close 实现 Acceptor.Close。
//
// 升级后的连接已脱离 http.Server 管理，由 Serve 退出前统一关闭。
func (a *WSAcceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.srv.Close()
	})
	return err
}
