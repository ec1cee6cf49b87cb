package server

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/internal/auth"
	"github.com/lk2023060901/chatrelay-go/internal/chat"
	"github.com/lk2023060901/chatrelay-go/internal/network"
	"github.com/lk2023060901/chatrelay-go/internal/network/acceptor"
	"github.com/lk2023060901/chatrelay-go/internal/network/codec"
	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/internal/network/router"
	"github.com/lk2023060901/chatrelay-go/internal/network/session"
	"github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/metrics"
	"github.com/lk2023060901/chatrelay-go/pkg/util/conc"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
	"github.com/lk2023060901/chatrelay-go/pkg/util/typeutil"
)

// Version 为服务端版本，随 login_ack 下发。
const Version = "1.0.0"

// DefaultHandshakeTimeout 为等待 login 帧的默认时间。
const DefaultHandshakeTimeout = 10 * time.Second

// Options 为 Server 的参数。
type Options struct {
	Session          session.Options
	HandshakeTimeout time.Duration
}

// Server 负责单条连接从握手到关闭的全过程，并把 send 帧交给 chat.Router。
type Server struct {
	opts       Options
	codec      codec.Codec
	auth       *auth.Authenticator
	registry   *session.Registry
	chat       *chat.Router
	dispatcher router.Router

	// announced 为最近一次广播为 online 的身份。
	announced *typeutil.ConcurrentSet[string]
}

var _ acceptor.Handler = (*Server)(nil)

func New(c codec.Codec, authn *auth.Authenticator, opts Options) (*Server, error) {
	if c == nil {
		return nil, merr.WrapErrParameterMissing("codec")
	}
	if authn == nil {
		return nil, merr.WrapErrParameterMissing("authenticator")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	s := &Server{
		opts:       opts,
		codec:      c,
		auth:       authn,
		dispatcher: router.New(c.Serializer()),
		announced:  typeutil.NewConcurrentSet[string](),
	}
	s.registry = session.NewRegistry(session.WithEvictNotice(s.kickedEnvelope))
	s.chat = chat.NewRouter(s.registry)
	if err := s.registerRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Registry 返回在线表。
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Router 返回消息路由器。
func (s *Server) Router() *chat.Router {
	return s.chat
}

// ServeConn 实现 acceptor.Handler。
//
// 流程：
//  1. 在握手超时内读取 login 帧并校验；
//  2. 绑定身份并加入在线表，替换同一身份的旧连接；
//  3. 同步写出 login_ack，之后启动写协程；
//  4. 当前协程依次读取帧并分发，直到连接关闭。
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	conn := session.NewConnection(ctx, nc, s.codec, s.opts.Session)
	defer func() { _ = conn.Close() }()

	conn.SetLogger(conn.Logger().With(zap.Stringer("remote", nc.RemoteAddr())))

	req, id, err := s.handshake(conn)
	if err != nil {
		s.rejectHandshake(conn, req, err)
		return
	}

	if err := conn.Authenticate(id.Name); err != nil {
		s.rejectHandshake(conn, req, network.WithStage(network.StageRegister, err))
		return
	}
	conn.OnClose(s.onClose)

	evicted, err := s.registry.Register(id.Name, conn)
	if err != nil {
		s.rejectHandshake(conn, req, network.WithStage(network.StageRegister, err))
		return
	}
	metrics.SessionsOnline.Set(float64(s.registry.Count()))

	if err := s.sendLoginAck(conn, req, id); err != nil {
		conn.Logger().Debug("write login ack failed", zap.Error(err))
		return
	}
	conn.Logger().Info("session online", zap.Bool("relogin", evicted != nil))

	s.announce(conn.Context(), id.Name)

	writer := conc.Go(func() (struct{}, error) {
		return struct{}{}, conn.WriteLoop()
	})

	for env := range conn.Receive() {
		if err := s.dispatcher.Handle(conn.Context(), conn, env); err != nil {
			conn.Logger().RatedDebug(10, "handle envelope failed", zap.Stringer("op", env.Op), zap.Error(err))
		}
	}

	_ = conn.Close()
	_, _ = writer.Await()
}

// handshake 读取并校验 login 帧，返回原始请求帧与认证结果。
func (s *Server) handshake(conn *session.Connection) (*protocol.Envelope, *auth.Identity, error) {
	env, err := conn.ReadEnvelopeWithin(s.opts.HandshakeTimeout)
	if err != nil {
		stage := network.StageRead
		if errors.IsAny(err, merr.ErrIoDecode, merr.ErrConnFrameTooLarge) {
			stage = network.StageDecode
		}
		return nil, nil, network.WithStage(stage, err)
	}
	if env.Op != protocol.OpLogin {
		return env, nil, network.WithStage(network.StageAuth,
			merr.WrapErrPrivilegeNotAuthenticated("first frame is %s, expected login", env.Op))
	}

	req := &protocol.LoginRequest{}
	if err := s.codec.Serializer().Unmarshal(env.Payload, req); err != nil {
		return env, nil, network.WithStage(network.StageDecode, merr.WrapErrIoDecode(err, env.Op.String()))
	}

	ctx, cancel := context.WithTimeout(conn.Context(), s.opts.HandshakeTimeout)
	defer cancel()
	id, err := s.auth.Authenticate(ctx, req)
	if err != nil {
		return env, nil, network.WithStage(network.StageAuth, err)
	}
	return env, id, nil
}

// rejectHandshake 尽力回写 error 帧后关闭连接。
func (s *Server) rejectHandshake(conn *session.Connection, req *protocol.Envelope, err error) {
	stage := network.StageOf(err)
	metrics.HandshakeFailures.WithLabelValues(string(stage)).Inc()
	log.RatedInfo(1, "handshake rejected",
		zap.String("conn", conn.ID()),
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.String("stage", string(stage)),
		zap.Error(err))

	if stage != network.StageRead && conn.State() < session.StateClosing {
		_ = conn.Send(router.ErrorEnvelope(s.codec.Serializer(), req, err))
	}
	conn.CloseWithError(err)
}

func (s *Server) sendLoginAck(conn *session.Connection, req *protocol.Envelope, id *auth.Identity) error {
	resp := &protocol.LoginResponse{
		Identity:      id.Name,
		Token:         id.Token,
		ServerVersion: Version,
		Online:        s.registry.Online(),
	}
	if !id.ExpiresAt.IsZero() {
		resp.ExpiresAt = id.ExpiresAt.UnixMilli()
	}
	payload, err := s.codec.Serializer().Marshal(resp)
	if err != nil {
		return merr.WrapErrIoEncode(err, protocol.OpLoginAck.String())
	}
	return conn.Send(&protocol.Envelope{
		Op:        protocol.OpLoginAck,
		ReqID:     req.ReqID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
}

// onClose 在连接关闭后执行：只有仍是在线表中的当前连接才会被移除并广播下线。
func (s *Server) onClose(conn *session.Connection, cause error) {
	identity := conn.Identity()
	if identity == "" || !s.registry.Remove(identity, conn) {
		return
	}
	metrics.SessionsOnline.Set(float64(s.registry.Count()))
	log.Info("session offline", zap.String("identity", identity), zap.String("conn", conn.ID()),
		zap.String("reason", session.CloseReason(cause)))

	// 回调运行在关闭流程内，投递可能触发其他连接关闭，放到独立协程中执行。
	_ = conc.Go(func() (struct{}, error) {
		s.announce(context.Background(), identity)
		return struct{}{}, nil
	})
}

// announce 在 identity 的发送者锁内比对在线表与上次广播的状态，有变化时广播 presence。
//
// 上线与下线事件可能乱序到达，这里只广播在线表的当前状态，
// 因此同一身份的 presence 交替出现，最后一条与在线表一致；重新登录不产生 presence。
func (s *Server) announce(ctx context.Context, identity string) {
	s.chat.Sequencer().Locked(identity, func() {
		_, err := s.registry.Lookup(identity)
		online := err == nil
		if online == s.announced.Contain(identity) {
			return
		}
		status := protocol.PresenceOffline
		if online {
			status = protocol.PresenceOnline
		}
		s.publishPresence(ctx, identity, status)
		if online {
			s.announced.Insert(identity)
		} else {
			s.announced.Remove(identity)
		}
	})
}

// publishPresence 向其他在线身份广播 identity 的上下线，不占用发送者序号。
func (s *Server) publishPresence(ctx context.Context, identity string, status protocol.PresenceStatus) {
	payload, err := s.codec.Serializer().Marshal(&protocol.Presence{Identity: identity, Status: status})
	if err != nil {
		log.Warn("marshal presence failed", zap.Error(err))
		return
	}
	_, _ = s.chat.Route(ctx, &chat.Message{
		Sender:    identity,
		Recipient: protocol.Broadcast,
		Kind:      protocol.KindPresence,
		Payload:   payload,
	})
}

func (s *Server) kickedEnvelope(identity string, by session.Session) *protocol.Envelope {
	reason := "logged in elsewhere"
	if addr := by.RemoteAddr(); addr != nil {
		reason += " (" + addr.String() + ")"
	}
	payload, err := s.codec.Serializer().Marshal(&protocol.Kicked{Reason: reason})
	if err != nil {
		return nil
	}
	return &protocol.Envelope{
		Op:        protocol.OpKicked,
		Recipient: identity,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}
