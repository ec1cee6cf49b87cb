package router

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/internal/network/serializer"
	"github.com/lk2023060901/chatrelay-go/internal/network/session"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// Handler 是暴露给业务层的通用处理函数签名。
//
// 说明：
//   - sess：当前会话，已通过认证；
//   - env ：原始请求帧，Payload 为明文；
//   - req ：已经反序列化的请求对象，具体类型由 Route.NewRequest 决定；NewRequest 为 nil 时为 nil；
//   - 返回：
//   - resp：可选的响应对象，为 nil 时不自动发送响应；
//   - err ：处理失败时的错误，由 Router 转换为 error 帧。
type Handler func(ctx context.Context, sess session.Session, env *protocol.Envelope, req any) (resp any, err error)

// Route 描述一条路由规则：请求协议号 -> 请求类型 + 业务 Handler + 响应协议号。
type Route struct {
	// NewRequest 用于创建一个空的请求对象实例，必须返回指针。
	// 为 nil 时不解析 payload，Handler 直接读取 env。
	NewRequest func() any

	// Handler 为业务层实现的处理函数。
	Handler Handler

	// RespOp 为响应消息使用的协议号。
	//
	// 说明：
	//   - 当 RespOp 为 0 时，Router 不会根据 Handler 返回值自动发送响应；
	//   - 当 RespOp 非 0 且 Handler 返回非 nil 的 resp 时，
	//     Router 会构造带相同 ReqID 的响应帧并通过 sess.Deliver 投递。
	RespOp protocol.Op
}

// Router 维护协议号到路由规则的映射，并负责从“已解码帧”到业务 Handler 的调度。
//
// 典型调用链（服务器侧）：
//  1. 读协程通过 Connection.Receive 得到 Envelope；
//  2. 调用 Router.Handle(ctx, sess, env)；
//  3. Router 根据 env.Op 找到 Route，反序列化 payload，调用 Handler；
//  4. 成功时投递 RespOp 响应，失败时投递 error 帧。
//
// Register 只允许在启动阶段调用，Handle 可并发调用。
type Router interface {
	// Register 为协议号 op 注册一条路由规则，同一协议号不允许重复注册。
	Register(op protocol.Op, route Route) error

	// Handle 处理一条已经解析出的消息。
	//
	// 返回值为 Handler 或投递响应时的错误，error 帧已经在返回前投递给 sess。
	Handle(ctx context.Context, sess session.Session, env *protocol.Envelope) error
}

// defaultRouter 是 Router 接口的基础实现。
type defaultRouter struct {
	ser    serializer.Serializer
	routes map[protocol.Op]Route
}

var _ Router = (*defaultRouter)(nil)

// New 创建一个基于给定 Serializer 的 Router 实例。
func New(ser serializer.Serializer) Router {
	return &defaultRouter{
		ser:    ser,
		routes: make(map[protocol.Op]Route),
	}
}

// Register 实现 Router.Register。
func (r *defaultRouter) Register(op protocol.Op, route Route) error {
	if op == 0 {
		return merr.WrapErrParameterInvalidMsg("router: op must not be 0")
	}
	if route.Handler == nil {
		return merr.WrapErrParameterMissing("handler", op.String())
	}
	if _, exists := r.routes[op]; exists {
		return merr.WrapErrParameterInvalidMsg("router: op %s already registered", op)
	}
	r.routes[op] = route
	return nil
}

// Handle 实现 Router.Handle。
func (r *defaultRouter) Handle(ctx context.Context, sess session.Session, env *protocol.Envelope) error {
	if sess == nil || env == nil {
		return merr.WrapErrParameterMissing("session or envelope")
	}

	err := r.handle(ctx, sess, env)
	if err == nil {
		return nil
	}
	// 连接已关闭时不再回写。
	if errors.Is(err, merr.ErrConnClosed) || sess.State() >= session.StateClosing {
		return err
	}
	if derr := sess.Deliver(ErrorEnvelope(r.ser, env, err)); derr != nil {
		return merr.Combine(err, derr)
	}
	return err
}

func (r *defaultRouter) handle(ctx context.Context, sess session.Session, env *protocol.Envelope) error {
	if sess.State() != session.StateAuthenticated {
		return merr.WrapErrPrivilegeNotAuthenticated("op %s before login", env.Op)
	}

	route, ok := r.routes[env.Op]
	if !ok {
		return merr.WrapErrRouteUnknownOp(env.Op)
	}

	// 1. 构造请求对象并反序列化。
	var req any
	if route.NewRequest != nil {
		req = route.NewRequest()
		if len(env.Payload) > 0 {
			if err := r.ser.Unmarshal(env.Payload, req); err != nil {
				return merr.WrapErrIoDecode(err, env.Op.String())
			}
		}
	}

	// 2. 调用业务 Handler。
	resp, err := route.Handler(ctx, sess, env, req)
	if err != nil {
		return err
	}

	// 3. 根据路由规则决定是否自动发送响应。
	if route.RespOp == 0 || resp == nil {
		return nil
	}
	payload, err := r.ser.Marshal(resp)
	if err != nil {
		return merr.WrapErrIoEncode(err, route.RespOp.String())
	}
	return sess.Deliver(&protocol.Envelope{
		Op:        route.RespOp,
		ReqID:     env.ReqID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
}

// ErrorEnvelope 构造对 req 的 error 帧。
func ErrorEnvelope(ser serializer.Serializer, req *protocol.Envelope, err error) *protocol.Envelope {
	resp := &protocol.ErrorResponse{Status: merr.ToStatus(err)}
	var reqID uint64
	if req != nil {
		resp.Op = req.Op
		reqID = req.ReqID
	}
	payload, _ := ser.Marshal(resp)
	return &protocol.Envelope{
		Op:        protocol.OpError,
		ReqID:     reqID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}
