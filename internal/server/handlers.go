package server

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chatrelay-go/internal/chat"
	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/internal/network/router"
	"github.com/lk2023060901/chatrelay-go/internal/network/session"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

func (s *Server) registerRoutes() error {
	routes := map[protocol.Op]router.Route{
		protocol.OpLogin: {
			Handler: s.handleRelogin,
		},
		protocol.OpSend: {
			Handler: s.handleSend,
			RespOp:  protocol.OpSendAck,
		},
		protocol.OpPing: {
			NewRequest: func() any { return &protocol.Ping{} },
			Handler:    s.handlePing,
			RespOp:     protocol.OpPong,
		},
		protocol.OpWho: {
			NewRequest: func() any { return &protocol.WhoRequest{} },
			Handler:    s.handleWho,
			RespOp:     protocol.OpWhoAck,
		},
		protocol.OpLogout: {
			NewRequest: func() any { return &protocol.LogoutRequest{} },
			Handler:    s.handleLogout,
		},
	}
	for op, route := range routes {
		if err := s.dispatcher.Register(op, route); err != nil {
			return err
		}
	}
	return nil
}

// handleSend 为发送者分配序号并路由，路由结果通过 send_ack 返回。
// 收件人不在线等路由错误放在 ack.Status 中；消息本身不合法时返回 error 帧。
func (s *Server) handleSend(ctx context.Context, sess session.Session, env *protocol.Envelope, _ any) (any, error) {
	msg := chat.FromEnvelope(sess.Identity(), env)
	res, err := s.chat.Publish(ctx, msg)
	if res == nil {
		return nil, err
	}
	return &protocol.SendAck{
		Seq:       res.Seq,
		Delivered: res.Delivered,
		Offline:   res.Offline,
		Failed:    res.FailedIdentities(),
		Status:    merr.ToStatus(err),
	}, nil
}

func (s *Server) handlePing(_ context.Context, _ session.Session, _ *protocol.Envelope, req any) (any, error) {
	ping := req.(*protocol.Ping)
	return &protocol.Pong{Nonce: ping.Nonce, ServerTime: time.Now().UnixMilli()}, nil
}

func (s *Server) handleWho(context.Context, session.Session, *protocol.Envelope, any) (any, error) {
	return &protocol.WhoResponse{Online: s.registry.Online()}, nil
}

func (s *Server) handleLogout(_ context.Context, sess session.Session, _ *protocol.Envelope, _ any) (any, error) {
	sess.CloseWithError(errors.Wrapf(merr.ErrSessionLogout, "identity=%s", sess.Identity()))
	return nil, nil
}

func (s *Server) handleRelogin(_ context.Context, sess session.Session, _ *protocol.Envelope, _ any) (any, error) {
	return nil, merr.WrapErrConnStateInvalid(sess.ID(), session.StateConnecting, sess.State())
}
