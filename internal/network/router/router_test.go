package router

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/internal/network/serializer"
	"github.com/lk2023060901/chatrelay-go/internal/network/session"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

type fakeSession struct {
	mu        sync.Mutex
	state     session.State
	delivered []*protocol.Envelope
}

func (s *fakeSession) ID() string                    { return "fake" }
func (s *fakeSession) Identity() string              { return "alice" }
func (s *fakeSession) State() session.State          { return s.state }
func (s *fakeSession) Context() context.Context      { return context.Background() }
func (s *fakeSession) RemoteAddr() net.Addr          { return nil }
func (s *fakeSession) LocalAddr() net.Addr           { return nil }
func (s *fakeSession) Send(*protocol.Envelope) error { return nil }
func (s *fakeSession) Close() error                  { s.state = session.StateClosed; return nil }
func (s *fakeSession) CloseWithError(error)          { s.state = session.StateClosed }
func (s *fakeSession) CloseWithNotice(*protocol.Envelope, error) {
	s.state = session.StateClosed
}

func (s *fakeSession) Deliver(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, env)
	return nil
}

func (s *fakeSession) last(t *testing.T) *protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.delivered)
	return s.delivered[len(s.delivered)-1]
}

func newTestRouter(t *testing.T) Router {
	r := New(serializer.JSONSerializer{})
	require.NoError(t, r.Register(protocol.OpPing, Route{
		NewRequest: func() any { return &protocol.Ping{} },
		Handler: func(_ context.Context, _ session.Session, _ *protocol.Envelope, req any) (any, error) {
			return &protocol.Pong{Nonce: req.(*protocol.Ping).Nonce}, nil
		},
		RespOp: protocol.OpPong,
	}))
	require.NoError(t, r.Register(protocol.OpLogout, Route{
		Handler: func(context.Context, session.Session, *protocol.Envelope, any) (any, error) {
			return nil, errors.Wrap(merr.ErrServiceUnimplemented, "logout")
		},
	}))
	return r
}

func decodeError(t *testing.T, env *protocol.Envelope) *protocol.ErrorResponse {
	require.Equal(t, protocol.OpError, env.Op)
	resp := &protocol.ErrorResponse{}
	require.NoError(t, serializer.JSONSerializer{}.Unmarshal(env.Payload, resp))
	return resp
}

func TestRouter_Register(t *testing.T) {
	r := newTestRouter(t)
	assert.ErrorIs(t, r.Register(0, Route{}), merr.ErrParameterInvalid)
	assert.ErrorIs(t, r.Register(protocol.OpWho, Route{}), merr.ErrParameterMissing)
	assert.ErrorIs(t, r.Register(protocol.OpPing, Route{
		Handler: func(context.Context, session.Session, *protocol.Envelope, any) (any, error) { return nil, nil },
	}), merr.ErrParameterInvalid)
}

func TestRouter_Response(t *testing.T) {
	r := newTestRouter(t)
	sess := &fakeSession{state: session.StateAuthenticated}

	err := r.Handle(context.Background(), sess, &protocol.Envelope{
		Op:      protocol.OpPing,
		ReqID:   9,
		Payload: []byte(`{"nonce":77}`),
	})
	require.NoError(t, err)

	env := sess.last(t)
	assert.Equal(t, protocol.OpPong, env.Op)
	assert.Equal(t, uint64(9), env.ReqID)

	pong := &protocol.Pong{}
	require.NoError(t, serializer.JSONSerializer{}.Unmarshal(env.Payload, pong))
	assert.Equal(t, uint64(77), pong.Nonce)
}

func TestRouter_Errors(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	t.Run("not authenticated", func(t *testing.T) {
		sess := &fakeSession{state: session.StateConnecting}
		err := r.Handle(ctx, sess, &protocol.Envelope{Op: protocol.OpPing, ReqID: 1})
		assert.ErrorIs(t, err, merr.ErrPrivilegeNotAuthenticated)
		resp := decodeError(t, sess.last(t))
		assert.Equal(t, merr.Code(merr.ErrPrivilegeNotAuthenticated), resp.Status.Code)
		assert.Equal(t, protocol.OpPing, resp.Op)
	})

	t.Run("unknown op", func(t *testing.T) {
		sess := &fakeSession{state: session.StateAuthenticated}
		err := r.Handle(ctx, sess, &protocol.Envelope{Op: 99, ReqID: 2})
		assert.ErrorIs(t, err, merr.ErrRouteUnknownOp)
		env := sess.last(t)
		assert.Equal(t, uint64(2), env.ReqID)
		assert.Equal(t, merr.Code(merr.ErrRouteUnknownOp), decodeError(t, env).Status.Code)
	})

	t.Run("bad payload", func(t *testing.T) {
		sess := &fakeSession{state: session.StateAuthenticated}
		err := r.Handle(ctx, sess, &protocol.Envelope{Op: protocol.OpPing, Payload: []byte("{")})
		assert.ErrorIs(t, err, merr.ErrIoDecode)
	})

	t.Run("handler error", func(t *testing.T) {
		sess := &fakeSession{state: session.StateAuthenticated}
		err := r.Handle(ctx, sess, &protocol.Envelope{Op: protocol.OpLogout})
		assert.ErrorIs(t, err, merr.ErrServiceUnimplemented)
		assert.Equal(t, merr.Code(merr.ErrServiceUnimplemented), decodeError(t, sess.last(t)).Status.Code)
	})

	t.Run("closed session", func(t *testing.T) {
		sess := &fakeSession{state: session.StateClosed}
		err := r.Handle(ctx, sess, &protocol.Envelope{Op: protocol.OpPing})
		assert.Error(t, err)
		assert.Empty(t, sess.delivered)
	})
}
