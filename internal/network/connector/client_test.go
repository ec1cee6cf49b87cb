package connector

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chatrelay-go/internal/network/codec"
	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// fakeServer 在 net.Pipe 的另一端按 handle 应答。
type fakeServer struct {
	t     *testing.T
	conn  net.Conn
	codec codec.Codec
}

func newFakeServer(t *testing.T, handle func(s *fakeServer, env *protocol.Envelope)) *Client {
	client, server := net.Pipe()
	s := &fakeServer{t: t, conn: server, codec: codec.Default(0)}
	go func() {
		r := bufio.NewReader(server)
		for {
			env, err := s.codec.Decode(r)
			if err != nil {
				return
			}
			handle(s, env)
		}
	}()
	c := NewClient(client, Options{RequestTimeout: 2 * time.Second})
	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})
	return c
}

func (s *fakeServer) reply(req *protocol.Envelope, op protocol.Op, v any) {
	payload, err := s.codec.Serializer().Marshal(v)
	require.NoError(s.t, err)
	s.write(&protocol.Envelope{Op: op, ReqID: req.ReqID, Payload: payload})
}

func (s *fakeServer) write(env *protocol.Envelope) {
	_ = s.codec.Encode(s.conn, env)
}

func TestClientLogin(t *testing.T) {
	c := newFakeServer(t, func(s *fakeServer, env *protocol.Envelope) {
		req := &protocol.LoginRequest{}
		require.NoError(t, s.codec.Serializer().Unmarshal(env.Payload, req))
		assert.Equal(t, protocol.OpLogin, env.Op)
		assert.Len(t, req.Credential, 64)
		s.reply(env, protocol.OpLoginAck, &protocol.LoginResponse{Identity: req.Identity, Token: "tok"})
	})

	resp, err := c.Login(context.Background(), "alice", "secret", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "alice", resp.Identity)
	assert.Equal(t, "alice", c.Identity())
	assert.Equal(t, "tok", c.Token())
}

func TestClientErrorFrame(t *testing.T) {
	c := newFakeServer(t, func(s *fakeServer, env *protocol.Envelope) {
		s.reply(env, protocol.OpError, &protocol.ErrorResponse{
			Op:     env.Op,
			Status: merr.ToStatus(merr.WrapErrAuthFailed("alice")),
		})
	})

	_, err := c.Login(context.Background(), "alice", "wrong", "1.0.0")
	assert.ErrorIs(t, err, merr.ErrAuthFailed)
}

func TestClientSendAckStatus(t *testing.T) {
	c := newFakeServer(t, func(s *fakeServer, env *protocol.Envelope) {
		assert.Equal(t, "bob", env.Recipient)
		assert.Equal(t, []byte("hi"), env.Payload)
		s.reply(env, protocol.OpSendAck, &protocol.SendAck{
			Seq:     1,
			Offline: []string{"bob"},
			Status:  merr.ToStatus(merr.WrapErrRouteRecipientOffline("bob")),
		})
	})

	ack, err := c.Send(context.Background(), "bob", protocol.KindText, []byte("hi"))
	assert.ErrorIs(t, err, merr.ErrRouteRecipientOffline)
	require.NotNil(t, ack)
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Equal(t, []string{"bob"}, ack.Offline)
}

func TestClientPushAndReplyInterleaved(t *testing.T) {
	c := newFakeServer(t, func(s *fakeServer, env *protocol.Envelope) {
		// 推送帧先于应答到达。
		s.write(&protocol.Envelope{Op: protocol.OpDeliver, Seq: 7, Sender: "bob", Payload: []byte("yo")})
		s.reply(env, protocol.OpWhoAck, &protocol.WhoResponse{Online: []string{"alice", "bob"}})
	})

	online, err := c.Who(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, online)

	select {
	case env := <-c.Messages():
		assert.Equal(t, protocol.OpDeliver, env.Op)
		assert.Equal(t, uint64(7), env.Seq)
	case <-time.After(time.Second):
		t.Fatal("no push")
	}
}

func TestClientRequestTimeout(t *testing.T) {
	c := newFakeServer(t, func(*fakeServer, *protocol.Envelope) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Who(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientServerClose(t *testing.T) {
	c := newFakeServer(t, func(s *fakeServer, env *protocol.Envelope) {
		_ = s.conn.Close()
	})

	_, err := c.Ping(context.Background())
	assert.Error(t, err)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not closed")
	}
	_, ok := <-c.Messages()
	assert.False(t, ok)
}

func TestDialTCPFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = DialTCP(context.Background(), addr, Options{DialAttempts: 2, DialTimeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, merr.ErrIoFailed)
}
