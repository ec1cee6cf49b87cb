package chat

import (
	"context"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chatrelay-go/internal/network/codec"
	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/internal/network/session"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

func TestValidateIdentity(t *testing.T) {
	assert.NoError(t, ValidateIdentity("alice"))
	assert.NoError(t, ValidateIdentity("张三"))
	assert.NoError(t, ValidateIdentity(strings.Repeat("a", MaxIdentityLength)))

	assert.ErrorIs(t, ValidateIdentity(""), merr.ErrParameterMissing)
	assert.ErrorIs(t, ValidateIdentity(strings.Repeat("a", MaxIdentityLength+1)), merr.ErrParameterInvalid)
	assert.ErrorIs(t, ValidateIdentity(protocol.Broadcast), merr.ErrParameterInvalid)
	assert.ErrorIs(t, ValidateIdentity("al ice"), merr.ErrParameterInvalid)
	assert.ErrorIs(t, ValidateIdentity("bob\n"), merr.ErrParameterInvalid)
}

func TestSequencer(t *testing.T) {
	s := NewSequencer()
	assert.Equal(t, uint64(0), s.Last("alice"))
	assert.Equal(t, uint64(1), s.Next("alice"))
	assert.Equal(t, uint64(2), s.Next("alice"))
	assert.Equal(t, uint64(1), s.Next("bob"))
	assert.Equal(t, uint64(2), s.Last("alice"))
}

type RouterSuite struct {
	suite.Suite
	registry *session.Registry
	router   *Router
	codec    codec.Codec
}

func (s *RouterSuite) SetupTest() {
	s.registry = session.NewRegistry()
	s.router = NewRouter(s.registry)
	s.codec = codec.Default(0)
}

// online 注册一个不启动写协程的连接，投递的帧停留在队列中。
func (s *RouterSuite) online(identity string, queueSize int) *session.Connection {
	a, b := net.Pipe()
	c := session.NewConnection(context.Background(), a, s.codec, session.Options{QueueSize: queueSize})
	s.Require().NoError(c.Authenticate(identity))
	c.OnClose(func(c *session.Connection, _ error) {
		s.registry.Remove(c.Identity(), c)
	})
	_, err := s.registry.Register(identity, c)
	s.Require().NoError(err)
	s.T().Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c
}

// queued 取出连接队列中的全部帧。
func queued(c *session.Connection) []*protocol.Envelope {
	var out []*protocol.Envelope
	if c.Queue().Len() == 0 {
		return out
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = c.Queue().Drain(ctx, func(env *protocol.Envelope) error {
		out = append(out, env)
		if c.Queue().Len() == 0 {
			cancel()
		}
		return nil
	})
	return out
}

func text(sender, recipient, body string) *Message {
	return &Message{Sender: sender, Recipient: recipient, Kind: protocol.KindText, Payload: []byte(body)}
}

func (s *RouterSuite) TestDirect() {
	s.online("alice", 8)
	bob := s.online("bob", 8)

	res, err := s.router.Publish(context.Background(), text("alice", "bob", "hi"))
	s.Require().NoError(err)
	s.Equal(uint64(1), res.Seq)
	s.Equal([]Identity{"bob"}, res.Delivered)

	envs := queued(bob)
	s.Require().Len(envs, 1)
	s.Equal(protocol.OpDeliver, envs[0].Op)
	s.Equal("alice", envs[0].Sender)
	s.Equal("bob", envs[0].Recipient)
	s.Equal(uint64(1), envs[0].Seq)
	s.Equal("hi", string(envs[0].Payload))
	s.NotZero(envs[0].Timestamp)
}

func (s *RouterSuite) TestDirectOffline() {
	s.online("alice", 8)

	res, err := s.router.Publish(context.Background(), text("alice", "zed", "anyone?"))
	s.ErrorIs(err, merr.ErrRouteRecipientOffline)
	s.True(merr.IsRetryableErr(err))
	s.Equal([]Identity{"zed"}, res.Offline)
	s.Empty(res.Delivered)

	// 序号已经被占用，不会复用。
	res, _ = s.router.Publish(context.Background(), text("alice", "zed", "again"))
	s.Equal(uint64(2), res.Seq)
}

func (s *RouterSuite) TestBroadcastAudience() {
	s.online("alice", 8)
	recipients := []*session.Connection{s.online("bob", 8), s.online("carol", 8), s.online("dave", 8)}

	msg := &Message{
		Sender:    "alice",
		Recipient: protocol.Broadcast,
		Audience:  []Identity{"bob", "carol", "dave", "erin", "bob"},
		Kind:      protocol.KindText,
		Payload:   []byte("hello all"),
	}
	res, err := s.router.Publish(context.Background(), msg)
	s.Require().NoError(err)
	s.Equal([]Identity{"bob", "carol", "dave"}, res.Delivered)
	s.Equal([]Identity{"erin"}, res.Offline)
	s.Empty(res.Failed)

	for _, c := range recipients {
		envs := queued(c)
		s.Require().Len(envs, 1)
		s.Equal(protocol.Broadcast, envs[0].Recipient)
	}
}

func (s *RouterSuite) TestBroadcastAllExcludesSender() {
	alice := s.online("alice", 8)
	s.online("bob", 8)
	s.online("carol", 8)

	res, err := s.router.Publish(context.Background(), &Message{
		Sender: "alice", Recipient: protocol.Broadcast, Kind: protocol.KindText,
	})
	s.Require().NoError(err)
	s.Equal([]Identity{"bob", "carol"}, res.Delivered)
	s.Empty(queued(alice))
}

func (s *RouterSuite) TestQueueFull() {
	s.online("alice", 8)
	bob := s.online("bob", 1)

	_, err := s.router.Publish(context.Background(), text("alice", "bob", "1"))
	s.Require().NoError(err)

	res, err := s.router.Publish(context.Background(), text("alice", "bob", "2"))
	s.ErrorIs(err, merr.ErrConnQueueFull)
	s.Equal([]Identity{"bob"}, res.FailedIdentities())
	s.Equal(session.StateClosed, bob.State())

	// 连接关闭后从 registry 移除，之后的消息视为离线。
	_, err = s.router.Publish(context.Background(), text("alice", "bob", "3"))
	s.ErrorIs(err, merr.ErrRouteRecipientOffline)
}

func (s *RouterSuite) TestPresenceRoute() {
	s.online("alice", 8)
	bob := s.online("bob", 8)

	res, err := s.router.Route(context.Background(), &Message{
		Sender:    "alice",
		Recipient: protocol.Broadcast,
		Kind:      protocol.KindPresence,
		Payload:   []byte(`{"identity":"alice","status":"online"}`),
	})
	s.Require().NoError(err)
	s.Equal(uint64(0), res.Seq)

	envs := queued(bob)
	s.Require().Len(envs, 1)
	s.Equal(protocol.OpPresence, envs[0].Op)
	s.Equal(uint64(0), s.router.Sequencer().Last("alice"))
}

func (s *RouterSuite) TestInvalidMessage() {
	s.online("alice", 8)
	cases := []*Message{
		{Sender: "", Recipient: "bob", Kind: protocol.KindText},
		{Sender: "alice", Recipient: "", Kind: protocol.KindText},
		{Sender: "alice", Recipient: "bob", Kind: "sticker"},
		{Sender: "alice", Recipient: "bob", Kind: protocol.KindPresence},
		{Sender: "alice", Recipient: "bob", Audience: []string{"carol"}, Kind: protocol.KindText},
		{Sender: "alice", Recipient: protocol.Broadcast, Audience: []string{"bad id"}, Kind: protocol.KindText},
	}
	for _, msg := range cases {
		_, err := s.router.Publish(context.Background(), msg)
		s.True(errors.IsAny(err, merr.ErrParameterInvalid, merr.ErrParameterMissing), "%+v: %v", msg, err)
	}
	s.Equal(uint64(0), s.router.Sequencer().Last("alice"))
}

func (s *RouterSuite) TestConcurrentSequence() {
	const senders, perSender = 8, 100
	s.online("alice", 8)
	bob := s.online("bob", senders*perSender)

	var (
		mu   sync.Mutex
		seqs []uint64
		wg   sync.WaitGroup
	)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				res, err := s.router.Publish(context.Background(), text("alice", "bob", "x"))
				if !s.NoError(err) {
					return
				}
				mu.Lock()
				seqs = append(seqs, res.Seq)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 无空洞、无重复。
	slices.Sort(seqs)
	s.Require().Len(seqs, senders*perSender)
	for i, seq := range seqs {
		s.Equal(uint64(i+1), seq)
	}

	// 收件人看到的顺序与序号顺序一致。
	envs := queued(bob)
	s.Require().Len(envs, senders*perSender)
	for i, env := range envs {
		s.Equal(uint64(i+1), env.Seq)
	}
}

func TestRouter(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func TestMessageFromEnvelope(t *testing.T) {
	msg := FromEnvelope("alice", &protocol.Envelope{
		Op:        protocol.OpSend,
		Sender:    "mallory",
		Recipient: "bob",
		Seq:       99,
		Payload:   []byte("hi"),
	})
	require.NoError(t, msg.Validate())
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, protocol.KindText, msg.Kind)
	assert.Zero(t, msg.Seq)
}
