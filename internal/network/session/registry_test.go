package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

type RegistrySuite struct {
	suite.Suite
	registry *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.registry = NewRegistry()
}

// newConn 返回一个已认证、对端被丢弃的连接，关闭时自动从 registry 移除。
func (s *RegistrySuite) newConn(identity string) *Connection {
	a, b := net.Pipe()
	c := NewConnection(context.Background(), a, testCodec, Options{})
	s.Require().NoError(c.Authenticate(identity))
	c.OnClose(func(c *Connection, _ error) {
		s.registry.Remove(c.Identity(), c)
	})
	s.T().Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c
}

func (s *RegistrySuite) TestRegisterLookup() {
	alice := s.newConn("alice")
	evicted, err := s.registry.Register("alice", alice)
	s.NoError(err)
	s.Nil(evicted)

	got, err := s.registry.Lookup("alice")
	s.NoError(err)
	s.Same(alice, got)
	s.Equal(1, s.registry.Count())

	_, err = s.registry.Lookup("bob")
	s.ErrorIs(err, merr.ErrSessionNotFound)
}

func (s *RegistrySuite) TestRegisterInvalid() {
	_, err := s.registry.Register("", s.newConn("x"))
	s.ErrorIs(err, merr.ErrParameterInvalid)
	_, err = s.registry.Register(protocol.Broadcast, s.newConn("y"))
	s.ErrorIs(err, merr.ErrParameterInvalid)
	_, err = s.registry.Register("z", nil)
	s.ErrorIs(err, merr.ErrParameterMissing)

	closed := s.newConn("w")
	_ = closed.Close()
	_, err = s.registry.Register("w", closed)
	s.ErrorIs(err, merr.ErrConnStateInvalid)
}

func (s *RegistrySuite) TestReloginEvictsOld() {
	first := s.newConn("alice")
	second := s.newConn("alice")

	_, err := s.registry.Register("alice", first)
	s.Require().NoError(err)
	evicted, err := s.registry.Register("alice", second)
	s.Require().NoError(err)

	s.Same(first, evicted)
	s.Equal(StateClosed, first.State())
	s.ErrorIs(first.Err(), merr.ErrSessionEvicted)
	s.Equal(StateAuthenticated, second.State())

	got, err := s.registry.Lookup("alice")
	s.NoError(err)
	s.Same(second, got)
	s.Equal(1, s.registry.Count())

	// 旧连接的关闭回调不会误删新绑定。
	s.False(s.registry.Remove("alice", first))
	_, err = s.registry.Lookup("alice")
	s.NoError(err)
}

func (s *RegistrySuite) TestEvictNotice() {
	registry := NewRegistry(WithEvictNotice(func(identity string, by Session) *protocol.Envelope {
		return &protocol.Envelope{Op: protocol.OpKicked, Recipient: identity}
	}))

	a, b := net.Pipe()
	first := NewConnection(context.Background(), a, testCodec, Options{})
	peer := NewConnection(context.Background(), b, testCodec, Options{})
	defer peer.Close()
	s.Require().NoError(first.Authenticate("alice"))
	_, err := registry.Register("alice", first)
	s.Require().NoError(err)

	received := make(chan *protocol.Envelope, 1)
	go func() {
		env, _ := peer.ReadEnvelope()
		received <- env
	}()

	second := s.newConn("alice")
	_, err = registry.Register("alice", second)
	s.Require().NoError(err)

	env := <-received
	s.Require().NotNil(env)
	s.Equal(protocol.OpKicked, env.Op)
	s.Equal("alice", env.Recipient)
}

func (s *RegistrySuite) TestRemove() {
	alice := s.newConn("alice")
	_, err := s.registry.Register("alice", alice)
	s.Require().NoError(err)

	s.False(s.registry.Remove("alice", s.newConn("alice")))
	s.True(s.registry.Remove("alice", alice))
	s.False(s.registry.Remove("alice", alice))
	s.Zero(s.registry.Count())

	_, err = s.registry.Lookup("alice")
	s.ErrorIs(err, merr.ErrSessionNotFound)
}

func (s *RegistrySuite) TestCloseRemoves() {
	alice := s.newConn("alice")
	_, err := s.registry.Register("alice", alice)
	s.Require().NoError(err)

	_ = alice.Close()
	_, err = s.registry.Lookup("alice")
	s.ErrorIs(err, merr.ErrSessionNotFound)
	s.Zero(s.registry.Count())
}

func (s *RegistrySuite) TestSnapshotAndOnline() {
	for _, id := range []string{"carol", "alice", "bob"} {
		_, err := s.registry.Register(id, s.newConn(id))
		s.Require().NoError(err)
	}

	snapshot := s.registry.Snapshot()
	s.Len(snapshot, 3)
	s.Equal([]string{"alice", "bob", "carol"}, s.registry.Online())

	// 快照不受之后的变更影响。
	bob, _ := s.registry.Lookup("bob")
	_ = bob.Close()
	s.Len(snapshot, 3)
	s.Equal([]string{"alice", "carol"}, s.registry.Online())

	visited := 0
	s.registry.Range(func(Session) bool {
		visited++
		return false
	})
	s.Equal(1, visited)
}

func (s *RegistrySuite) TestConcurrentRelogin() {
	const logins = 64
	conns := make([]*Connection, logins)
	for i := range conns {
		conns[i] = s.newConn("alice")
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.registry.Register("alice", c)
			s.NoError(err)
		}()
	}
	wg.Wait()

	live := 0
	for _, c := range conns {
		if c.State() == StateAuthenticated {
			live++
		}
	}
	s.Equal(1, live)
	s.Equal(1, s.registry.Count())

	got, err := s.registry.Lookup("alice")
	s.Require().NoError(err)
	s.Equal(StateAuthenticated, got.State())
}

func (s *RegistrySuite) TestConcurrentIdentities() {
	const identities = 32
	var wg sync.WaitGroup
	for i := 0; i < identities; i++ {
		id := fmt.Sprintf("user-%02d", i)
		c := s.newConn(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.registry.Register(id, c)
			s.NoError(err)
			_, err = s.registry.Lookup(id)
			s.NoError(err)
		}()
	}
	wg.Wait()
	s.Equal(identities, s.registry.Count())
	s.Len(s.registry.Online(), identities)
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
