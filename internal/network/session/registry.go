package session

import (
	"slices"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// slot 为单个 Identity 的临界区。
// dead 置位后 slot 已从 map 中摘除，持有者需要重新获取。
type slot struct {
	mu   sync.Mutex
	sess Session
	dead bool
}

// RegistryOption 配置 Registry。
type RegistryOption func(r *Registry)

// WithEvictNotice 设置旧连接被踢下线前收到的告知帧。
func WithEvictNotice(fn func(identity string, by Session) *protocol.Envelope) RegistryOption {
	return func(r *Registry) {
		r.evictNotice = fn
	}
}

// Registry 为 SessionManager 的内存实现。
//
// 锁的层次：
//   - mu 只保护 slots 这张表，持有时间为一次 map 读写；
//   - 每个 Identity 的 Register/Remove/Lookup 在各自 slot.mu 内串行；
//   - 关闭被替换的旧连接发生在所有锁之外。
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*slot
	count atomic.Int64

	evictNotice func(identity string, by Session) *protocol.Envelope
}

var _ SessionManager = (*Registry)(nil)

// NewRegistry 创建一个空的 Registry。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		slots: make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// acquire 返回已加锁的 slot，不存在时创建。
func (r *Registry) acquire(identity string) *slot {
	for {
		r.mu.RLock()
		s := r.slots[identity]
		r.mu.RUnlock()

		if s == nil {
			r.mu.Lock()
			s = r.slots[identity]
			if s == nil {
				s = &slot{}
				r.slots[identity] = s
			}
			r.mu.Unlock()
		}

		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// Register 实现 SessionManager.Register。
func (r *Registry) Register(identity string, sess Session) (Session, error) {
	if identity == "" || identity == protocol.Broadcast {
		return nil, merr.WrapErrParameterInvalidMsg("invalid identity %q", identity)
	}
	if sess == nil {
		return nil, merr.WrapErrParameterMissing("session")
	}
	if st := sess.State(); st >= StateClosing {
		return nil, merr.WrapErrConnStateInvalid(sess.ID(), StateAuthenticated, st)
	}

	s := r.acquire(identity)
	old := s.sess
	s.sess = sess
	s.mu.Unlock()

	if old == nil {
		r.count.Inc()
		return nil, nil
	}
	if old == sess {
		return nil, nil
	}

	log.Info("session evicted by new login",
		zap.String("identity", identity),
		zap.String("old", old.ID()),
		zap.String("new", sess.ID()))

	cause := merr.WrapErrSessionEvicted(identity, sess.ID())
	if r.evictNotice != nil {
		old.CloseWithNotice(r.evictNotice(identity, sess), cause)
	} else {
		old.CloseWithError(cause)
	}
	return old, nil
}

// Lookup 实现 SessionManager.Lookup。
func (r *Registry) Lookup(identity string) (Session, error) {
	r.mu.RLock()
	s := r.slots[identity]
	r.mu.RUnlock()
	if s == nil {
		return nil, merr.WrapErrSessionNotFound(identity)
	}

	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	if sess == nil || sess.State() >= StateClosing {
		return nil, merr.WrapErrSessionNotFound(identity)
	}
	return sess, nil
}

// Remove 实现 SessionManager.Remove。
func (r *Registry) Remove(identity string, sess Session) bool {
	r.mu.RLock()
	s := r.slots[identity]
	r.mu.RUnlock()
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.sess == nil || s.sess != sess {
		return false
	}
	s.sess = nil
	s.dead = true

	r.mu.Lock()
	if r.slots[identity] == s {
		delete(r.slots, identity)
	}
	r.mu.Unlock()

	r.count.Dec()
	return true
}

// Snapshot 实现 SessionManager.Snapshot。
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	snapshot := make([]Session, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		sess := s.sess
		s.mu.Unlock()
		if sess != nil && sess.State() < StateClosing {
			snapshot = append(snapshot, sess)
		}
	}
	return snapshot
}

// Range 实现 SessionManager.Range。
func (r *Registry) Range(fn func(sess Session) bool) {
	if fn == nil {
		return
	}
	for _, sess := range r.Snapshot() {
		if !fn(sess) {
			return
		}
	}
}

// Online 实现 SessionManager.Online。
func (r *Registry) Online() []string {
	snapshot := r.Snapshot()
	online := make([]string, 0, len(snapshot))
	for _, sess := range snapshot {
		online = append(online, sess.Identity())
	}
	slices.Sort(online)
	return online
}

// Count 实现 SessionManager.Count。
func (r *Registry) Count() int {
	return int(r.count.Load())
}
