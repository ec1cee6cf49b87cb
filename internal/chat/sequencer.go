package chat

import (
	"sync"
)

// senderState 为单个发送者的发号状态，mu 同时串行化该发送者的路由过程。
type senderState struct {
	mu   sync.Mutex
	last uint64
}

// Sequencer 为每个发送者维护单调递增的序号。
//
// 序号在进程生命周期内跨重连保持，不会复用。
type Sequencer struct {
	mu      sync.Mutex
	senders map[Identity]*senderState
}

func NewSequencer() *Sequencer {
	return &Sequencer{
		senders: make(map[Identity]*senderState),
	}
}

func (s *Sequencer) state(sender Identity) *senderState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.senders[sender]
	if !ok {
		st = &senderState{}
		s.senders[sender] = st
	}
	return st
}

// With 分配 sender 的下一个序号并在持有该发送者锁的情况下执行 fn。
//
// 同一发送者的 fn 串行执行，执行顺序与序号顺序一致。
// 序号一经分配即视为已使用，fn 失败也不会回收。
func (s *Sequencer) With(sender Identity, fn func(seq uint64)) uint64 {
	st := s.state(sender)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.last++
	seq := st.last
	fn(seq)
	return seq
}

// Locked 在持有 sender 锁的情况下执行 fn，不分配序号。
//
// 与同一发送者的 With 互斥，用于需要与该发送者消息保持先后关系的非序号帧。
func (s *Sequencer) Locked(sender Identity, fn func()) {
	st := s.state(sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	fn()
}

// Next 分配 sender 的下一个序号。
func (s *Sequencer) Next(sender Identity) uint64 {
	return s.With(sender, func(uint64) {})
}

// Last 返回 sender 最近分配的序号，未分配过时为 0。
func (s *Sequencer) Last(sender Identity) uint64 {
	st := s.state(sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.last
}
