package session

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// DefaultQueueSize 为每个连接投递队列的默认容量。
const DefaultQueueSize = 1024

// DeliveryQueue 为单个连接的有界 FIFO 投递队列。
//
// 约定：
//   - Enqueue 从不阻塞，满时返回 ErrConnQueueFull；
//   - 同一时刻只允许一个 Drain，重复进入返回 ErrConnDrainBusy；
//   - Close 之后 Enqueue 一律返回 ErrConnClosed，尚未写出的条目随连接一起丢弃。
type DeliveryQueue struct {
	owner string
	ch    chan *protocol.Envelope

	// mu 保护 closed，使 Close 返回后不可能再有条目入队成功。
	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	draining atomic.Bool
}

// NewDeliveryQueue 创建容量为 capacity 的队列，owner 为所属连接 ID，仅用于错误信息。
func NewDeliveryQueue(owner string, capacity int) *DeliveryQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &DeliveryQueue{
		owner: owner,
		ch:    make(chan *protocol.Envelope, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue 将 env 放到队尾。
func (q *DeliveryQueue) Enqueue(env *protocol.Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return merr.WrapErrConnClosed(q.owner)
	}
	select {
	case q.ch <- env:
		return nil
	default:
		return merr.WrapErrConnQueueFull(q.owner, cap(q.ch))
	}
}

// Drain 按 FIFO 顺序取出条目交给 fn，直到 ctx 取消、队列关闭或 fn 返回错误。
//
// ctx 取消或队列关闭时立即返回，不会把剩余条目写完。
func (q *DeliveryQueue) Drain(ctx context.Context, fn func(env *protocol.Envelope) error) error {
	if !q.draining.CompareAndSwap(false, true) {
		return errors.Wrapf(merr.ErrConnDrainBusy, "conn=%s", q.owner)
	}
	defer q.draining.Store(false)

	for {
		// 优先响应取消，避免 ch 中仍有数据时继续写出。
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return merr.WrapErrConnClosed(q.owner)
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return merr.WrapErrConnClosed(q.owner)
		case env := <-q.ch:
			if err := fn(env); err != nil {
				return err
			}
		}
	}
}

// Close 关闭队列，可重复调用。
func (q *DeliveryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len 返回当前排队的条目数。
func (q *DeliveryQueue) Len() int {
	return len(q.ch)
}

// Cap 返回队列容量。
func (q *DeliveryQueue) Cap() int {
	return cap(q.ch)
}
