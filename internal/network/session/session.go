package session

import (
	"context"
	"net"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
)

// State 为连接的生命周期状态，只会单向推进：
//
//	Connecting -> Authenticated -> Closing -> Closed
//	Connecting -> Closing -> Closed
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session 抽象了一条已接入的连接。
//
// 约定：
//   - 每个 Session 对应一条底层连接（一个 TCP 连接或 WebSocket 会话）；
//   - ID 在进程内唯一，Identity 在认证成功前为空；
//   - 写出只有两条路径：Send 同步写出（只允许写协程或写协程启动前使用），
//     Deliver 投递到有界队列，由写协程按 FIFO 顺序写出。
type Session interface {
	// ID 返回该连接在进程内的唯一标识。
	ID() string

	// Identity 返回认证后的身份，未认证时为空串。
	Identity() string

	// State 返回当前生命周期状态。
	State() State

	// Context 在连接关闭时被取消。
	Context() context.Context

	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 同步编码并写出一帧，写失败时连接被关闭并返回 ErrConnWriteFailed。
	Send(env *protocol.Envelope) error

	// Deliver 将一帧放入投递队列。
	//
	// 队列已满时返回 ErrConnQueueFull，并且连接被关闭；连接已关闭时返回 ErrConnClosed。
	// 返回 nil 表示该帧一定会在连接存活期间按入队顺序写出。
	Deliver(env *protocol.Envelope) error

	// Close 正常关闭连接，可重复调用。
	Close() error

	// CloseWithError 以 cause 为原因关闭连接，cause 可通过 Err 取得。
	CloseWithError(cause error)

	// CloseWithNotice 尽力写出 notice 后关闭连接，用于 kicked 等告知对端的场景。
	CloseWithNotice(notice *protocol.Envelope, cause error)
}
