package acceptor

import (
	"context"
	"net"
)

// Handler 由服务端实现，负责单条连接的完整生命周期。
//
// ServeConn 在独立协程中执行，返回时连接应已关闭；ctx 在接入器关闭时取消。
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc 将普通函数适配为 Handler。
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Acceptor 抽象了服务器侧的接入层。
//
// 职责：
//   - 在监听地址上接受连接（TCP 或 WebSocket 升级）；
//   - 为每条连接启动一个协程调用 Handler.ServeConn；
//   - 关闭时停止接受新连接，关闭存量连接并等待处理协程退出。
type Acceptor interface {
	// Serve 启动接入循环，阻塞直至 ctx 取消、Close 被调用或出现致命错误。
	// 因 ctx 取消或 Close 退出时返回 nil。
	Serve(ctx context.Context) error

	// Addr 返回实际监听地址。
	Addr() net.Addr

	// Close 停止接受新连接并关闭存量连接。
	Close() error

	// Conns 返回当前由接入器持有的连接数。
	Conns() int
}
