// Package wsconn 将 gorilla/websocket 连接适配为 net.Conn。
//
// 每次 Write 发送一条二进制消息，Read 依次读取各条消息的内容，
// 因此上层按帧一次写出时，一帧恰好对应一条 WebSocket 消息。
package wsconn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// Conn 为基于 *websocket.Conn 的 net.Conn 实现。
type Conn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

var _ net.Conn = (*Conn)(nil)

func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// WebSocket 返回底层连接。
func (c *Conn) WebSocket() *websocket.Conn {
	return c.ws
}

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, translate(err)
			}
			if typ != websocket.BinaryMessage {
				// 文本消息不属于协议帧，丢弃。
				_, _ = io.Copy(io.Discard, r)
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, translate(err)
	}
	return len(p), nil
}

// closeTimeout 为发送 close 帧的最长等待时间。
const closeTimeout = 100 * time.Millisecond

// Close 尽力发送 close 帧后关闭底层连接。
//
// WriteControl 可与 Write 并发调用，这里不持有 writeMu，
// 阻塞在慢对端上的 Write 不会拖住 Close。
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout))
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// translate 将对端正常关闭映射为 io.EOF，其余错误原样返回（保留 net.Error 超时语义）。
func translate(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}
