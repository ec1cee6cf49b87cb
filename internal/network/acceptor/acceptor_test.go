package acceptor

import (
	"context"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/lk2023060901/chatrelay-go/internal/network/wsconn"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	})
}

func serve(t *testing.T, a Acceptor) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestTCPAcceptor(t *testing.T) {
	a, err := NewTCPAcceptor("127.0.0.1:0", echoHandler())
	require.NoError(t, err)
	cancel, done := serve(t, a)

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.Eventually(t, func() bool { return a.Conns() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}

	// 存量连接随接入器一起关闭。
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err)
	assert.Equal(t, 0, a.Conns())
}

func TestTCPAcceptorClose(t *testing.T) {
	a, err := NewTCPAcceptor("127.0.0.1:0", echoHandler())
	require.NoError(t, err)
	_, done := serve(t, a)

	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.NoError(t, a.Close())
}

func TestNewAcceptorInvalid(t *testing.T) {
	_, err := NewTCPAcceptor("", echoHandler())
	assert.Error(t, err)
	_, err = NewBaseAcceptor(nil, echoHandler())
	assert.Error(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, err = NewBaseAcceptor(ln, nil)
	assert.Error(t, err)
}

func TestPanicHandlerClosesConn(t *testing.T) {
	a, err := NewTCPAcceptor("127.0.0.1:0", HandlerFunc(func(context.Context, net.Conn) {
		panic("boom")
	}))
	require.NoError(t, err)
	serve(t, a)

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestWSAcceptor(t *testing.T) {
	a, err := NewWSAcceptor("127.0.0.1:0", "/chat", echoHandler(), WithReadLimit(1024))
	require.NoError(t, err)
	cancel, done := serve(t, a)

	url := "ws://" + a.Addr().String() + a.Path()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn := wsconn.New(ws)
	defer conn.Close()

	_, err = conn.Write([]byte("frame-1"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("frame-2"))
	require.NoError(t, err)

	buf := make([]byte, 14)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "frame-1frame-2", string(buf))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestWSAcceptorOrigin(t *testing.T) {
	a, err := NewWSAcceptor("127.0.0.1:0", "", echoHandler(), WithAllowedOrigins("https://chat.example"))
	require.NoError(t, err)
	serve(t, a)

	url := "ws://" + a.Addr().String() + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}

	ws, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://chat.example"}})
	require.NoError(t, err)
	_ = ws.Close()
}

// flakyListener 在前 failures 次 Accept 时返回 err。
type flakyListener struct {
	net.Listener
	failures atomic.Int32
	err      error
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Dec() >= 0 {
		return nil, l.err
	}
	return l.Listener.Accept()
}

func TestTCPAcceptorRetriesTemporaryErrors(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.ECONNABORTED} {
		t.Run(errno.Error(), func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			fl := &flakyListener{
				Listener: ln,
				err:      &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", errno)},
			}
			fl.failures.Store(3)

			a, err := NewBaseAcceptor(fl, echoHandler())
			require.NoError(t, err)
			cancel, done := serve(t, a)

			conn, err := net.Dial("tcp", a.Addr().String())
			require.NoError(t, err)
			defer conn.Close()
			_, err = conn.Write([]byte("ok"))
			require.NoError(t, err)
			buf := make([]byte, 2)
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
			assert.Equal(t, "ok", string(buf))

			cancel()
			assert.NoError(t, <-done)
		})
	}
}

func TestTCPAcceptorFatalError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	fl := &flakyListener{Listener: ln, err: &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EINVAL)}}
	fl.failures.Store(1)

	a, err := NewBaseAcceptor(fl, echoHandler())
	require.NoError(t, err)
	_, done := serve(t, a)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}
