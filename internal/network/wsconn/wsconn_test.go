package wsconn

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPair 返回通过本地 HTTP 服务升级得到的一对连接：client 与 server。
func newPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	var peer *websocket.Conn
	select {
	case peer = <-serverSide:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade timeout")
	}

	client, server := New(ws), New(peer)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestReadWrite(t *testing.T) {
	client, server := newPair(t)

	n, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// 文本消息被跳过。
	require.NoError(t, client.WebSocket().WriteMessage(websocket.TextMessage, []byte("noise")))
	_, err = client.Write([]byte(" world"))
	require.NoError(t, err)

	buf := make([]byte, 11)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

func TestCloseIsEOF(t *testing.T) {
	client, server := newPair(t)
	require.NoError(t, client.Close())

	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseNotBlockedByWriter(t *testing.T) {
	client, _ := newPair(t)

	// 模拟一个卡在慢对端上的 Write。
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = client.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close blocked behind writer")
	}
}
