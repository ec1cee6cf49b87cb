package config

import (
	"bytes"
	"os"
	"strings"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultTCPAddr, cfg.Server.TCPAddr)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Server.HandshakeTimeout)
	assert.Equal(t, DefaultQueueSize, cfg.Session.QueueSize)
	assert.Equal(t, uint32(DefaultMaxFrameSize), cfg.Codec.MaxFrameSize)
	assert.Equal(t, "none", cfg.Codec.Cipher)
	assert.Equal(t, DefaultClientVersions, cfg.Auth.ClientVersions)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Auth.Users)
}

func TestLoad(t *testing.T) {
	yaml := `
server:
  tcp_addr: 127.0.0.1:9000
  ws_addr: 127.0.0.1:9001
  handshake_timeout: 3s
session:
  queue_size: 16
  idle_timeout: 0s
codec:
  compressor: zstd
  cipher: xchacha20poly1305
  enc_key: 000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f
auth:
  token_secret: 0123456789abcdef0123
  users:
    - identity: Alice
      hash: $2a$04$abcdefghijklmnopqrstuv
log:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.TCPAddr)
	assert.Equal(t, "127.0.0.1:9001", cfg.Server.WSAddr)
	assert.Equal(t, DefaultWSPath, cfg.Server.WSPath)
	assert.Equal(t, 3*time.Second, cfg.Server.HandshakeTimeout)
	assert.Equal(t, 16, cfg.Session.QueueSize)
	assert.Zero(t, cfg.Session.IdleTimeout)
	assert.Equal(t, "zstd", cfg.Codec.Compressor)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, map[string]string{"Alice": "$2a$04$abcdefghijklmnopqrstuv"}, cfg.Auth.UserHashes())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CHATRELAY_SERVER_TCP_ADDR", ":7777")
	t.Setenv("CHATRELAY_SESSION_QUEUE_SIZE", "8")
	t.Setenv("CHATRELAY_LOG_LEVEL", "warn")

	cfg, err := Parse("yaml", []byte("server:\n  tcp_addr: \":7100\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.TCPAddr)
	assert.Equal(t, 8, cfg.Session.QueueSize)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no listener", "server:\n  tcp_addr: \"\"\n"},
		{"queue size", "session:\n  queue_size: 0\n"},
		{"compressor", "codec:\n  compressor: lz4\n"},
		{"cipher without key", "codec:\n  cipher: aes-gcm-hmac\n"},
		{"short secret", "auth:\n  token_secret: short\n"},
		{"duplicate user", "auth:\n  users:\n    - {identity: a, hash: x}\n    - {identity: a, hash: y}\n"},
		{"user without hash", "auth:\n  users:\n    - {identity: a}\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse("yaml", []byte(c.yaml))
			require.Error(t, err)
			assert.True(t, merr.Code(err) == merr.Code(merr.ErrParameterInvalid) ||
				merr.Code(err) == merr.Code(merr.ErrParameterMissing), err.Error())
		})
	}
}

func TestCodecConfigNewCodec(t *testing.T) {
	key := strings.Repeat("ab", 32)
	cases := []CodecConfig{
		{MaxFrameSize: 1 << 16},
		{MaxFrameSize: 1 << 16, Compressor: "zstd", CompressMinSize: 16},
		{MaxFrameSize: 1 << 16, Compressor: "s2", Cipher: "xchacha20poly1305", EncKey: key},
		{MaxFrameSize: 1 << 16, Compressor: "zstd", Cipher: "aes-gcm-hmac", EncKey: key, MacKey: key},
	}
	for _, cc := range cases {
		t.Run(cc.Compressor+"/"+cc.Cipher, func(t *testing.T) {
			c, err := cc.NewCodec()
			require.NoError(t, err)

			env := &protocol.Envelope{
				Op:        protocol.OpDeliver,
				Seq:       7,
				Sender:    "alice",
				Recipient: "bob",
				Kind:      protocol.KindText,
				Payload:   bytes.Repeat([]byte("hello "), 64),
			}
			var buf bytes.Buffer
			require.NoError(t, c.Encode(&buf, env))

			got, err := c.Decode(&buf)
			require.NoError(t, err)
			assert.Equal(t, env.Payload, got.Payload)
			assert.Equal(t, env.Seq, got.Seq)
		})
	}

	_, err := CodecConfig{MaxFrameSize: 1024, Cipher: "xchacha20poly1305", EncKey: "abcd"}.NewCodec()
	assert.Error(t, err)
}
