package application

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lk2023060901/chatrelay-go/internal/auth"
	"github.com/lk2023060901/chatrelay-go/internal/config"
	"github.com/lk2023060901/chatrelay-go/internal/network/connector"
)

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path, err := resolveConfigPath(nil)
	require.NoError(t, err)
	assert.Empty(t, path)

	t.Setenv(configPathEnv, "/etc/chatd.yaml")
	path, err = resolveConfigPath(nil)
	require.NoError(t, err)
	assert.Equal(t, "/etc/chatd.yaml", path)

	path, err = resolveConfigPath([]string{"--config", "a.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "a.yaml", path)

	path, err = resolveConfigPath([]string{"--config=b.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "b.yaml", path)

	_, err = resolveConfigPath([]string{"--config"})
	assert.Error(t, err)
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Server.TCPAddr = "127.0.0.1:0"
	cfg.Server.WSAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Log.Level = "warn"
	cfg.Log.File.RootPath = filepath.Join(t.TempDir(), "logs")

	hash, err := auth.HashCredential(auth.ClientCredential("alice", "secret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Auth.Users = []config.UserConfig{{Identity: "alice", Hash: hash}}
	return cfg
}

func TestApplicationServe(t *testing.T) {
	app := New()
	require.NoError(t, app.Setup(testConfig(t)))
	require.Len(t, app.Acceptors(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	for _, target := range []string{
		app.Acceptors()[0].Addr().String(),
		"ws://" + app.Acceptors()[1].Addr().String() + app.Config().Server.WSPath,
	} {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 3*time.Second)
		c, err := connector.Dial(dialCtx, target, connector.Options{})
		require.NoError(t, err, target)

		resp, err := c.Login(dialCtx, "alice", "secret", "1.0.0")
		require.NoError(t, err, target)
		assert.Equal(t, "alice", resp.Identity)

		_, err = c.Ping(dialCtx)
		assert.NoError(t, err)
		_ = c.Close()
		dialCancel()
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	_, err := net.DialTimeout("tcp", app.Acceptors()[0].Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestApplicationRejectsWrongPassword(t *testing.T) {
	app := New()
	require.NoError(t, app.Setup(testConfig(t)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = app.Serve(ctx) }()

	c, err := connector.Dial(ctx, app.Acceptors()[0].Addr().String(), connector.Options{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Login(ctx, "alice", "wrong", "1.0.0")
	assert.Error(t, err)
}
