package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devdock/pkg/client"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	dir := t.TempDir()
	addr := freeAddr(t)
	cfgPath := filepath.Join(dir, "devdock.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
[server]
listen = %q

[storage]
dsn = "file://%s"

[supervisor]
settle_delay = "10ms"

[[projects]]
id = "app"
path = %q

  [[projects.scripts]]
  name = "serve"
  command = "sleep 30"
`, addr, filepath.Join(dir, "state.json"), dir)), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, ServeFlags{ConfigPath: cfgPath}) }()

	cl, err := client.New(client.Config{BaseURL: "http://" + addr + "/api", Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cl.IsReachable(context.Background()) }, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, cl.Start(context.Background(), "app", ""))
	p, err := cl.Project(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "running", p.Status)
	assert.Equal(t, "serve", p.ActiveScript)

	s, err := cl.Session(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Len(t, s.Projects, 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not shut down")
	}
	_, statErr := os.Stat(filepath.Join(dir, "state.json"))
	assert.NoError(t, statErr, "state is persisted to the file store")
}
