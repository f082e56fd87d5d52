package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/devdock/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its
// native-protocol address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	require.NoError(t, err)
	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return clickHouseContainer, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(fmt.Sprintf("clickhouse://default@%s/default?table=devdock_history", addr))
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()
	assert.Equal(t, "devdock_history", sink.table)

	code := 2
	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{ProjectID: "web", Status: "running", PID: 12345, Script: "dev", OccurredAt: now}))
	require.NoError(t, sink.Send(ctx, history.Event{ProjectID: "web", Status: "crashed", PID: 12345, Script: "dev", ExitCode: &code, OccurredAt: now.Add(time.Second)}))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM devdock_history WHERE project_id = ?", "web").Scan(&count))
	assert.Equal(t, uint64(2), count)

	var exit *int32
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT exit_code FROM devdock_history WHERE status = 'crashed'").Scan(&exit))
	require.NotNil(t, exit)
	assert.Equal(t, int32(2), *exit)
}

func TestClickHouseSink_BadDSN(t *testing.T) {
	_, err := New("clickhouse://")
	assert.Error(t, err)
	_, err = New("clickhouse://localhost:9000/default?table=bad-name")
	assert.Error(t, err)
}
