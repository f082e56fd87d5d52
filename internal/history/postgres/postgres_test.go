package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/devdock/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	at := time.Now().UTC().Truncate(time.Microsecond)
	code := 0
	require.NoError(t, sink.Send(ctx, history.Event{ProjectID: "web", Status: "running", PID: 12345, Script: "dev", OccurredAt: at}))
	require.NoError(t, sink.Send(ctx, history.Event{ProjectID: "web", Status: "stopped", PID: 12345, Script: "dev", ExitCode: &code, OccurredAt: at.Add(time.Second)}))
	require.NoError(t, sink.Send(ctx, history.Event{ProjectID: "other", Status: "crashed", PID: 1, Script: "dev", Signal: "killed", OccurredAt: at}))

	got, err := sink.Recent(ctx, "web", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "stopped", got[0].Status)
	require.NotNil(t, got[0].ExitCode)
	assert.Equal(t, 0, *got[0].ExitCode)
	assert.Equal(t, "running", got[1].Status)
	assert.True(t, at.Equal(got[1].OccurredAt))
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
