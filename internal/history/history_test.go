package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/manager"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestRecorderForwardsStatusEvents(t *testing.T) {
	bus := event.New(0)
	defer bus.Close()
	good := &memSink{}
	bad := &memSink{err: errors.New("connection refused")}
	r := NewRecorder(bus, []Sink{bad, good}, nil)
	r.Start(context.Background())

	code := 1
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(event.Event{Topic: event.TopicLog, ProjectID: "web", Payload: "ignored"})
	bus.Publish(event.Event{Topic: event.TopicStatus, ProjectID: "web", Time: at,
		Payload: manager.StatusEvent{ProjectID: "web", Status: manager.StatusRunning, PID: 42, Script: "dev"}})
	bus.Publish(event.Event{Topic: event.TopicStatus, ProjectID: "web", Time: at.Add(time.Second),
		Payload: manager.StatusEvent{ProjectID: "web", Status: manager.StatusCrashed, PID: 42, Script: "dev", ExitCode: &code}})

	require.Eventually(t, func() bool { return len(good.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := good.snapshot()
	assert.Equal(t, Event{ProjectID: "web", Status: "running", PID: 42, Script: "dev", OccurredAt: at}, got[0])
	assert.Equal(t, "crashed", got[1].Status)
	require.NotNil(t, got[1].ExitCode)
	assert.Equal(t, 1, *got[1].ExitCode)

	require.NoError(t, r.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
	assert.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRecorderWithoutSinksIsInert(t *testing.T) {
	bus := event.New(0)
	defer bus.Close()
	r := NewRecorder(bus, nil, nil)
	r.Start(context.Background())
	assert.Equal(t, 0, bus.Subscribers())
	assert.NoError(t, r.Close())
}
