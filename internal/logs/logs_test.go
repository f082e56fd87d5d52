package logs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/logger"
)

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func next(t *testing.T, sub *event.Subscription) Entry {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok)
		return ev.Payload.(Entry)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for log entry")
	}
	return Entry{}
}

func TestAppendSplitsAndDropsEmptyLines(t *testing.T) {
	m := New(event.New(0), Options{})
	got := m.Append("p", Stdout, "one\n\n  \r\n\r\ntwo\r\nthree")
	assert.Equal(t, []string{"one", "  ", "two", "three"}, texts(got))
	for _, e := range got {
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, "p", e.ProjectID)
		assert.Equal(t, Stdout, e.Stream)
	}
	assert.Nil(t, m.Append("p", Stderr, "\n\r\n"))
	assert.Len(t, m.Buffer("p"), 4)
}

func TestSubscribeWithoutSharedBus(t *testing.T) {
	m := New(nil, Options{})
	m.Append("p", Stdout, "before")
	sub := m.Subscribe("p")
	defer m.Unsubscribe(sub)
	m.Append("p", Stdout, "after")

	assert.Equal(t, "before", next(t, sub).Text)
	assert.Equal(t, "after", next(t, sub).Text)
}

func TestBufferEvictsOldestPastCapacity(t *testing.T) {
	m := New(event.New(0), Options{Capacity: 3})
	for i := 1; i <= 5; i++ {
		m.Append("p", Stdout, fmt.Sprintf("line %d", i))
		assert.LessOrEqual(t, len(m.Buffer("p")), 3)
	}
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, texts(m.Buffer("p")))
}

func TestBufferUnknownProjectIsEmpty(t *testing.T) {
	m := New(event.New(0), Options{})
	assert.Empty(t, m.Buffer("nope"))
	assert.Equal(t, DefaultCapacity, m.Capacity())
}

func TestClearKeepsAcceptingAppends(t *testing.T) {
	m := New(event.New(0), Options{Capacity: 2})
	m.Append("p", Stdout, "a\nb\nc")
	m.Clear("p")
	assert.Empty(t, m.Buffer("p"))
	m.Append("p", Stdout, "d")
	assert.Equal(t, []string{"d"}, texts(m.Buffer("p")))
}

func TestSubscribeReplaysBacklogThenLive(t *testing.T) {
	bus := event.New(0)
	defer bus.Close()
	m := New(bus, Options{})
	m.Append("p", Stdout, "old-1\nold-2")
	m.Append("other", Stdout, "noise")

	sub := m.Subscribe("p")
	defer m.Unsubscribe(sub)
	m.Append("p", Stderr, "new-1")

	assert.Equal(t, "old-1", next(t, sub).Text)
	assert.Equal(t, "old-2", next(t, sub).Text)
	e := next(t, sub)
	assert.Equal(t, "new-1", e.Text)
	assert.Equal(t, Stderr, e.Stream)
}

func TestSubscribeConcurrentAppendHasNoGapsOrDuplicates(t *testing.T) {
	bus := event.New(0)
	defer bus.Close()
	m := New(bus, Options{Capacity: 10000})

	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			m.Append("p", Stdout, fmt.Sprintf("%d", i))
		}
	}()
	time.Sleep(time.Millisecond)
	sub := m.Subscribe("p")
	defer sub.Close()
	wg.Wait()

	for i := 0; i < total; i++ {
		require.Equal(t, fmt.Sprintf("%d", i), next(t, sub).Text)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := event.New(0)
	defer bus.Close()
	m := New(bus, Options{})
	sub := m.Subscribe("p")
	m.Unsubscribe(sub)
	m.Append("p", Stdout, "late")
	for range sub.C() {
		t.Fatal("unexpected delivery after unsubscribe")
	}
}

func TestCaptureHandlesPartialAndLongLines(t *testing.T) {
	m := New(event.New(0), Options{})
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		m.Capture("p", Stdout, pr)
		close(done)
	}()
	_, _ = pw.Write([]byte("hel"))
	_, _ = pw.Write([]byte("lo\nwor"))
	_, _ = pw.Write([]byte("ld\n" + strings.Repeat("x", maxLine+10) + "\ntail"))
	_ = pw.Close()
	<-done

	got := texts(m.Buffer("p"))
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, "hello", got[0])
	assert.Equal(t, "world", got[1])
	assert.Equal(t, "tail", got[len(got)-1])
	assert.Equal(t, maxLine+10, len(strings.Join(got[2:len(got)-1], "")))
}

func TestMirrorWritesProjectFiles(t *testing.T) {
	dir := t.TempDir()
	m := New(event.New(0), Options{Files: logger.FileConfig{Dir: dir}})
	m.Append("web", Stdout, "out line")
	m.Append("web", Stderr, "err line")
	require.NoError(t, m.Close())

	out, err := os.ReadFile(filepath.Join(dir, "web.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "out line\n", string(out))
	errOut, err := os.ReadFile(filepath.Join(dir, "web.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "err line\n", string(errOut))
}
