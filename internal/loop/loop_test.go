package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsImmediatelyAndRepeats(t *testing.T) {
	var n atomic.Int32
	l := New("t", 20*time.Millisecond, func(context.Context) { n.Add(1) }, nil)
	l.Start(context.Background())
	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestLoopSurvivesPanics(t *testing.T) {
	var n atomic.Int32
	l := New("panicky", 10*time.Millisecond, func(context.Context) {
		if n.Add(1) == 1 {
			panic("boom")
		}
	}, nil)
	l.Start(context.Background())
	defer l.Stop()
	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestLoopSetInterval(t *testing.T) {
	var n atomic.Int32
	l := New("slow", time.Hour, func(context.Context) { n.Add(1) }, nil)
	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	l.SetInterval(10 * time.Millisecond)
	l.SetInterval(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, l.Interval())
	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New("ctx", 5*time.Millisecond, func(context.Context) {}, nil)
	l.Start(ctx)
	cancel()
	done := make(chan struct{})
	go func() { l.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after cancel")
	}
	assert.Equal(t, 5*time.Millisecond, l.Interval())
}
