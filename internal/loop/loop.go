// Package loop runs a function on a resettable interval until stopped.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop calls fn every interval on its own goroutine. A panic or slow call in
// one iteration never stops later ticks.
type Loop struct {
	name     string
	fn       func(context.Context)
	interval atomic.Int64
	log      *slog.Logger

	resetCh  chan time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup
}

func New(name string, interval time.Duration, fn func(context.Context), log *slog.Logger) *Loop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		name:    name,
		fn:      fn,
		log:     log,
		resetCh: make(chan time.Duration, 1),
		stopCh:  make(chan struct{}),
	}
	l.interval.Store(int64(interval))
	return l
}

// Start begins ticking. The first iteration runs immediately. Calling Start
// more than once has no effect.
func (l *Loop) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runOnce(ctx)
		ticker := time.NewTicker(l.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case d := <-l.resetCh:
				ticker.Reset(d)
			case <-ticker.C:
				l.runOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight iteration.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Interval returns the current period.
func (l *Loop) Interval() time.Duration { return time.Duration(l.interval.Load()) }

// SetInterval changes the period, taking effect from the next tick.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 || d == l.Interval() {
		return
	}
	l.interval.Store(int64(d))
	for {
		select {
		case l.resetCh <- d:
			return
		default:
		}
		// replace a pending, now stale, reset
		select {
		case <-l.resetCh:
		default:
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop iteration panicked", "loop", l.name, "panic", fmt.Sprint(r))
		}
	}()
	l.fn(ctx)
}
