// Package history ships project status transitions to external stores for
// later analysis.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/manager"
)

// Event is one status transition of a project.
type Event struct {
	ProjectID  string    `json:"project_id"`
	Status     string    `json:"status"`
	PID        int       `json:"pid"`
	Script     string    `json:"script"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FromStatus converts a status payload observed at t.
func FromStatus(se manager.StatusEvent, t time.Time) Event {
	return Event{
		ProjectID:  se.ProjectID,
		Status:     string(se.Status),
		PID:        se.PID,
		Script:     se.Script,
		ExitCode:   se.ExitCode,
		Signal:     se.Signal,
		OccurredAt: t.UTC(),
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single Send.
const DefaultSendTimeout = 5 * time.Second

// Recorder forwards status events from the bus to every sink. A failing sink
// is logged and never blocks the others.
type Recorder struct {
	bus     *event.Bus
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger

	mu   sync.Mutex
	sub  *event.Subscription
	wg   sync.WaitGroup
	stop chan struct{}
}

func NewRecorder(bus *event.Bus, sinks []Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{bus: bus, sinks: sinks, timeout: DefaultSendTimeout, log: log}
}

// Start subscribes to status events. It is a no-op without sinks or when
// already started.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil || len(r.sinks) == 0 {
		return
	}
	r.sub = r.bus.Subscribe(event.Filter{Topics: []event.Topic{event.TopicStatus}})
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run(ctx, r.sub, r.stop)
}

func (r *Recorder) run(ctx context.Context, sub *event.Subscription, stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case e, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					r.log.Warn("history subscription ended", "err", err)
				}
				return
			}
			se, ok := e.Payload.(manager.StatusEvent)
			if !ok {
				continue
			}
			r.Record(ctx, FromStatus(se, e.Time))
		}
	}
}

// Record sends e to every sink concurrently and waits for all of them.
func (r *Recorder) Record(ctx context.Context, e Event) {
	var wg sync.WaitGroup
	for _, s := range r.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			if err := s.Send(sctx, e); err != nil {
				r.log.Warn("history sink failed", "project", e.ProjectID, "status", e.Status, "err", err)
			}
		}(s)
	}
	wg.Wait()
}

// Close stops forwarding and closes every sink that holds resources.
func (r *Recorder) Close() error {
	r.mu.Lock()
	sub, stop := r.sub, r.stop
	r.sub, r.stop = nil, nil
	r.mu.Unlock()
	if sub != nil {
		close(stop)
		sub.Close()
	}
	r.wg.Wait()

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
