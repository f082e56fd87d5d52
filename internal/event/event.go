// Package event provides the in-process publish/subscribe bus that carries
// status, log, health, resource and port updates from producers to observers.
package event

import (
	"errors"
	"sync"
	"time"

	"github.com/loykin/devdock/internal/metrics"
)

// Topic identifies the kind of payload carried by an Event.
type Topic string

const (
	TopicStatus   Topic = "status"
	TopicLog      Topic = "log"
	TopicHealth   Topic = "health"
	TopicResource Topic = "resource"
	TopicPorts    Topic = "ports"
)

// DefaultQueueLimit bounds how many undelivered events a single subscriber may
// accumulate before it is dropped as lagging.
const DefaultQueueLimit = 4096

// ErrLagged is reported by Subscription.Err when the subscriber fell too far behind.
var ErrLagged = errors.New("event: subscriber lagged behind and was dropped")

// Event is one published message. ProjectID scopes the event to a project;
// empty means machine-wide (the port table).
type Event struct {
	Topic     Topic     `json:"type"`
	ProjectID string    `json:"projectId,omitempty"`
	Payload   any       `json:"payload"`
	Time      time.Time `json:"timestamp"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(Event)
}

// Filter selects events for a subscription. No topics means every topic.
// A non-empty Scope only admits events for that project.
type Filter struct {
	Topics []Topic
	Scope  string
}

func (f Filter) match(e Event) bool {
	if f.Scope != "" && e.ProjectID != f.Scope {
		return false
	}
	if len(f.Topics) == 0 {
		return true
	}
	for _, t := range f.Topics {
		if t == e.Topic {
			return true
		}
	}
	return false
}

// Bus fans events out to subscribers. Publish never blocks: each subscriber
// owns a queue drained by its own goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	limit  int
	closed bool
}

// New creates a bus. queueLimit <= 0 selects DefaultQueueLimit.
func New(queueLimit int) *Bus {
	if queueLimit <= 0 {
		queueLimit = DefaultQueueLimit
	}
	return &Bus{subs: make(map[uint64]*Subscription), limit: queueLimit}
}

// Subscribe registers a subscription. Events in backlog are queued ahead of
// anything published after this call returns.
func (b *Bus) Subscribe(f Filter, backlog ...Event) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:     b.nextID,
		bus:    b,
		filter: f,
		limit:  b.limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	if b.closed {
		s.Close()
		close(s.out)
		return s
	}
	if len(backlog) > 0 {
		s.queue = append(s.queue, backlog...)
		s.signal()
	}
	b.subs[s.id] = s
	go s.pump()
	return s
}

// Publish delivers e to every matching subscriber. A zero Time is stamped.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.filter.match(e) {
			s.enqueue(e)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close terminates every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription receives matching events on C in publish order.
type Subscription struct {
	id     uint64
	bus    *Bus
	filter Filter
	limit  int

	mu     sync.Mutex
	queue  []Event
	err    error
	notify chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	out       chan Event
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.out }

// Done is closed once the subscription has been terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended, or nil while it is live or after a
// regular Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit {
		s.err = ErrLagged
		s.queue = nil
		s.mu.Unlock()
		metrics.IncEventDrop(string(e.Topic))
		s.Close()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return e, true
}

func (s *Subscription) pump() {
	defer func() {
		s.bus.remove(s.id)
		close(s.out)
	}()
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			e, ok := s.pop()
			if !ok {
				break
			}
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}
	}
}
