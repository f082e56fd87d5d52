// Package logs captures project output into bounded per-project buffers and
// fans new lines out on the event bus.
package logs

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/logger"
	"github.com/loykin/devdock/internal/metrics"
)

// DefaultCapacity is the per-project buffer size when none is configured.
const DefaultCapacity = 1000

// maxLine bounds a single captured line; longer runs are split.
const maxLine = 64 * 1024

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Entry is one captured output line.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"projectId"`
	Stream    Stream    `json:"stream"`
	Text      string    `json:"text"`
}

// Options configures a Multiplexer.
type Options struct {
	Capacity int
	// Files mirrors every entry to rotating per-project files when Dir is set.
	Files  logger.FileConfig
	Logger *slog.Logger
}

// Multiplexer owns the per-project buffers.
type Multiplexer struct {
	mu       sync.Mutex
	capacity int
	buffers  map[string]*ring
	mirrors  map[string]*mirror
	bus      *event.Bus
	files    logger.FileConfig
	log      *slog.Logger
	now      func() time.Time
}

// New builds a Multiplexer publishing on bus. A nil bus gets a private one,
// so subscriptions still see the lines appended here.
func New(bus *event.Bus, opts Options) *Multiplexer {
	if bus == nil {
		bus = event.New(0)
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Multiplexer{
		capacity: capacity,
		buffers:  make(map[string]*ring),
		mirrors:  make(map[string]*mirror),
		bus:      bus,
		files:    opts.Files,
		log:      l,
		now:      time.Now,
	}
}

// Capacity reports the configured per-project buffer size.
func (m *Multiplexer) Capacity() int { return m.capacity }

// Append splits chunk on newlines, drops empty fragments and records the rest
// as entries. The created entries are returned in order.
func (m *Multiplexer) Append(projectID string, stream Stream, chunk string) []Entry {
	lines := splitLines(chunk)
	if len(lines) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	buf := m.buffers[projectID]
	if buf == nil {
		buf = &ring{capacity: m.capacity}
		m.buffers[projectID] = buf
	}
	ts := m.now()
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		e := Entry{
			ID:        uuid.NewString(),
			Timestamp: ts,
			ProjectID: projectID,
			Stream:    stream,
			Text:      line,
		}
		buf.push(e)
		out = append(out, e)
		// Publish while holding mu so Subscribe never observes a gap between
		// backlog and live delivery.
		m.bus.Publish(event.Event{Topic: event.TopicLog, ProjectID: projectID, Payload: e, Time: ts})
	}
	m.mirrorLocked(projectID, stream, out)
	metrics.IncLogLines(string(stream), len(out))
	return out
}

// Capture reads r until EOF, appending each line. It blocks and is meant to
// run on its own goroutine per stream.
func (m *Multiplexer) Capture(projectID string, stream Stream, r io.Reader) {
	br := bufio.NewReaderSize(r, maxLine)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			m.Append(projectID, stream, string(chunk))
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				m.log.Debug("log capture ended", "project", projectID, "stream", stream, "err", err)
			}
			return
		}
	}
}

// Buffer returns a copy of the project's buffered entries, oldest first.
func (m *Multiplexer) Buffer(projectID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.buffers[projectID]
	if buf == nil {
		return []Entry{}
	}
	return buf.snapshot()
}

// Subscribe delivers the current buffer followed by every later entry for
// projectID, in order. Close the subscription (or call Unsubscribe) to stop.
func (m *Multiplexer) Subscribe(projectID string) *event.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var backlog []event.Event
	if buf := m.buffers[projectID]; buf != nil {
		for _, e := range buf.snapshot() {
			backlog = append(backlog, event.Event{Topic: event.TopicLog, ProjectID: projectID, Payload: e, Time: e.Timestamp})
		}
	}
	return m.bus.Subscribe(event.Filter{Topics: []event.Topic{event.TopicLog}, Scope: projectID}, backlog...)
}

func (m *Multiplexer) Unsubscribe(sub *event.Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// Clear empties the project's buffer. Later appends are unaffected.
func (m *Multiplexer) Clear(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf := m.buffers[projectID]; buf != nil {
		buf.reset()
	}
}

// Close releases mirror files.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id, mr := range m.mirrors {
		errs = append(errs, mr.close())
		delete(m.mirrors, id)
	}
	return errors.Join(errs...)
}

func (m *Multiplexer) mirrorLocked(projectID string, stream Stream, entries []Entry) {
	if m.files.Dir == "" {
		return
	}
	mr := m.mirrors[projectID]
	if mr == nil {
		out, errW, err := m.files.ProjectWriters(projectID)
		if err != nil {
			m.log.Warn("log mirror disabled", "project", projectID, "err", err)
			mr = &mirror{}
		} else {
			mr = &mirror{stdout: out, stderr: errW}
		}
		m.mirrors[projectID] = mr
	}
	w := mr.stdout
	if stream == Stderr {
		w = mr.stderr
	}
	if w == nil {
		return
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Text)
		sb.WriteByte('\n')
	}
	if _, err := io.WriteString(w, sb.String()); err != nil && !mr.warned {
		mr.warned = true
		m.log.Warn("log mirror write failed", "project", projectID, "err", err)
	}
}

func splitLines(chunk string) []string {
	parts := strings.Split(chunk, "\n")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSuffix(p, "\r")
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type mirror struct {
	stdout io.WriteCloser
	stderr io.WriteCloser
	warned bool
}

func (m *mirror) close() error {
	var errs []error
	if m.stdout != nil {
		errs = append(errs, m.stdout.Close())
	}
	if m.stderr != nil {
		errs = append(errs, m.stderr.Close())
	}
	return errors.Join(errs...)
}

// ring is a FIFO that evicts its oldest entry once capacity is reached.
type ring struct {
	capacity int
	buf      []Entry
	start    int
}

func (r *ring) push(e Entry) {
	if len(r.buf) < r.capacity {
		r.buf = append(r.buf, e)
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % r.capacity
}

func (r *ring) snapshot() []Entry {
	out := make([]Entry, 0, len(r.buf))
	out = append(out, r.buf[r.start:]...)
	return append(out, r.buf[:r.start]...)
}

func (r *ring) reset() {
	r.buf = nil
	r.start = 0
}
