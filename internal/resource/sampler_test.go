package resource

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/process"
)

type fakeRegistry struct {
	mu   sync.Mutex
	runs []manager.Snapshot
}

func (f *fakeRegistry) Running() []manager.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]manager.Snapshot(nil), f.runs...)
}

func (f *fakeRegistry) set(runs ...manager.Snapshot) {
	f.mu.Lock()
	f.runs = runs
	f.mu.Unlock()
}

type fakeInspector struct {
	mu    sync.Mutex
	table process.Table
	err   error
}

func (f *fakeInspector) Processes(context.Context) (process.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(process.Table, len(f.table))
	for k, v := range f.table {
		out[k] = v
	}
	return out, nil
}

func (f *fakeInspector) Listeners(context.Context) ([]process.Listener, error) { return nil, nil }

func (f *fakeInspector) setTicks(pid int, ticks uint64) {
	f.mu.Lock()
	info := f.table[pid]
	info.CPUTicks = ticks
	f.table[pid] = info
	f.mu.Unlock()
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup() (*Sampler, *fakeRegistry, *fakeInspector, *clock) {
	started := time.Unix(1000, 0)
	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 100, StartedAt: started})
	insp := &fakeInspector{table: process.Table{
		100: {PID: 100, PPID: 1, PGID: 100, CPUTicks: 1000, RSSBytes: 10 << 20},
		101: {PID: 101, PPID: 100, PGID: 100, CPUTicks: 500, RSSBytes: 5 << 20},
		200: {PID: 200, PPID: 1, PGID: 200, CPUTicks: 99999, RSSBytes: 1 << 30},
	}}
	clk := &clock{t: time.Unix(2000, 0)}
	s := New(reg, insp, nil, Options{ClockTicks: 100, Now: clk.now})
	return s, reg, insp, clk
}

func TestFirstSampleIsZeroCPU(t *testing.T) {
	s, _, _, _ := setup()
	out := s.SampleOnce(context.Background())
	require.Len(t, out, 1)
	assert.Equal(t, 0.0, out[0].CPUPercent)
	assert.Equal(t, uint64(15<<20), out[0].MemoryBytes, "memory sums the tree and excludes unrelated processes")
	assert.Equal(t, 2, out[0].Processes)
}

func TestCPUPercentFromTickDelta(t *testing.T) {
	s, _, insp, clk := setup()
	s.SampleOnce(context.Background())

	// 50 ticks over 1s at 100 ticks/s = 50%
	insp.setTicks(100, 1050)
	clk.advance(time.Second)
	out := s.SampleOnce(context.Background())
	require.Len(t, out, 1)
	assert.InDelta(t, 50.0, out[0].CPUPercent, 0.001)

	// multi-core bursts clamp to 100
	insp.setTicks(100, 1550)
	clk.advance(time.Second)
	out = s.SampleOnce(context.Background())
	assert.Equal(t, 100.0, out[0].CPUPercent)

	// a child exiting lowers the aggregate: clamp to 0, never negative
	insp.mu.Lock()
	delete(insp.table, 101)
	insp.mu.Unlock()
	clk.advance(time.Second)
	out = s.SampleOnce(context.Background())
	assert.Equal(t, 0.0, out[0].CPUPercent)

	got, ok := s.Usage("web")
	require.True(t, ok)
	assert.Equal(t, out[0], got)
}

func TestRestartResetsBaseline(t *testing.T) {
	s, reg, insp, clk := setup()
	s.SampleOnce(context.Background())

	// project stopped: baseline and sample purged
	reg.set()
	s.SampleOnce(context.Background())
	_, ok := s.Usage("web")
	assert.False(t, ok)

	// restarted with the same pid but a new start time: first sample is 0 again
	reg.set(manager.Snapshot{ProjectID: "web", PID: 100, StartedAt: time.Unix(3000, 0)})
	insp.setTicks(100, 5000)
	clk.advance(time.Second)
	out := s.SampleOnce(context.Background())
	require.Len(t, out, 1)
	assert.Equal(t, 0.0, out[0].CPUPercent)
}

func TestVanishedProcessIsSkipped(t *testing.T) {
	s, reg, _, _ := setup()
	reg.set(
		manager.Snapshot{ProjectID: "ghost", PID: 4242},
		manager.Snapshot{ProjectID: "web", PID: 100, StartedAt: time.Unix(1000, 0)},
	)
	out := s.SampleOnce(context.Background())
	require.Len(t, out, 1)
	assert.Equal(t, "web", out[0].ProjectID)
}

func TestInspectorFailureIsSwallowed(t *testing.T) {
	s, _, insp, _ := setup()
	insp.err = errors.New("procfs unavailable")
	assert.Nil(t, s.SampleOnce(context.Background()))
}

func TestSamplesArePublished(t *testing.T) {
	bus := event.New(0)
	defer bus.Close()
	sub := bus.Subscribe(event.Filter{Topics: []event.Topic{event.TopicResource}})

	s, _, _, _ := setup()
	s.bus = bus
	s.SampleOnce(context.Background())

	select {
	case e := <-sub.C():
		assert.Equal(t, "web", e.ProjectID)
		assert.Equal(t, "web", e.Payload.(Sample).ProjectID)
	case <-time.After(time.Second):
		t.Fatal("no resource event")
	}
}

func TestCPUPercentBounds(t *testing.T) {
	assert.Equal(t, 0.0, cpuPercent(10, 20, 0, 100))
	assert.Equal(t, 0.0, cpuPercent(10, 20, time.Second, 0))
	assert.Equal(t, 0.0, cpuPercent(20, 10, time.Second, 100))
	assert.InDelta(t, 10.0, cpuPercent(0, 20, 2*time.Second, 100), 0.0001)
}

func TestLoopSamplesRealProcess(t *testing.T) {
	insp, err := process.NewInspector()
	if err != nil {
		t.Skipf("no inspector: %v", err)
	}
	reg := &fakeRegistry{}
	s := New(reg, insp, nil, Options{Interval: 20 * time.Millisecond})
	reg.set(manager.Snapshot{ProjectID: "self", PID: os.Getpid()})
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		u, ok := s.Usage("self")
		return ok && u.MemoryBytes > 0 && u.CPUPercent >= 0 && u.CPUPercent <= 100
	}, 3*time.Second, 20*time.Millisecond)
}
