// Package resource samples CPU and memory of every managed process tree.
package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/loop"
	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/metrics"
	"github.com/loykin/devdock/internal/process"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = 5 * time.Second

// Sample is the aggregated usage of one project's process tree.
type Sample struct {
	ProjectID   string    `json:"projectId"`
	PID         int       `json:"pid"`
	CPUPercent  float64   `json:"cpuPercent"`
	MemoryBytes uint64    `json:"memoryBytes"`
	Processes   int       `json:"processes"`
	Timestamp   time.Time `json:"timestamp"`
}

// Registry is the read-only view of the supervisor the sampler needs.
type Registry interface {
	Running() []manager.Snapshot
}

type Options struct {
	Interval   time.Duration
	TreeDepth  int
	ClockTicks float64 // ticks per second; defaults to SC_CLK_TCK
	Logger     *slog.Logger
	Now        func() time.Time
}

// baseline is the previous tick's aggregate for one run of a project.
type baseline struct {
	pid       int
	startedAt time.Time
	ticks     uint64
	at        time.Time
}

type Sampler struct {
	*loop.Loop

	reg   Registry
	insp  process.Inspector
	bus   event.Publisher
	depth int
	clk   float64
	now   func() time.Time
	log   *slog.Logger

	mu        sync.RWMutex
	baselines map[string]baseline
	latest    map[string]Sample
}

func New(reg Registry, insp process.Inspector, bus event.Publisher, opts Options) *Sampler {
	s := &Sampler{
		reg:       reg,
		insp:      insp,
		bus:       bus,
		depth:     opts.TreeDepth,
		clk:       opts.ClockTicks,
		now:       opts.Now,
		log:       opts.Logger,
		baselines: make(map[string]baseline),
		latest:    make(map[string]Sample),
	}
	if s.depth <= 0 {
		s.depth = process.DefaultTreeDepth
	}
	if s.clk <= 0 {
		s.clk = process.ClockTicks()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.Loop = loop.New("resource", interval, func(ctx context.Context) { s.SampleOnce(ctx) }, s.log)
	return s
}

// SampleOnce takes one sample of every running project and publishes it.
func (s *Sampler) SampleOnce(ctx context.Context) []Sample {
	running := s.reg.Running()
	active := make(map[string]bool, len(running))
	for _, r := range running {
		active[r.ProjectID] = true
	}

	var table process.Table
	if len(running) > 0 {
		t, err := s.insp.Processes(ctx)
		if err != nil {
			s.log.Warn("resource sample skipped", "err", err)
			s.purge(active)
			return nil
		}
		table = t
	}

	now := s.now()
	out := make([]Sample, 0, len(running))
	s.mu.Lock()
	for _, r := range running {
		pids := table.Tree(r.PID, s.depth)
		if len(pids) == 0 {
			s.log.Debug("process vanished before sampling", "project", r.ProjectID, "pid", r.PID)
			continue
		}
		ticks, rss := table.Usage(pids)

		cpu := 0.0
		if b, ok := s.baselines[r.ProjectID]; ok && b.pid == r.PID && b.startedAt.Equal(r.StartedAt) {
			cpu = cpuPercent(b.ticks, ticks, now.Sub(b.at), s.clk)
		}
		s.baselines[r.ProjectID] = baseline{pid: r.PID, startedAt: r.StartedAt, ticks: ticks, at: now}

		sample := Sample{
			ProjectID:   r.ProjectID,
			PID:         r.PID,
			CPUPercent:  cpu,
			MemoryBytes: rss,
			Processes:   len(pids),
			Timestamp:   now,
		}
		s.latest[r.ProjectID] = sample
		out = append(out, sample)
	}
	s.mu.Unlock()
	s.purge(active)

	for _, sample := range out {
		metrics.SetUsage(sample.ProjectID, sample.CPUPercent, sample.MemoryBytes)
		if s.bus != nil {
			s.bus.Publish(event.Event{Topic: event.TopicResource, ProjectID: sample.ProjectID, Payload: sample, Time: now})
		}
	}
	return out
}

// Usage returns the latest sample for a running project.
func (s *Sampler) Usage(projectID string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.latest[projectID]
	return sample, ok
}

// purge drops baselines and samples of projects that are no longer running.
func (s *Sampler) purge(active map[string]bool) {
	s.mu.Lock()
	var gone []string
	for id := range s.baselines {
		if !active[id] {
			gone = append(gone, id)
		}
	}
	for id := range s.latest {
		if !active[id] {
			if _, seen := s.baselines[id]; !seen {
				gone = append(gone, id)
			}
		}
	}
	for _, id := range gone {
		delete(s.baselines, id)
		delete(s.latest, id)
	}
	s.mu.Unlock()
	for _, id := range gone {
		metrics.DeleteUsage(id)
	}
}

// cpuPercent converts a tick delta over elapsed wall time to a percentage
// clamped to [0, 100].
func cpuPercent(prev, cur uint64, elapsed time.Duration, clk float64) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 || clk <= 0 || cur <= prev {
		return 0
	}
	pct := (float64(cur-prev) / clk) / secs * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
