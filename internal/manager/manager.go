// Package manager owns the registry of managed project processes and is the
// only component allowed to start or stop them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/devdock/internal/env"
	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/logs"
	"github.com/loykin/devdock/internal/metrics"
	"github.com/loykin/devdock/internal/process"
	"github.com/loykin/devdock/internal/project"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultGracePeriod = 5 * time.Second
	DefaultSettleDelay = time.Second
	// killWait bounds how long Stop waits for the exit to be observed after SIGKILL.
	killWait = 2 * time.Second
	// drainWait bounds how long the exit observer waits for output readers.
	drainWait = 200 * time.Millisecond
)

// Options configures a Manager.
type Options struct {
	Bus       event.Publisher
	Logs      *logs.Multiplexer
	Env       *env.Env
	Inspector process.Inspector // used to reach escaped descendants on forced kill
	Shell     string
	// GracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// SettleDelay separates stop and start in Restart so ports are released.
	SettleDelay time.Duration
	TreeDepth   int
	Logger      *slog.Logger
}

// Manager is the process supervisor. All registry mutation happens under mu;
// reads take snapshots.
type Manager struct {
	mu         sync.RWMutex
	procs      map[string]*managed
	status     map[string]Status
	restarting map[string]bool
	closed     bool

	bus    event.Publisher
	logs   *logs.Multiplexer
	env    *env.Env
	insp   process.Inspector
	shell  string
	grace  time.Duration
	settle time.Duration
	depth  int
	log    *slog.Logger
}

func New(opts Options) *Manager {
	m := &Manager{
		procs:      make(map[string]*managed),
		status:     make(map[string]Status),
		restarting: make(map[string]bool),
		bus:        opts.Bus,
		logs:       opts.Logs,
		env:        opts.Env,
		insp:       opts.Inspector,
		shell:      opts.Shell,
		grace:      opts.GracePeriod,
		settle:     opts.SettleDelay,
		depth:      opts.TreeDepth,
		log:        opts.Logger,
	}
	if m.env == nil {
		m.env = env.New()
	}
	if m.grace <= 0 {
		m.grace = DefaultGracePeriod
	}
	if m.settle < 0 {
		m.settle = 0
	} else if m.settle == 0 {
		m.settle = DefaultSettleDelay
	}
	if m.depth <= 0 {
		m.depth = process.DefaultTreeDepth
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Start spawns scriptName of p in p.Path and registers it. The running status
// is published before Start returns.
func (m *Manager) Start(p project.Project, scriptName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrShuttingDown
	}
	if cur, ok := m.procs[p.ID]; ok {
		return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, p.ID, cur.pid)
	}
	script, ok := p.Script(scriptName)
	if !ok {
		return fmt.Errorf("%w: %q in project %s", ErrNoScript, scriptName, p.ID)
	}

	cmd := process.Command{
		Shell:      m.shell,
		ConfigType: p.ConfigType,
		ScriptName: script.Name,
		Script:     script.Command,
		Dir:        p.Path,
		Env:        append(m.env.Merge(p.Env), "FORCE_COLOR=1"),
	}.Build()

	mp, err := startManaged(p.ID, script.Name, cmd)
	if err != nil {
		m.transitionLocked(p.ID, StatusCrashed, StatusEvent{Script: script.Name})
		m.appendLog(p.ID, "[devdock] failed to start: "+err.Error())
		metrics.IncCrash(p.ID)
		m.log.Warn("project failed to start", "project", p.ID, "script", script.Name, "err", err)
		return fmt.Errorf("%w: %s: %w", ErrSpawn, p.ID, err)
	}

	m.procs[p.ID] = mp
	m.transitionLocked(p.ID, StatusRunning, StatusEvent{PID: mp.pid, Script: script.Name})
	metrics.IncStart(p.ID)
	m.log.Info("project started", "project", p.ID, "script", script.Name, "pid", mp.pid)

	if m.logs != nil {
		go m.logs.Capture(p.ID, logs.Stdout, mp.stdout)
		go m.logs.Capture(p.ID, logs.Stderr, mp.stderr)
	} else {
		go func() { _, _ = io.Copy(io.Discard, mp.stdout) }()
		go func() { _, _ = io.Copy(io.Discard, mp.stderr) }()
	}
	go m.observe(mp)
	return nil
}

// Stop terminates the project's process group: SIGTERM, then SIGKILL to the
// group and any discoverable descendants once the grace period expires.
// The termination runs detached from ctx; a cancelled ctx only stops the
// caller from waiting for it. Concurrent calls wait for the same outcome.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	m.mu.RLock()
	mp := m.procs[projectID]
	m.mu.RUnlock()
	if mp == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, projectID)
	}

	if mp.stopRequested.CompareAndSwap(false, true) {
		go m.terminate(mp)
	}
	select {
	case <-mp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the project's current process has
// exited and left the registry, or nil when nothing is running.
func (m *Manager) Done(projectID string) <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mp, ok := m.procs[projectID]; ok {
		return mp.done
	}
	return nil
}

func (m *Manager) terminate(mp *managed) {
	metrics.IncStop(mp.projectID)
	if err := process.SignalGroup(mp.pid, sigTerm); err != nil {
		m.log.Debug("SIGTERM failed", "project", mp.projectID, "pid", mp.pid, "err", err)
	}

	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-mp.done:
		// leader is gone; take down anything left in its group
		if err := process.KillGroup(mp.pid, sigKill); err != nil {
			m.log.Debug("group cleanup failed", "project", mp.projectID, "pid", mp.pid, "err", err)
		}
		return
	case <-timer.C:
	}

	m.forceKill(mp)
	select {
	case <-mp.done:
	case <-time.After(killWait):
		m.log.Warn("exit not observed after SIGKILL; dropping from registry", "project", mp.projectID, "pid", mp.pid)
		m.mu.Lock()
		if m.procs[mp.projectID] == mp {
			delete(m.procs, mp.projectID)
			m.transitionLocked(mp.projectID, StatusStopped, StatusEvent{})
		}
		m.mu.Unlock()
		mp.finish()
	}
}

func (m *Manager) forceKill(mp *managed) {
	metrics.IncForceKill(mp.projectID)
	var table process.Table
	if m.insp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		t, err := m.insp.Processes(ctx)
		cancel()
		if err != nil {
			m.log.Debug("process table unavailable for forced kill", "project", mp.projectID, "err", err)
		}
		table = t
	}
	m.log.Warn("grace period expired, killing process tree", "project", mp.projectID, "pid", mp.pid)
	if err := process.KillTree(table, mp.pid, m.depth); err != nil {
		m.log.Debug("kill tree", "project", mp.projectID, "err", err)
	}
}

// Restart stops the project when it is running, waits the settle delay and
// starts scriptName. A failed stop aborts the restart. When ctx ends first
// the stop still completes but the project is not started again.
func (m *Manager) Restart(ctx context.Context, p project.Project, scriptName string) error {
	if _, ok := p.Script(scriptName); !ok {
		return fmt.Errorf("%w: %q in project %s", ErrNoScript, scriptName, p.ID)
	}
	if m.IsRunning(p.ID) {
		if err := m.Stop(ctx, p.ID); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
		m.setRestarting(p.ID, true)
		t := time.NewTimer(m.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			m.setRestarting(p.ID, false)
			return ctx.Err()
		}
		m.setRestarting(p.ID, false)
	}
	return m.Start(p, scriptName)
}

func (m *Manager) setRestarting(id string, v bool) {
	m.mu.Lock()
	if v {
		m.restarting[id] = true
	} else {
		delete(m.restarting, id)
	}
	m.mu.Unlock()
}

// StopAll stops every managed project concurrently and waits for all of
// them. Individual failures are joined into the returned error.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				emu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
				emu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close rejects further starts and stops everything.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.StopAll(ctx)
}

// IsRunning reports whether projectID has a managed process.
func (m *Manager) IsRunning(projectID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.procs[projectID]
	return ok
}

// PID returns the root pid of the project's process.
func (m *Manager) PID(projectID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mp, ok := m.procs[projectID]; ok {
		return mp.pid, true
	}
	return 0, false
}

// ActiveScript returns the script name the project was started with.
func (m *Manager) ActiveScript(projectID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mp, ok := m.procs[projectID]; ok {
		return mp.script, true
	}
	return "", false
}

// Status derives the project's runtime status from the registry.
func (m *Manager) Status(projectID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.procs[projectID]; ok {
		return StatusRunning
	}
	if m.restarting[projectID] {
		return StatusStarting
	}
	if m.status[projectID] == StatusCrashed {
		return StatusCrashed
	}
	return StatusStopped
}

// Get returns a snapshot of the project's registry entry.
func (m *Manager) Get(projectID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.procs[projectID]
	if !ok {
		return Snapshot{}, false
	}
	return mp.snapshot(), true
}

// Running returns snapshots of every managed process sorted by project id.
func (m *Manager) Running() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.procs))
	for _, mp := range m.procs {
		out = append(out, mp.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// observe waits for the process to exit and resolves its final status.
func (m *Manager) observe(mp *managed) {
	waitErr := mp.cmd.Wait()
	ex := process.ExitOf(waitErr)

	select {
	case <-mp.drained():
	case <-time.After(drainWait):
	}

	status := StatusCrashed
	switch {
	case !ex.Signaled && ex.Code == 0:
		status = StatusStopped
	case mp.stopRequested.Load() && ex.TerminatedBy(sigTerm, sigKill, sigInt):
		status = StatusStopped
	}

	evt := StatusEvent{PID: mp.pid, Script: mp.script}
	if ex.Signaled {
		evt.Signal = ex.Signal.String()
		m.appendLog(mp.projectID, fmt.Sprintf("[devdock] process terminated by signal %s", ex.Signal))
	} else {
		code := ex.Code
		evt.ExitCode = &code
		m.appendLog(mp.projectID, fmt.Sprintf("[devdock] process exited with code %d", code))
	}

	m.mu.Lock()
	if m.procs[mp.projectID] == mp {
		delete(m.procs, mp.projectID)
		m.transitionLocked(mp.projectID, status, evt)
	}
	m.mu.Unlock()

	if status == StatusCrashed {
		metrics.IncCrash(mp.projectID)
		m.log.Warn("project crashed", "project", mp.projectID, "pid", mp.pid, "code", ex.Code, "signal", evt.Signal)
	} else {
		m.log.Info("project stopped", "project", mp.projectID, "pid", mp.pid)
	}
	mp.finish()
}

// transitionLocked records and publishes a status change. Caller holds mu.
func (m *Manager) transitionLocked(projectID string, to Status, evt StatusEvent) {
	from := m.status[projectID]
	if from == "" {
		from = StatusStopped
	}
	m.status[projectID] = to
	metrics.RecordStateTransition(projectID, string(from), string(to))
	metrics.SetRunning(projectID, to == StatusRunning)

	if m.bus == nil {
		return
	}
	evt.ProjectID = projectID
	evt.Status = to
	m.bus.Publish(event.Event{Topic: event.TopicStatus, ProjectID: projectID, Payload: evt})
}

func (m *Manager) appendLog(projectID, line string) {
	if m.logs != nil {
		m.logs.Append(projectID, logs.Stderr, line)
	}
}
