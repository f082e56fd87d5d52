// Package devdock is the embeddable facade of the devdock orchestrator: it
// supervises local development projects, samples their resource usage,
// observes listening ports, probes health and remembers the running session.
package devdock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devdock/internal/config"
	"github.com/loykin/devdock/internal/env"
	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/groups"
	"github.com/loykin/devdock/internal/health"
	"github.com/loykin/devdock/internal/history"
	historyfactory "github.com/loykin/devdock/internal/history/factory"
	"github.com/loykin/devdock/internal/logs"
	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/metrics"
	"github.com/loykin/devdock/internal/ports"
	"github.com/loykin/devdock/internal/process"
	"github.com/loykin/devdock/internal/project"
	"github.com/loykin/devdock/internal/resource"
	iapi "github.com/loykin/devdock/internal/server"
	"github.com/loykin/devdock/internal/session"
	"github.com/loykin/devdock/internal/state"
	"github.com/loykin/devdock/internal/store"
	storefactory "github.com/loykin/devdock/internal/store/factory"
)

// Re-export the types embedders see.

type (
	Config        = config.Config
	Project       = project.Project
	Script        = project.Script
	Status        = manager.Status
	HealthState   = health.State
	PortRecord    = ports.Record
	Usage         = resource.Sample
	LogEntry      = logs.Entry
	Snapshot      = session.Snapshot
	RestoreResult = session.RestoreResult
	Settings      = state.Settings
	Override      = state.Override
	Group         = groups.Group
	Event         = event.Event
	EnvDiff       = env.Diff
)

var (
	ErrNotFound       = manager.ErrNotFound
	ErrAlreadyRunning = manager.ErrAlreadyRunning
	ErrNotRunning     = manager.ErrNotRunning
	ErrNoScript       = manager.ErrNoScript
	ErrSpawn          = manager.ErrSpawn
)

// LoadConfig reads a TOML configuration file; "" yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type options struct {
	logger    *slog.Logger
	store     store.Store
	inspector process.Inspector
	sinks     []history.Sink
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithStore replaces the store built from storage.dsn.
func WithStore(s store.Store) Option { return func(o *options) { o.store = s } }

// WithInspector replaces the platform process inspector.
func WithInspector(i process.Inspector) Option { return func(o *options) { o.inspector = i } }

// WithHistorySinks adds sinks next to those named in history.sinks.
func WithHistorySinks(s ...history.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// Orchestrator owns every component and exposes the operations of the
// request boundary.
type Orchestrator struct {
	cfg *config.Config
	log *slog.Logger

	store   store.Store
	bus     *event.Bus
	logs    *logs.Multiplexer
	catalog *project.Catalog
	mgr     *manager.Manager
	sampler *resource.Sampler
	ports   *ports.Observer
	health  *health.Prober
	session *session.Recorder
	groups  *groups.Service
	history *history.Recorder

	settings  *state.Cell[state.Settings]
	overrides *state.Cell[state.Overrides]
	notes     *state.Cell[state.Notes]

	mu       sync.Mutex
	cancel   context.CancelFunc
	watchers sync.WaitGroup
	started  bool
	closing  bool
}

// New builds every component from cfg. No loop runs until StartMonitors.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.Load(""); err != nil {
			return nil, err
		}
	}
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger
	if log == nil {
		log = slog.Default()
	}

	catalog, err := project.NewCatalog(cfg.ProjectList())
	if err != nil {
		return nil, fmt.Errorf("project catalog: %w", err)
	}
	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}

	st := o.store
	if st == nil {
		if st, err = storefactory.NewFromDSN(cfg.Storage.DSN); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("prepare store: %w", err)
	}

	insp := o.inspector
	if insp == nil {
		if insp, err = process.NewInspector(); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	sinks, err := historyfactory.NewSinks(cfg.History.Sinks)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	sinks = append(sinks, o.sinks...)

	bus := event.New(0)
	orc := &Orchestrator{
		cfg:     cfg,
		log:     log,
		store:   st,
		bus:     bus,
		catalog: catalog,
		logs:    logs.New(bus, logs.Options{Capacity: cfg.Logs.BufferSize, Files: cfg.Logs.Mirror, Logger: log}),
		history: history.NewRecorder(bus, sinks, log),
	}
	orc.mgr = manager.New(manager.Options{
		Bus:         bus,
		Logs:        orc.logs,
		Env:         env.New().WithPairs(globalEnv),
		Inspector:   insp,
		Shell:       cfg.Supervisor.Shell,
		GracePeriod: cfg.Supervisor.GracePeriod,
		SettleDelay: cfg.Supervisor.SettleDelay,
		TreeDepth:   cfg.Supervisor.TreeDepth,
		Logger:      log,
	})

	def := state.SettingsFrom(cfg.Monitor.HealthInterval, cfg.Monitor.ResourceInterval, cfg.Monitor.PortInterval)
	if orc.settings, err = state.Load(ctx, st, state.KeySettings, def, log); err != nil && orc.settings == nil {
		return nil, err
	}
	if orc.overrides, err = state.Load(ctx, st, state.KeyOverrides, state.Overrides{}, log); err != nil && orc.overrides == nil {
		return nil, err
	}
	if orc.notes, err = state.Load(ctx, st, state.KeyNotes, state.Notes{}, log); err != nil && orc.notes == nil {
		return nil, err
	}
	settings := orc.settings.Get()

	orc.sampler = resource.New(orc.mgr, insp, bus, resource.Options{
		Interval:  settings.Resource(),
		TreeDepth: cfg.Supervisor.TreeDepth,
		Logger:    log,
	})
	orc.ports = ports.New(orc.mgr, insp, bus, ports.Options{
		Interval:  settings.Ports(),
		TreeDepth: cfg.Supervisor.TreeDepth,
		Logger:    log,
	})
	orc.health = health.New(orc.mgr, orc.ports, orc, bus, health.Options{
		Interval:      settings.Health(),
		ProbeTimeout:  cfg.Monitor.ProbeTimeout,
		DetectTimeout: cfg.Monitor.DetectTimeout,
		Paths:         cfg.Monitor.HealthPaths,
		Host:          cfg.Monitor.HealthHost,
		Logger:        log,
	})

	if orc.session, err = session.New(ctx, orc.mgr, catalog, st, log); err != nil && orc.session == nil {
		return nil, err
	}
	if orc.groups, err = groups.New(ctx, groupController{orc}, catalog, st, log); err != nil && orc.groups == nil {
		return nil, err
	}
	if err := orc.seedGroups(ctx); err != nil {
		log.Warn("seeding configured groups failed", "err", err)
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return orc, nil
}

// seedGroups makes sure every group named by a [[projects]] entry exists and
// lists that project.
func (o *Orchestrator) seedGroups(ctx context.Context) error {
	var errs []error
	for id, name := range o.cfg.ProjectGroups() {
		var found *groups.Group
		for _, g := range o.groups.List() {
			if g.Name == name {
				found = &g
				break
			}
		}
		var err error
		if found == nil {
			_, err = o.groups.Create(ctx, name, "", []string{id})
		} else {
			_, err = o.groups.AddProject(ctx, found.ID, id)
		}
		if err != nil && !errors.Is(err, state.ErrPersistence) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartMonitors runs the monitoring loops and the history recorder until
// Shutdown.
func (o *Orchestrator) StartMonitors(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	ctx, o.cancel = context.WithCancel(ctx)

	statusSub := o.bus.Subscribe(event.Filter{Topics: []event.Topic{event.TopicStatus}})
	o.watchers.Add(1)
	go o.watchStatus(ctx, statusSub)

	o.history.Start(ctx)
	o.ports.Start(ctx)
	o.sampler.Start(ctx)
	o.health.Start(ctx)
	o.log.Info("devdock started", "projects", len(o.catalog.List()))
}

// watchStatus drops per-run health state as soon as a project leaves running.
func (o *Orchestrator) watchStatus(ctx context.Context, sub *event.Subscription) {
	defer o.watchers.Done()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			se, isStatus := e.Payload.(manager.StatusEvent)
			if !isStatus {
				continue
			}
			if se.Status == manager.StatusStopped || se.Status == manager.StatusCrashed {
				o.health.Forget(se.ProjectID)
			}
		}
	}
}

// Shutdown stops the loops, stops every managed project and releases the
// store and sinks.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.closing = true
	o.mu.Unlock()

	o.health.Stop()
	o.sampler.Stop()
	o.ports.Stop()
	errs := []error{o.mgr.Close(ctx)}
	if cancel != nil {
		cancel()
	}
	o.watchers.Wait()
	errs = append(errs, o.history.Close(), o.logs.Close())
	o.bus.Close()
	errs = append(errs, o.store.Close())
	return errors.Join(errs...)
}

// Project resolves id against the catalog.
func (o *Orchestrator) Project(id string) (project.Project, error) {
	p, found := o.catalog.Get(id)
	if !found {
		return project.Project{}, fmt.Errorf("project %q: %w", id, manager.ErrNotFound)
	}
	return p, nil
}

func (o *Orchestrator) Projects() []project.Project { return o.catalog.List() }

// ReplaceProjects swaps the catalog, e.g. after a configuration reload.
// Running projects keep running.
func (o *Orchestrator) ReplaceProjects(ps []project.Project) error { return o.catalog.Replace(ps) }

func (o *Orchestrator) Status(id string) manager.Status { return o.mgr.Status(id) }
func (o *Orchestrator) IsRunning(id string) bool        { return o.mgr.IsRunning(id) }

func (o *Orchestrator) PID(id string) int {
	pid, _ := o.mgr.PID(id)
	return pid
}

func (o *Orchestrator) ActiveScript(id string) string {
	s, _ := o.mgr.ActiveScript(id)
	return s
}

// Start launches script of project id, defaulting to its first script, and
// records the session.
func (o *Orchestrator) Start(ctx context.Context, id, script string) error {
	p, err := o.Project(id)
	if err != nil {
		return err
	}
	if script == "" {
		if def, ok := p.DefaultScript(); ok {
			script = def.Name
		}
	}
	if err := o.mgr.Start(p, script); err != nil {
		return err
	}
	o.saveSession(ctx)
	return nil
}

func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	if _, err := o.Project(id); err != nil && !o.mgr.IsRunning(id) {
		return err
	}
	if err := o.mgr.Stop(ctx, id); err != nil {
		o.saveSessionWhenStopped(ctx, id)
		return err
	}
	o.saveSession(ctx)
	return nil
}

// Restart stops (if running) and starts again. An empty script keeps the
// active one, or falls back to the first declared script.
func (o *Orchestrator) Restart(ctx context.Context, id, script string) error {
	p, err := o.Project(id)
	if err != nil {
		return err
	}
	if script == "" {
		script = o.ActiveScript(id)
	}
	if script == "" {
		if def, ok := p.DefaultScript(); ok {
			script = def.Name
		}
	}
	if err := o.mgr.Restart(ctx, p, script); err != nil {
		o.saveSessionWhenStopped(ctx, id)
		return err
	}
	o.saveSession(ctx)
	return nil
}

// StopAll stops every managed project concurrently. The session is left
// untouched so it can be restored on the next start.
func (o *Orchestrator) StopAll(ctx context.Context) error { return o.mgr.StopAll(ctx) }

func (o *Orchestrator) saveSession(ctx context.Context) {
	if _, err := o.session.Save(context.WithoutCancel(ctx)); err != nil {
		o.log.Warn("session save failed", "err", err)
	}
}

// saveSessionWhenStopped records the session once a stop the caller stopped
// waiting for has finished, so the snapshot never lists a stopped project.
func (o *Orchestrator) saveSessionWhenStopped(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	done := o.mgr.Done(id)
	if done == nil {
		o.saveSession(ctx)
		return
	}
	go func() {
		<-done
		o.mu.Lock()
		closing := o.closing
		o.mu.Unlock()
		// shutdown keeps the last session for restore
		if !closing {
			o.saveSession(ctx)
		}
	}()
}

func (o *Orchestrator) Logs(id string) []logs.Entry                { return o.logs.Buffer(id) }
func (o *Orchestrator) ClearLogs(id string)                        { o.logs.Clear(id) }
func (o *Orchestrator) SubscribeLogs(id string) *event.Subscription { return o.logs.Subscribe(id) }
func (o *Orchestrator) UnsubscribeLogs(sub *event.Subscription)    { o.logs.Unsubscribe(sub) }

// Subscribe receives bus events matching f.
func (o *Orchestrator) Subscribe(f event.Filter) *event.Subscription { return o.bus.Subscribe(f) }

func (o *Orchestrator) Health(id string) health.State { return o.health.Status(id) }

// HealthEndpoint is the configured endpoint of id: a runtime override wins
// over the catalog's declared endpoint.
func (o *Orchestrator) HealthEndpoint(id string) string {
	if ov, ok := o.overrides.Get()[id]; ok && ov.HealthEndpoint != "" {
		return ov.HealthEndpoint
	}
	if p, ok := o.catalog.Get(id); ok {
		return p.HealthEndpoint
	}
	return ""
}

// SetHealthEndpoint overrides the endpoint of id; "" clears the override.
func (o *Orchestrator) SetHealthEndpoint(ctx context.Context, id, endpoint string) error {
	if _, err := o.Project(id); err != nil {
		return err
	}
	_, err := o.overrides.Update(ctx, func(ov *state.Overrides) {
		if *ov == nil {
			*ov = state.Overrides{}
		}
		cur := (*ov)[id]
		cur.HealthEndpoint = endpoint
		if cur == (state.Override{}) {
			delete(*ov, id)
			return
		}
		(*ov)[id] = cur
	})
	o.health.Forget(id)
	return tolerate(err)
}

func (o *Orchestrator) Override(id string) state.Override { return o.overrides.Get()[id] }

func (o *Orchestrator) Usage(id string) (resource.Sample, bool) { return o.sampler.Usage(id) }

func (o *Orchestrator) Ports() []ports.Record { return o.ports.Ports() }

func (o *Orchestrator) ScanPorts(ctx context.Context) []ports.Record { return o.ports.Scan(ctx) }

func (o *Orchestrator) ProjectPorts(id string) []int { return o.ports.ProjectPorts(id) }

func (o *Orchestrator) Note(id string) string { return o.notes.Get()[id] }

// ProjectEnv returns the variables declared by the dotenv files in the
// project directory.
func (o *Orchestrator) ProjectEnv(id string) (map[string]string, error) {
	p, err := o.Project(id)
	if err != nil {
		return nil, err
	}
	return env.ReadProject(p.Path), nil
}

// CompareEnv diffs the dotenv variables of two projects key by key.
func (o *Orchestrator) CompareEnv(id1, id2 string) (map[string]env.Diff, error) {
	a, err := o.ProjectEnv(id1)
	if err != nil {
		return nil, err
	}
	b, err := o.ProjectEnv(id2)
	if err != nil {
		return nil, err
	}
	return env.Compare(a, b), nil
}

// SetNote stores free text for id; "" removes it.
func (o *Orchestrator) SetNote(ctx context.Context, id, note string) error {
	if _, err := o.Project(id); err != nil {
		return err
	}
	_, err := o.notes.Update(ctx, func(n *state.Notes) {
		if *n == nil {
			*n = state.Notes{}
		}
		if note == "" {
			delete(*n, id)
			return
		}
		(*n)[id] = note
	})
	return tolerate(err)
}

func (o *Orchestrator) LastSession() (session.Snapshot, bool) { return o.session.Last() }

func (o *Orchestrator) SaveSession(ctx context.Context) (session.Snapshot, error) {
	return o.session.Save(ctx)
}

func (o *Orchestrator) RestoreSession(ctx context.Context) (session.RestoreResult, error) {
	res, err := o.session.Restore(ctx)
	if err != nil {
		return res, err
	}
	if res.Restored > 0 {
		o.saveSession(ctx)
	}
	return res, nil
}

func (o *Orchestrator) ClearSession(ctx context.Context) error { return o.session.Clear(ctx) }

func (o *Orchestrator) Groups() *groups.Service { return o.groups }

func (o *Orchestrator) Settings() state.Settings { return o.settings.Get() }

// UpdateSettings merges the positive fields of patch and applies the
// intervals to the running loops.
func (o *Orchestrator) UpdateSettings(ctx context.Context, patch state.Settings) (state.Settings, error) {
	s, err := o.settings.Update(ctx, func(cur *state.Settings) { *cur = cur.Merge(patch) })
	o.applyIntervals(s)
	return s, tolerate(err)
}

// ApplyMonitor applies reloaded [monitor] intervals. Intervals stored as
// settings are replaced as well so the reload sticks across restarts.
func (o *Orchestrator) ApplyMonitor(ctx context.Context, m config.MonitorConfig) {
	patch := state.SettingsFrom(m.HealthInterval, m.ResourceInterval, m.PortInterval)
	if _, err := o.UpdateSettings(ctx, patch); err != nil {
		o.log.Warn("apply monitor settings", "err", err)
	}
}

func (o *Orchestrator) applyIntervals(s state.Settings) {
	o.health.SetInterval(s.Health())
	o.sampler.SetInterval(s.Resource())
	o.ports.SetInterval(s.Ports())
	o.log.Info("intervals applied", "health", s.Health(), "resource", s.Resource(), "ports", s.Ports())
}

// Intervals reports the loop periods currently in effect.
func (o *Orchestrator) Intervals() (healthEvery, resourceEvery, portsEvery time.Duration) {
	return o.health.Interval(), o.sampler.Interval(), o.ports.Interval()
}

// tolerate swallows persistence failures: they are logged by the state cell
// and the in-memory value stays authoritative.
func tolerate(err error) error {
	if errors.Is(err, state.ErrPersistence) {
		return nil
	}
	return err
}

// groupController starts group members through the orchestrator so the
// session is recorded.
type groupController struct{ o *Orchestrator }

func (g groupController) Start(p project.Project, script string) error {
	if err := g.o.mgr.Start(p, script); err != nil {
		return err
	}
	g.o.saveSession(context.Background())
	return nil
}

func (g groupController) Stop(ctx context.Context, id string) error {
	if err := g.o.mgr.Stop(ctx, id); err != nil {
		return err
	}
	g.o.saveSession(ctx)
	return nil
}

// Handler returns the HTTP boundary mounted at basePath.
func (o *Orchestrator) Handler(basePath string) http.Handler {
	return o.Router(basePath).Handler()
}

// Router exposes the boundary for mounting on an existing gin engine.
func (o *Orchestrator) Router(basePath string) *iapi.Router {
	opts := []iapi.Option{iapi.WithLogger(o.log)}
	if o.cfg.Metrics.Enabled && o.cfg.Metrics.Listen == "" {
		opts = append(opts, iapi.WithMetrics(metrics.Handler()))
	}
	return iapi.NewRouter(o, basePath, opts...)
}

var _ iapi.Backend = (*Orchestrator)(nil)

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It blocks until the server stops.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
