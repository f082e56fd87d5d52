// Package health probes running projects over HTTP and tracks a
// healthy/unhealthy/unknown state per project.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/loop"
	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/metrics"
)

type State string

const (
	Unknown   State = "unknown"
	Healthy   State = "healthy"
	Unhealthy State = "unhealthy"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
	DefaultDetectTimeout = time.Second
	DefaultBodyLimit     = 4 << 10
	DefaultHost          = "localhost"
)

// DefaultPaths are tried, in order, on every port of a project when no
// endpoint is configured.
var DefaultPaths = []string{"/health", "/healthz", "/api/health", "/status", "/ping"}

// Change is the payload of a health event.
type Change struct {
	ProjectID string `json:"projectId"`
	Status    State  `json:"status"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// Registry is the read-only view of the supervisor the prober needs.
type Registry interface {
	Running() []manager.Snapshot
	IsRunning(projectID string) bool
	Get(projectID string) (manager.Snapshot, bool)
}

// PortSource reports the listening ports attributed to a project.
type PortSource interface {
	ProjectPorts(projectID string) []int
}

// EndpointSource returns the explicitly configured endpoint of a project, or
// "" when none is set.
type EndpointSource interface {
	HealthEndpoint(projectID string) string
}

type Options struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	DetectTimeout time.Duration
	Paths         []string
	BodyLimit     int64
	Host          string
	Client        *http.Client
	Logger        *slog.Logger
}

// detection is an auto-detected endpoint, valid for one run of a project.
type detection struct {
	pid       int
	startedAt time.Time
	url       string
}

type Prober struct {
	*loop.Loop

	reg       Registry
	ports     PortSource
	endpoints EndpointSource
	bus       event.Publisher
	client    *http.Client
	log       *slog.Logger

	probeTimeout  time.Duration
	detectTimeout time.Duration
	paths         []string
	bodyLimit     int64
	host          string

	checkMu  sync.Mutex
	mu       sync.Mutex
	states   map[string]State
	detected map[string]detection
}

func New(reg Registry, ports PortSource, endpoints EndpointSource, bus event.Publisher, opts Options) *Prober {
	p := &Prober{
		reg:           reg,
		ports:         ports,
		endpoints:     endpoints,
		bus:           bus,
		client:        opts.Client,
		log:           opts.Logger,
		probeTimeout:  opts.ProbeTimeout,
		detectTimeout: opts.DetectTimeout,
		paths:         opts.Paths,
		bodyLimit:     opts.BodyLimit,
		host:          opts.Host,
		states:        make(map[string]State),
		detected:      make(map[string]detection),
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.probeTimeout <= 0 {
		p.probeTimeout = DefaultProbeTimeout
	}
	if p.detectTimeout <= 0 {
		p.detectTimeout = DefaultDetectTimeout
	}
	if len(p.paths) == 0 {
		p.paths = DefaultPaths
	}
	if p.bodyLimit <= 0 {
		p.bodyLimit = DefaultBodyLimit
	}
	if p.host == "" {
		p.host = DefaultHost
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.Loop = loop.New("health", interval, p.CheckAll, p.log)
	return p
}

// Status returns the last probed state, or Unknown when the project is not
// running.
func (p *Prober) Status(projectID string) State {
	if !p.reg.IsRunning(projectID) {
		return Unknown
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[projectID]; ok {
		return s
	}
	return Unknown
}

// Detected returns the auto-detected endpoint cached for the current run.
func (p *Prober) Detected(projectID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.detected[projectID]
	return d.url, ok
}

// Forget resets a project to Unknown and drops its detected endpoint.
func (p *Prober) Forget(projectID string) {
	p.mu.Lock()
	delete(p.detected, projectID)
	p.mu.Unlock()
	p.set(projectID, Unknown, "")
}

// CheckAll probes every running project once and resets every other known
// project to Unknown.
func (p *Prober) CheckAll(ctx context.Context) {
	p.checkMu.Lock()
	defer p.checkMu.Unlock()

	running := p.reg.Running()
	active := make(map[string]bool, len(running))
	var wg sync.WaitGroup
	for _, r := range running {
		active[r.ProjectID] = true
		wg.Add(1)
		go func(r manager.Snapshot) {
			defer wg.Done()
			p.check(ctx, r)
		}(r)
	}
	wg.Wait()

	p.mu.Lock()
	var stale []string
	for id := range p.states {
		if !active[id] {
			stale = append(stale, id)
		}
	}
	for id := range p.detected {
		if !active[id] {
			delete(p.detected, id)
		}
	}
	p.mu.Unlock()
	for _, id := range stale {
		p.set(id, Unknown, "")
	}
}

func (p *Prober) check(ctx context.Context, r manager.Snapshot) {
	url := p.resolve(ctx, r)
	if url == "" {
		p.record(r, Unknown, "")
		return
	}
	state := Unhealthy
	if err := p.Probe(ctx, url); err == nil {
		state = Healthy
	} else {
		p.log.Debug("health probe failed", "project", r.ProjectID, "url", url, "err", err)
	}
	p.record(r, state, url)
}

// record stores the outcome of probing run r. A run that ended while the
// probe was in flight leaves the project Unknown.
func (p *Prober) record(r manager.Snapshot, state State, endpoint string) {
	p.mu.Lock()
	cur, ok := p.reg.Get(r.ProjectID)
	if !ok || cur.PID != r.PID || !cur.StartedAt.Equal(r.StartedAt) {
		state, endpoint = Unknown, ""
		delete(p.detected, r.ProjectID)
	}
	prev := p.swapLocked(r.ProjectID, state)
	p.mu.Unlock()
	p.announce(r.ProjectID, prev, state, endpoint)
}

// resolve picks the configured endpoint, then the endpoint detected for this
// run, then tries to detect one.
func (p *Prober) resolve(ctx context.Context, r manager.Snapshot) string {
	if p.endpoints != nil {
		if url := p.endpoints.HealthEndpoint(r.ProjectID); url != "" {
			return url
		}
	}

	p.mu.Lock()
	d, ok := p.detected[r.ProjectID]
	if ok && (d.pid != r.PID || !d.startedAt.Equal(r.StartedAt)) {
		delete(p.detected, r.ProjectID)
		ok = false
	}
	p.mu.Unlock()
	if ok {
		return d.url
	}

	if p.ports == nil {
		return ""
	}
	for _, port := range p.ports.ProjectPorts(r.ProjectID) {
		for _, path := range p.paths {
			url := fmt.Sprintf("http://%s%s", net.JoinHostPort(p.host, strconv.Itoa(port)), path)
			if !p.candidate(ctx, url) {
				continue
			}
			p.mu.Lock()
			p.detected[r.ProjectID] = detection{pid: r.PID, startedAt: r.StartedAt, url: url}
			p.mu.Unlock()
			p.log.Info("health endpoint detected", "project", r.ProjectID, "url", url)
			return url
		}
	}
	return ""
}

// candidate reports whether url answers 2xx with a body small enough to be a
// health payload.
func (p *Prober) candidate(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.detectTimeout)
	defer cancel()
	status, body, err := p.get(ctx, url)
	if err != nil {
		return false
	}
	return status >= 200 && status < 300 && int64(len(body)) <= p.bodyLimit
}

// Probe issues one GET against url. Any transport error or non-2xx status is
// returned as an error.
func (p *Prober) Probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	status, _, err := p.get(ctx, url)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("unexpected status %d", status)
	}
	return nil
}

func (p *Prober) get(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.bodyLimit+1))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (p *Prober) set(projectID string, state State, endpoint string) {
	p.mu.Lock()
	prev := p.swapLocked(projectID, state)
	p.mu.Unlock()
	p.announce(projectID, prev, state, endpoint)
}

// swapLocked stores state and returns the previous one. Caller holds mu.
func (p *Prober) swapLocked(projectID string, state State) State {
	prev, ok := p.states[projectID]
	if !ok {
		prev = Unknown
	}
	if state == Unknown {
		delete(p.states, projectID)
	} else {
		p.states[projectID] = state
	}
	return prev
}

func (p *Prober) announce(projectID string, prev, state State, endpoint string) {
	if prev == state {
		return
	}
	metrics.SetHealth(projectID, string(state))
	p.log.Info("health changed", "project", projectID, "from", prev, "to", state)
	if p.bus != nil {
		p.bus.Publish(event.Event{
			Topic:     event.TopicHealth,
			ProjectID: projectID,
			Payload:   Change{ProjectID: projectID, Status: state, Endpoint: endpoint},
		})
	}
}
