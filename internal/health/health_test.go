package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/manager"
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

func (f *fakeRegistry) IsRunning(id string) bool {
	for _, r := range f.Running() {
		if r.ProjectID == id {
			return true
		}
	}
	return false
}

func (f *fakeRegistry) Get(id string) (manager.Snapshot, bool) {
	for _, r := range f.Running() {
		if r.ProjectID == id {
			return r, true
		}
	}
	return manager.Snapshot{}, false
}

func (f *fakeRegistry) set(runs ...manager.Snapshot) {
	f.mu.Lock()
	f.runs = runs
	f.mu.Unlock()
}

type fakePorts map[string][]int

func (f fakePorts) ProjectPorts(id string) []int { return f[id] }

type fakeEndpoints map[string]string

func (f fakeEndpoints) HealthEndpoint(id string) string { return f[id] }

// server counts hits per path and answers from routes; unknown paths are 404.
type server struct {
	*httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	routes map[string]func(http.ResponseWriter)
}

func newServer(t *testing.T, routes map[string]func(http.ResponseWriter)) *server {
	s := &server{hits: map[string]int{}, routes: routes}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		h := s.routes[r.URL.Path]
		s.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) port(t *testing.T) int {
	_, p, err := net.SplitHostPort(strings.TrimPrefix(s.URL, "http://"))
	require.NoError(t, err)
	n, err := strconv.Atoi(p)
	require.NoError(t, err)
	return n
}

func (s *server) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func ok(body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func status(code int) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) { w.WriteHeader(code) }
}

var started = time.Unix(1000, 0)

func TestUnknownWhenNotRunning(t *testing.T) {
	srv := newServer(t, map[string]func(http.ResponseWriter){"/up": ok(`{}`)})
	reg := &fakeRegistry{}
	p := New(reg, nil, fakeEndpoints{"web": srv.URL + "/up"}, nil, Options{})

	p.CheckAll(context.Background())
	assert.Equal(t, Unknown, p.Status("web"))
	assert.Zero(t, srv.hitCount("/up"))
}

func TestExplicitEndpointTransitions(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := newServer(t, map[string]func(http.ResponseWriter){"/up": func(w http.ResponseWriter) {
		if healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}})

	bus := event.New(0)
	defer bus.Close()
	sub := bus.Subscribe(event.Filter{Topics: []event.Topic{event.TopicHealth}})

	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 10, StartedAt: started})
	p := New(reg, nil, fakeEndpoints{"web": srv.URL + "/up"}, bus, Options{})

	next := func() Change {
		select {
		case e := <-sub.C():
			return e.Payload.(Change)
		case <-time.After(time.Second):
			t.Fatal("no health event")
		}
		return Change{}
	}

	p.CheckAll(context.Background())
	assert.Equal(t, Healthy, p.Status("web"))
	assert.Equal(t, Change{ProjectID: "web", Status: Healthy, Endpoint: srv.URL + "/up"}, next())

	// unchanged state is not republished
	p.CheckAll(context.Background())
	select {
	case e := <-sub.C():
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	healthy.Store(false)
	p.CheckAll(context.Background())
	assert.Equal(t, Unhealthy, p.Status("web"))
	assert.Equal(t, Unhealthy, next().Status)

	reg.set()
	p.CheckAll(context.Background())
	assert.Equal(t, Unknown, p.Status("web"))
	assert.Equal(t, Unknown, next().Status)
}

func TestNetworkFailureIsUnhealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 10, StartedAt: started})
	p := New(reg, nil, fakeEndpoints{"web": "http://" + addr + "/health"}, nil, Options{ProbeTimeout: 200 * time.Millisecond})
	p.CheckAll(context.Background())
	assert.Equal(t, Unhealthy, p.Status("web"))
}

func TestAutoDetectCachesEndpoint(t *testing.T) {
	srv := newServer(t, map[string]func(http.ResponseWriter){
		"/health":  status(http.StatusNotFound),
		"/healthz": ok(`{"status":"ok"}`),
	})
	port := srv.port(t)

	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 10, StartedAt: started})
	p := New(reg, fakePorts{"web": {port}}, nil, nil, Options{Host: "127.0.0.1"})

	p.CheckAll(context.Background())
	assert.Equal(t, Healthy, p.Status("web"))
	url, found := p.Detected("web")
	require.True(t, found)
	assert.Equal(t, srv.URL+"/healthz", url)
	assert.Equal(t, 1, srv.hitCount("/health"))
	assert.Equal(t, 2, srv.hitCount("/healthz"))

	p.CheckAll(context.Background())
	p.CheckAll(context.Background())
	assert.Equal(t, 1, srv.hitCount("/health"), "other candidates must not be checked again")
	assert.Equal(t, 4, srv.hitCount("/healthz"))
	assert.Zero(t, srv.hitCount("/api/health"))
}

func TestAutoDetectFirstConventionalPath(t *testing.T) {
	srv := newServer(t, map[string]func(http.ResponseWriter){"/health": ok(`{"ok":true}`)})
	port := srv.port(t)

	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 10, StartedAt: started})
	p := New(reg, fakePorts{"web": {port}}, nil, nil, Options{})
	p.CheckAll(context.Background())

	url, found := p.Detected("web")
	require.True(t, found)
	assert.Equal(t, "http://localhost:"+strconv.Itoa(port)+"/health", url)
}

func TestAutoDetectRejectsLargeBody(t *testing.T) {
	big := strings.Repeat("x", DefaultBodyLimit+1)
	srv := newServer(t, map[string]func(http.ResponseWriter){"/health": ok(big)})

	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 10, StartedAt: started})
	p := New(reg, fakePorts{"web": {srv.port(t)}}, nil, nil, Options{Host: "127.0.0.1"})
	p.CheckAll(context.Background())

	_, found := p.Detected("web")
	assert.False(t, found)
	assert.Equal(t, Unknown, p.Status("web"))
}

func TestDetectionDroppedOnNewRun(t *testing.T) {
	srv := newServer(t, map[string]func(http.ResponseWriter){"/health": ok(`ok`)})
	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 10, StartedAt: started})
	p := New(reg, fakePorts{"web": {srv.port(t)}}, nil, nil, Options{Host: "127.0.0.1"})

	p.CheckAll(context.Background())
	assert.Equal(t, 2, srv.hitCount("/health"))

	reg.set()
	p.CheckAll(context.Background())
	_, found := p.Detected("web")
	assert.False(t, found)

	reg.set(manager.Snapshot{ProjectID: "web", PID: 20, StartedAt: started.Add(time.Minute)})
	p.CheckAll(context.Background())
	assert.Equal(t, 4, srv.hitCount("/health"), "new run re-detects")
	assert.Equal(t, Healthy, p.Status("web"))
}

func TestForget(t *testing.T) {
	srv := newServer(t, map[string]func(http.ResponseWriter){"/health": ok(`ok`)})
	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 10, StartedAt: started})
	p := New(reg, fakePorts{"web": {srv.port(t)}}, nil, nil, Options{Host: "127.0.0.1"})
	p.CheckAll(context.Background())
	require.Equal(t, Healthy, p.Status("web"))

	p.Forget("web")
	_, found := p.Detected("web")
	assert.False(t, found)
	assert.Equal(t, Unknown, p.Status("web"))
}

func TestExitDuringCheckStaysUnknown(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 10, StartedAt: started})

	var p *Prober
	srv := newServer(t, map[string]func(http.ResponseWriter){"/up": func(w http.ResponseWriter) {
		// the project exits while its check is in flight
		reg.set()
		p.Forget("web")
		w.WriteHeader(http.StatusOK)
	}})

	bus := event.New(0)
	defer bus.Close()
	sub := bus.Subscribe(event.Filter{Topics: []event.Topic{event.TopicHealth}})
	p = New(reg, nil, fakeEndpoints{"web": srv.URL + "/up"}, bus, Options{})

	p.CheckAll(context.Background())
	assert.Equal(t, Unknown, p.Status("web"))
	p.mu.Lock()
	_, stored := p.states["web"]
	p.mu.Unlock()
	assert.False(t, stored, "no state carried into the next run")

	select {
	case e := <-sub.C():
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewRunDuringCheckIsNotCredited(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(manager.Snapshot{ProjectID: "web", PID: 10, StartedAt: started})
	srv := newServer(t, map[string]func(http.ResponseWriter){"/up": func(w http.ResponseWriter) {
		reg.set(manager.Snapshot{ProjectID: "web", PID: 20, StartedAt: started.Add(time.Minute)})
		w.WriteHeader(http.StatusOK)
	}})
	p := New(reg, nil, fakeEndpoints{"web": srv.URL + "/up"}, nil, Options{})

	p.CheckAll(context.Background())
	assert.Equal(t, Unknown, p.Status("web"))

	p.CheckAll(context.Background())
	assert.Equal(t, Healthy, p.Status("web"))
}
