package ports

import (
	"context"
	"errors"
	"net"
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

type fakeRegistry struct{ runs []manager.Snapshot }

func (f *fakeRegistry) Running() []manager.Snapshot { return f.runs }

type fakeInspector struct {
	mu        sync.Mutex
	listeners []process.Listener
	table     process.Table
	err       error
}

func (f *fakeInspector) Processes(context.Context) (process.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table, nil
}

func (f *fakeInspector) Listeners(context.Context) ([]process.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]process.Listener(nil), f.listeners...), nil
}

func newInspector() *fakeInspector {
	return &fakeInspector{
		table: process.Table{
			10: {PID: 10, PPID: 1, PGID: 10, Name: "sh"},
			11: {PID: 11, PPID: 10, PGID: 10, Name: "node"},
			50: {PID: 50, PPID: 1, PGID: 50, Name: "python3"},
			60: {PID: 60, PPID: 1, PGID: 60, Name: "postgres"},
		},
		listeners: []process.Listener{
			{Port: 4000, Protocol: "tcp", PID: 11},
			{Port: 4000, Protocol: "tcp6", PID: 11}, // same pid, same port: deduplicated
			{Port: 4000, Protocol: "tcp", PID: 50},
			{Port: 5432, Protocol: "tcp", PID: 60},
			{Port: 22, Protocol: "tcp"},
		},
	}
}

func TestScanDedupesFlagsConflictsAndAttributes(t *testing.T) {
	reg := &fakeRegistry{runs: []manager.Snapshot{{ProjectID: "web", PID: 10}}}
	o := New(reg, newInspector(), nil, Options{})

	recs := o.Scan(context.Background())
	require.Len(t, recs, 4)

	assert.Equal(t, 22, recs[0].Port)
	assert.Equal(t, "unknown", recs[0].ProcessName)
	assert.False(t, recs[0].Conflict)

	assert.Equal(t, Record{Port: 4000, Protocol: "tcp", PID: 11, ProcessName: "node", State: "LISTEN", Conflict: true, ProjectID: "web"}, recs[1])
	assert.Equal(t, 50, recs[2].PID)
	assert.True(t, recs[2].Conflict)
	assert.Empty(t, recs[2].ProjectID)

	assert.Equal(t, 5432, recs[3].Port)
	assert.False(t, recs[3].Conflict)

	assert.Equal(t, []int{4000}, o.ProjectPorts("web"))
	assert.Empty(t, o.ProjectPorts("other"))
}

func TestConflictIffPortShared(t *testing.T) {
	recs := build([]process.Listener{
		{Port: 1, PID: 1}, {Port: 1, PID: 2}, {Port: 1, PID: 3},
		{Port: 2, PID: 1},
		{Port: 3, PID: 4}, {Port: 3, PID: 4},
	}, nil, nil)
	byPort := map[int][]bool{}
	for _, r := range recs {
		byPort[r.Port] = append(byPort[r.Port], r.Conflict)
	}
	assert.Equal(t, []bool{true, true, true}, byPort[1])
	assert.Equal(t, []bool{false}, byPort[2])
	assert.Equal(t, []bool{false}, byPort[3])
}

func TestUnknownOwnersKeptPerAddress(t *testing.T) {
	recs := build([]process.Listener{
		{Port: 8080, Address: "192.168.1.5"},
		{Port: 8080, Address: "127.0.0.1"},
		{Port: 8080, Address: "127.0.0.1"},
		{Port: 9090, Address: "0.0.0.0"},
	}, nil, nil)
	require.Len(t, recs, 3)

	assert.Equal(t, "127.0.0.1", recs[0].Address)
	assert.Equal(t, "192.168.1.5", recs[1].Address)
	assert.True(t, recs[0].Conflict)
	assert.True(t, recs[1].Conflict)
	assert.Equal(t, 9090, recs[2].Port)
	assert.False(t, recs[2].Conflict)
}

func TestScanFailureReturnsLastTable(t *testing.T) {
	insp := newInspector()
	o := New(&fakeRegistry{}, insp, nil, Options{})
	first := o.Scan(context.Background())
	require.NotEmpty(t, first)

	insp.mu.Lock()
	insp.err = errors.New("no permission")
	insp.mu.Unlock()
	assert.Equal(t, first, o.Scan(context.Background()))
	assert.Equal(t, first, o.Ports())
}

func TestPublishesOnlyOnChange(t *testing.T) {
	bus := event.New(0)
	defer bus.Close()
	sub := bus.Subscribe(event.Filter{Topics: []event.Topic{event.TopicPorts}})

	insp := newInspector()
	o := New(&fakeRegistry{}, insp, bus, Options{})
	o.Scan(context.Background())
	o.Scan(context.Background())

	recv := func() []Record {
		select {
		case e := <-sub.C():
			return e.Payload.([]Record)
		case <-time.After(time.Second):
			t.Fatal("no ports event")
		}
		return nil
	}
	assert.Len(t, recv(), 4)
	select {
	case e := <-sub.C():
		t.Fatalf("unchanged table republished: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	insp.mu.Lock()
	insp.listeners = insp.listeners[:1]
	insp.mu.Unlock()
	o.Scan(context.Background())
	assert.Len(t, recv(), 1)
}

func TestScanRealListener(t *testing.T) {
	insp, err := process.NewInspector()
	if err != nil {
		t.Skipf("no inspector: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	reg := &fakeRegistry{runs: []manager.Snapshot{{ProjectID: "self", PID: os.Getpid()}}}
	o := New(reg, insp, nil, Options{})
	found := false
	for _, r := range o.Scan(context.Background()) {
		if r.Port == port && r.PID == os.Getpid() {
			found = true
			assert.Equal(t, "self", r.ProjectID)
		}
	}
	assert.True(t, found, "own listener on %d not found", port)
	assert.Contains(t, o.ProjectPorts("self"), port)
}
