// Package ports scans system-wide listening sockets, flags port conflicts
// and attributes sockets to managed projects.
package ports

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/loop"
	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/metrics"
	"github.com/loykin/devdock/internal/process"
)

// DefaultInterval is the scan period when none is configured.
const DefaultInterval = 5 * time.Second

// Record is one listening socket. Conflict is set when another record of the
// same scan uses the same port.
type Record struct {
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	Address     string `json:"address,omitempty"`
	PID         int    `json:"pid"`
	ProcessName string `json:"processName"`
	State       string `json:"state"`
	Conflict    bool   `json:"conflict"`
	ProjectID   string `json:"projectId,omitempty"`
}

// Registry is the read-only view of the supervisor the observer needs.
type Registry interface {
	Running() []manager.Snapshot
}

type Options struct {
	Interval  time.Duration
	TreeDepth int
	Logger    *slog.Logger
}

type Observer struct {
	*loop.Loop

	reg   Registry
	insp  process.Inspector
	bus   event.Publisher
	depth int
	log   *slog.Logger

	scanMu  sync.Mutex
	mu      sync.RWMutex
	table   []Record
	encoded []byte
}

func New(reg Registry, insp process.Inspector, bus event.Publisher, opts Options) *Observer {
	o := &Observer{
		reg:   reg,
		insp:  insp,
		bus:   bus,
		depth: opts.TreeDepth,
		log:   opts.Logger,
		table: []Record{},
	}
	if o.depth <= 0 {
		o.depth = process.DefaultTreeDepth
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	o.Loop = loop.New("ports", interval, func(ctx context.Context) { o.Scan(ctx) }, o.log)
	return o
}

// Scan rebuilds the port table. When sockets cannot be enumerated the last
// known table is returned instead. The table is published only when it
// differs from the previous one.
func (o *Observer) Scan(ctx context.Context) []Record {
	o.scanMu.Lock()
	defer o.scanMu.Unlock()

	listeners, err := o.insp.Listeners(ctx)
	if err != nil {
		o.log.Warn("port scan failed, keeping last table", "err", err)
		return o.Ports()
	}
	table, err := o.insp.Processes(ctx)
	if err != nil {
		o.log.Debug("process table unavailable for port attribution", "err", err)
	}

	records := build(listeners, table, o.owners(table))
	encoded, err := json.Marshal(records)
	if err != nil {
		o.log.Warn("encode port table", "err", err)
		return o.Ports()
	}

	o.mu.Lock()
	changed := !bytes.Equal(encoded, o.encoded)
	if changed {
		o.table = records
		o.encoded = encoded
	}
	o.mu.Unlock()

	if changed {
		conflicts := 0
		for _, r := range records {
			if r.Conflict {
				conflicts++
			}
		}
		metrics.SetPortTable(len(records), conflicts)
		if o.bus != nil {
			o.bus.Publish(event.Event{Topic: event.TopicPorts, Payload: cloneRecords(records)})
		}
	}
	return cloneRecords(records)
}

// Ports returns the last scanned table.
func (o *Observer) Ports() []Record {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return cloneRecords(o.table)
}

// ProjectPorts returns the distinct ports attributed to projectID, ascending.
func (o *Observer) ProjectPorts(projectID string) []int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []int
	for _, r := range o.table {
		if r.ProjectID == projectID && (len(out) == 0 || out[len(out)-1] != r.Port) {
			out = append(out, r.Port)
		}
	}
	return out
}

// owners maps every pid of every running tree to its project.
func (o *Observer) owners(table process.Table) map[int]string {
	owners := make(map[int]string)
	for _, r := range o.reg.Running() {
		pids := table.Tree(r.PID, o.depth)
		if len(pids) == 0 {
			pids = []int{r.PID}
		}
		for _, pid := range pids {
			if _, taken := owners[pid]; !taken {
				owners[pid] = r.ProjectID
			}
		}
	}
	return owners
}

func build(listeners []process.Listener, table process.Table, owners map[int]string) []Record {
	type key struct {
		pid, port int
		addr      string
	}
	seen := make(map[key]bool, len(listeners))
	records := make([]Record, 0, len(listeners))
	for _, l := range listeners {
		k := key{pid: l.PID, port: l.Port}
		if l.PID == 0 {
			// owner unknown: listeners at different addresses may be different processes
			k.addr = l.Address
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		name := "unknown"
		if info, ok := table[l.PID]; ok && info.Name != "" {
			name = info.Name
		}
		records = append(records, Record{
			Port:        l.Port,
			Protocol:    l.Protocol,
			Address:     l.Address,
			PID:         l.PID,
			ProcessName: name,
			State:       "LISTEN",
			ProjectID:   owners[l.PID],
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Port != records[j].Port {
			return records[i].Port < records[j].Port
		}
		if records[i].PID != records[j].PID {
			return records[i].PID < records[j].PID
		}
		return records[i].Address < records[j].Address
	})
	perPort := make(map[int]int, len(records))
	for _, r := range records {
		perPort[r.Port]++
	}
	for i := range records {
		records[i].Conflict = perPort[records[i].Port] > 1
	}
	return records
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	copy(out, in)
	return out
}
