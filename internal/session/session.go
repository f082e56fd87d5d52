// Package session snapshots the running set and restarts it on request.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/project"
	"github.com/loykin/devdock/internal/state"
	"github.com/loykin/devdock/internal/store"
)

type Entry struct {
	ProjectID  string `json:"projectId"`
	ScriptName string `json:"scriptName"`
}

type Snapshot struct {
	Projects  []Entry   `json:"projects"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry is the part of the supervisor the recorder reads and drives.
type Registry interface {
	Running() []manager.Snapshot
	Start(p project.Project, scriptName string) error
}

// EntryError names an entry that could not be restored.
type EntryError struct {
	ProjectID  string `json:"projectId"`
	ScriptName string `json:"scriptName"`
	Error      string `json:"error"`
}

type RestoreResult struct {
	Restored int          `json:"restored"`
	Total    int          `json:"total"`
	Errors   []EntryError `json:"errors,omitempty"`
}

type Recorder struct {
	reg      Registry
	projects project.Resolver
	cell     *state.Cell[*Snapshot]
	log      *slog.Logger
	now      func() time.Time
}

// New loads the last snapshot from st. A read failure is logged and the
// recorder starts without a snapshot.
func New(ctx context.Context, reg Registry, projects project.Resolver, st store.Store, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	cell, err := state.Load[*Snapshot](ctx, st, state.KeySession, nil, log)
	if cell == nil {
		return nil, err
	}
	return &Recorder{reg: reg, projects: projects, cell: cell, log: log, now: time.Now}, nil
}

// Save persists the current running set. The snapshot is kept in memory even
// when the write fails; the error then wraps state.ErrPersistence.
func (r *Recorder) Save(ctx context.Context) (Snapshot, error) {
	running := r.reg.Running()
	snap := Snapshot{Projects: make([]Entry, 0, len(running)), Timestamp: r.now().UTC()}
	for _, s := range running {
		snap.Projects = append(snap.Projects, Entry{ProjectID: s.ProjectID, ScriptName: s.Script})
	}
	sort.Slice(snap.Projects, func(i, j int) bool { return snap.Projects[i].ProjectID < snap.Projects[j].ProjectID })
	err := r.cell.Set(ctx, &snap)
	return snap, err
}

// Last returns the persisted snapshot, if any.
func (r *Recorder) Last() (Snapshot, bool) {
	s := r.cell.Get()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Restore starts every entry of the last snapshot whose project still
// resolves. Failures are collected per entry; the batch always completes.
// A project that is already running counts as restored.
func (r *Recorder) Restore(ctx context.Context) (RestoreResult, error) {
	snap, ok := r.Last()
	if !ok {
		return RestoreResult{}, nil
	}
	res := RestoreResult{Total: len(snap.Projects)}
	for _, e := range snap.Projects {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, found := r.projects.Get(e.ProjectID)
		if !found {
			res.Errors = append(res.Errors, EntryError{
				ProjectID:  e.ProjectID,
				ScriptName: e.ScriptName,
				Error:      fmt.Sprintf("project %q: %v", e.ProjectID, manager.ErrNotFound),
			})
			continue
		}
		err := r.reg.Start(p, e.ScriptName)
		if err != nil && !errors.Is(err, manager.ErrAlreadyRunning) {
			res.Errors = append(res.Errors, EntryError{ProjectID: e.ProjectID, ScriptName: e.ScriptName, Error: err.Error()})
			continue
		}
		res.Restored++
	}
	r.log.Info("session restored", "restored", res.Restored, "total", res.Total)
	return res, nil
}

// Clear discards the snapshot.
func (r *Recorder) Clear(ctx context.Context) error {
	return r.cell.Set(ctx, nil)
}
