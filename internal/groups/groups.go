// Package groups keeps named sets of projects that are started and stopped
// together.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/project"
	"github.com/loykin/devdock/internal/state"
	"github.com/loykin/devdock/internal/store"
)

// ErrGroupNotFound matches manager.ErrNotFound under errors.Is.
var ErrGroupNotFound = fmt.Errorf("group %w", manager.ErrNotFound)

type Group struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ProjectIDs  []string `json:"projectIds"`
}

// Update carries the fields of a partial group update; nil leaves a field
// unchanged.
type Update struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	ProjectIDs  *[]string `json:"projectIds,omitempty"`
}

// MemberResult is the outcome of one member of a group start or stop.
type MemberResult struct {
	ProjectID string `json:"projectId"`
	Script    string `json:"script,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Controller is the part of the supervisor a group drives.
type Controller interface {
	Start(p project.Project, scriptName string) error
	Stop(ctx context.Context, projectID string) error
}

type Service struct {
	ctl      Controller
	projects project.Resolver
	cell     *state.Cell[[]Group]
	log      *slog.Logger
	mu       sync.Mutex
}

func New(ctx context.Context, ctl Controller, projects project.Resolver, st store.Store, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	cell, err := state.Load(ctx, st, state.KeyGroups, []Group{}, log)
	if cell == nil {
		return nil, err
	}
	return &Service{ctl: ctl, projects: projects, cell: cell, log: log}, nil
}

func (s *Service) List() []Group {
	gs := s.cell.Get()
	if gs == nil {
		gs = []Group{}
	}
	return gs
}

func (s *Service) Get(id string) (Group, error) {
	for _, g := range s.cell.Get() {
		if g.ID == id {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
}

// Create stores a new group. A persistence failure is returned together with
// the group, which stays in memory.
func (s *Service) Create(ctx context.Context, name, description string, projectIDs []string) (Group, error) {
	if name == "" {
		return Group{}, errors.New("group name is required")
	}
	g := Group{ID: uuid.NewString(), Name: name, Description: description, ProjectIDs: dedupe(projectIDs)}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.cell.Update(ctx, func(gs *[]Group) { *gs = append(*gs, g) })
	return g, err
}

func (s *Service) Update(ctx context.Context, id string, u Update) (Group, error) {
	return s.modify(ctx, id, func(g *Group) {
		if u.Name != nil && *u.Name != "" {
			g.Name = *u.Name
		}
		if u.Description != nil {
			g.Description = *u.Description
		}
		if u.ProjectIDs != nil {
			g.ProjectIDs = dedupe(*u.ProjectIDs)
		}
	})
}

func (s *Service) AddProject(ctx context.Context, id, projectID string) (Group, error) {
	return s.modify(ctx, id, func(g *Group) {
		g.ProjectIDs = dedupe(append(g.ProjectIDs, projectID))
	})
}

func (s *Service) RemoveProject(ctx context.Context, id, projectID string) (Group, error) {
	return s.modify(ctx, id, func(g *Group) {
		g.ProjectIDs = slices.DeleteFunc(g.ProjectIDs, func(p string) bool { return p == projectID })
	})
}

func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.Get(id); err != nil {
		return err
	}
	_, err := s.cell.Update(ctx, func(gs *[]Group) {
		*gs = slices.DeleteFunc(*gs, func(g Group) bool { return g.ID == id })
	})
	return err
}

func (s *Service) modify(ctx context.Context, id string, fn func(*Group)) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.Get(id); err != nil {
		return Group{}, err
	}
	var out Group
	_, err := s.cell.Update(ctx, func(gs *[]Group) {
		for i := range *gs {
			if (*gs)[i].ID == id {
				fn(&(*gs)[i])
				out = (*gs)[i]
			}
		}
	})
	return out, err
}

// Start starts every member with script, or with the member's first declared
// script when script is empty or not declared by that member. Members that
// are already running count as started.
func (s *Service) Start(ctx context.Context, id, script string) ([]MemberResult, error) {
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	results := make([]MemberResult, 0, len(g.ProjectIDs))
	for _, pid := range g.ProjectIDs {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res := MemberResult{ProjectID: pid}
		p, ok := s.projects.Get(pid)
		if !ok {
			res.Error = fmt.Sprintf("project %q: %v", pid, manager.ErrNotFound)
			results = append(results, res)
			continue
		}
		name := script
		if _, declared := p.Script(name); !declared {
			def, has := p.DefaultScript()
			if !has {
				res.Error = fmt.Sprintf("project %q: %v", pid, manager.ErrNoScript)
				results = append(results, res)
				continue
			}
			name = def.Name
		}
		res.Script = name
		if err := s.ctl.Start(p, name); err != nil && !errors.Is(err, manager.ErrAlreadyRunning) {
			res.Error = err.Error()
		} else {
			res.OK = true
		}
		results = append(results, res)
	}
	s.log.Info("group started", "group", g.Name, "members", len(results))
	return results, nil
}

// Stop stops every member concurrently. Members that are not running count
// as stopped.
func (s *Service) Stop(ctx context.Context, id string) ([]MemberResult, error) {
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	results := make([]MemberResult, len(g.ProjectIDs))
	var wg sync.WaitGroup
	for i, pid := range g.ProjectIDs {
		wg.Add(1)
		go func(i int, pid string) {
			defer wg.Done()
			res := MemberResult{ProjectID: pid, OK: true}
			if err := s.ctl.Stop(ctx, pid); err != nil && !errors.Is(err, manager.ErrNotRunning) {
				res.OK = false
				res.Error = err.Error()
			}
			results[i] = res
		}(i, pid)
	}
	wg.Wait()
	s.log.Info("group stopped", "group", g.Name, "members", len(results))
	return results, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
