// Package project holds resolved project records and the catalog that
// resolves project ids for the rest of the system.
package project

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Script is a named launchable command declared by a project.
type Script struct {
	Name    string `json:"name" mapstructure:"name"`
	Command string `json:"command" mapstructure:"command"`
}

// Project is a resolved, read-only project definition.
type Project struct {
	ID             string   `json:"id" mapstructure:"id"`
	Name           string   `json:"name" mapstructure:"name"`
	Path           string   `json:"path" mapstructure:"path"`
	ConfigType     string   `json:"configType" mapstructure:"config_type"`
	Scripts        []Script `json:"scripts" mapstructure:"scripts"`
	HealthEndpoint string   `json:"healthEndpoint,omitempty" mapstructure:"health_endpoint"`
	Env            []string `json:"env,omitempty" mapstructure:"env"`
}

// Script resolves a declared script by name.
func (p Project) Script(name string) (Script, bool) {
	for _, s := range p.Scripts {
		if s.Name == name {
			return s, true
		}
	}
	return Script{}, false
}

// DefaultScript returns the first declared script.
func (p Project) DefaultScript() (Script, bool) {
	if len(p.Scripts) == 0 {
		return Script{}, false
	}
	return p.Scripts[0], true
}

// Validate checks the fields required to launch the project.
func (p Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("project id is required")
	}
	if strings.ContainsAny(p.ID, `/\ `) {
		return fmt.Errorf("project %q: id must not contain slashes or spaces", p.ID)
	}
	if p.Path == "" {
		return fmt.Errorf("project %q: path is required", p.ID)
	}
	seen := make(map[string]struct{}, len(p.Scripts))
	for _, s := range p.Scripts {
		if s.Name == "" || strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("project %q: scripts need a name and a command", p.ID)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("project %q: duplicate script %q", p.ID, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Resolver looks up project definitions by id.
type Resolver interface {
	Get(id string) (Project, bool)
}

// Catalog is an in-memory Resolver that can be replaced wholesale, e.g. on
// configuration reload.
type Catalog struct {
	mu       sync.RWMutex
	projects map[string]Project
}

// NewCatalog validates and indexes projects.
func NewCatalog(projects []Project) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(projects); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Get(id string) (Project, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.projects[id]
	return p, ok
}

// List returns all projects sorted by id.
func (c *Catalog) List() []Project {
	c.mu.RLock()
	out := make([]Project, 0, len(c.projects))
	for _, p := range c.projects {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace swaps the catalog contents. On error the catalog is left unchanged.
func (c *Catalog) Replace(projects []Project) error {
	next := make(map[string]Project, len(projects))
	for _, p := range projects {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := next[p.ID]; dup {
			return fmt.Errorf("duplicate project id %q", p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		next[p.ID] = p
	}
	c.mu.Lock()
	c.projects = next
	c.mu.Unlock()
	return nil
}
