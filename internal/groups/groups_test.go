package groups

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/project"
	"github.com/loykin/devdock/internal/store"
)

type fakeController struct {
	mu      sync.Mutex
	running map[string]string
}

func (f *fakeController) Start(p project.Project, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[p.ID]; ok {
		return manager.ErrAlreadyRunning
	}
	if _, ok := p.Script(script); !ok {
		return manager.ErrNoScript
	}
	f.running[p.ID] = script
	return nil
}

func (f *fakeController) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return manager.ErrNotRunning
	}
	delete(f.running, id)
	return nil
}

func catalog(t *testing.T) *project.Catalog {
	t.Helper()
	c, err := project.NewCatalog([]project.Project{
		{ID: "web", Path: t.TempDir(), Scripts: []project.Script{{Name: "dev", Command: "sleep 30"}}},
		{ID: "api", Path: t.TempDir(), Scripts: []project.Script{{Name: "start", Command: "sleep 30"}, {Name: "dev", Command: "sleep 30"}}},
		{ID: "docs", Path: t.TempDir()},
	})
	require.NoError(t, err)
	return c
}

func newService(t *testing.T, ctl Controller, st store.Store) *Service {
	t.Helper()
	s, err := New(context.Background(), ctl, catalog(t), st, nil)
	require.NoError(t, err)
	return s
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s := newService(t, &fakeController{running: map[string]string{}}, st)
	assert.Empty(t, s.List())

	g, err := s.Create(ctx, "backend", "api and web", []string{"api", "web", "api"})
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, []string{"api", "web"}, g.ProjectIDs)

	_, err = s.Create(ctx, "", "", nil)
	assert.Error(t, err)

	name := "platform"
	g, err = s.Update(ctx, g.ID, Update{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "platform", g.Name)
	assert.Equal(t, "api and web", g.Description)

	g, err = s.AddProject(ctx, g.ID, "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web", "docs"}, g.ProjectIDs)
	g, err = s.RemoveProject(ctx, g.ID, "api")
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "docs"}, g.ProjectIDs)

	// persisted: a second service over the same store sees the group
	s2 := newService(t, &fakeController{running: map[string]string{}}, st)
	got, err := s2.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, g, got)

	require.NoError(t, s.Delete(ctx, g.ID))
	_, err = s.Get(g.ID)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.ErrorIs(t, err, manager.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, g.ID), manager.ErrNotFound)
	_, err = s.Update(ctx, "missing", Update{})
	assert.ErrorIs(t, err, manager.ErrNotFound)
}

func TestStartStopGroup(t *testing.T) {
	ctx := context.Background()
	ctl := &fakeController{running: map[string]string{"web": "dev"}}
	s := newService(t, ctl, store.NewMemory())
	g, err := s.Create(ctx, "all", "", []string{"web", "api", "docs", "ghost"})
	require.NoError(t, err)

	res, err := s.Start(ctx, g.ID, "dev")
	require.NoError(t, err)
	require.Len(t, res, 4)
	assert.Equal(t, MemberResult{ProjectID: "web", Script: "dev", OK: true}, res[0], "already running is success")
	assert.Equal(t, MemberResult{ProjectID: "api", Script: "dev", OK: true}, res[1])
	assert.False(t, res[2].OK)
	assert.Contains(t, res[2].Error, "script not found")
	assert.False(t, res[3].OK)
	assert.Contains(t, res[3].Error, "ghost")

	res, err = s.Start(ctx, g.ID, "")
	require.NoError(t, err)
	assert.True(t, res[1].OK)

	res, err = s.Stop(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, res, 4)
	for _, r := range res {
		assert.True(t, r.OK, r.ProjectID)
	}
	assert.Empty(t, ctl.running)

	_, err = s.Start(ctx, "missing", "")
	assert.True(t, errors.Is(err, manager.ErrNotFound))
}

func TestDefaultScriptWhenUndeclared(t *testing.T) {
	ctx := context.Background()
	ctl := &fakeController{running: map[string]string{}}
	s := newService(t, ctl, store.NewMemory())
	g, err := s.Create(ctx, "api", "", []string{"api"})
	require.NoError(t, err)

	res, err := s.Start(ctx, g.ID, "build")
	require.NoError(t, err)
	assert.Equal(t, "start", res[0].Script)
	assert.Equal(t, "start", ctl.running["api"])
}

func TestGroupWithRealSupervisor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
	ctx := context.Background()
	mgr := manager.New(manager.Options{GracePeriod: 2 * time.Second})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	s := newService(t, mgr, store.NewMemory())
	g, err := s.Create(ctx, "pair", "", []string{"web", "api"})
	require.NoError(t, err)

	res, err := s.Start(ctx, g.ID, "dev")
	require.NoError(t, err)
	for _, r := range res {
		require.True(t, r.OK, r.Error)
	}
	assert.True(t, mgr.IsRunning("web"))
	assert.True(t, mgr.IsRunning("api"))

	res, err = s.Stop(ctx, g.ID)
	require.NoError(t, err)
	for _, r := range res {
		assert.True(t, r.OK, r.Error)
	}
	assert.False(t, mgr.IsRunning("web"))
	assert.False(t, mgr.IsRunning("api"))
}
