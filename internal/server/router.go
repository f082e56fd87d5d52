package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devdock/internal/env"
	"github.com/loykin/devdock/internal/event"
	"github.com/loykin/devdock/internal/groups"
	"github.com/loykin/devdock/internal/health"
	"github.com/loykin/devdock/internal/logs"
	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/ports"
	"github.com/loykin/devdock/internal/project"
	"github.com/loykin/devdock/internal/resource"
	"github.com/loykin/devdock/internal/session"
	"github.com/loykin/devdock/internal/state"
)

// Backend is everything the HTTP boundary drives.
type Backend interface {
	Projects() []project.Project
	Project(id string) (project.Project, error)
	Status(id string) manager.Status
	PID(id string) int
	ActiveScript(id string) string

	Start(ctx context.Context, id, script string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id, script string) error
	StopAll(ctx context.Context) error

	Logs(id string) []logs.Entry
	ClearLogs(id string)
	SubscribeLogs(id string) *event.Subscription
	Subscribe(f event.Filter) *event.Subscription

	Health(id string) health.State
	SetHealthEndpoint(ctx context.Context, id, endpoint string) error
	Usage(id string) (resource.Sample, bool)
	Ports() []ports.Record
	ScanPorts(ctx context.Context) []ports.Record
	ProjectPorts(id string) []int

	Note(id string) string
	SetNote(ctx context.Context, id, note string) error
	Override(id string) state.Override
	ProjectEnv(id string) (map[string]string, error)
	CompareEnv(id1, id2 string) (map[string]env.Diff, error)

	LastSession() (session.Snapshot, bool)
	SaveSession(ctx context.Context) (session.Snapshot, error)
	RestoreSession(ctx context.Context) (session.RestoreResult, error)
	ClearSession(ctx context.Context) error

	Groups() *groups.Service

	Settings() state.Settings
	UpdateSettings(ctx context.Context, patch state.Settings) (state.Settings, error)
}

// Router serves the JSON API and the /events websocket under basePath.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	be       Backend
	basePath string
	metrics  http.Handler
	log      *slog.Logger
}

type Option func(*Router)

// WithMetrics exposes h on {basePath}/metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

func NewRouter(be Backend, basePath string, opts ...Option) *Router {
	r := &Router{be: be, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register mounts every route on grp.
func (r *Router) Register(grp *gin.RouterGroup) {
	grp.GET("/healthz", func(c *gin.Context) { ok(c, gin.H{"status": "ok"}) })
	if r.metrics != nil {
		grp.GET("/metrics", gin.WrapH(r.metrics))
	}

	grp.GET("/projects", r.listProjects)
	grp.GET("/projects/:id", r.getProject)
	grp.POST("/projects/:id/start", r.startProject)
	grp.POST("/projects/:id/stop", r.stopProject)
	grp.POST("/projects/:id/restart", r.restartProject)
	grp.GET("/projects/:id/logs", r.getLogs)
	grp.DELETE("/projects/:id/logs", r.clearLogs)
	grp.GET("/projects/:id/health", r.getHealth)
	grp.PUT("/projects/:id/health", r.setHealth)
	grp.GET("/projects/:id/usage", r.getUsage)
	grp.PUT("/projects/:id/note", r.setNote)

	grp.GET("/env/:id", r.getEnv)
	grp.GET("/env/compare/:id1/:id2", r.compareEnv)

	grp.GET("/ports", r.listPorts)
	grp.POST("/ports/scan", r.scanPorts)

	grp.GET("/session", r.getSession)
	grp.POST("/session", r.saveSession)
	grp.DELETE("/session", r.clearSession)
	grp.POST("/session/restore", r.restoreSession)

	grp.GET("/groups", r.listGroups)
	grp.POST("/groups", r.createGroup)
	grp.GET("/groups/:id", r.getGroup)
	grp.PUT("/groups/:id", r.updateGroup)
	grp.DELETE("/groups/:id", r.deleteGroup)
	grp.POST("/groups/:id/start", r.startGroup)
	grp.POST("/groups/:id/stop", r.stopGroup)

	grp.GET("/settings", r.getSettings)
	grp.PUT("/settings", r.updateSettings)

	grp.POST("/shutdown-all", r.shutdownAll)

	grp.GET("/events", r.events)
}

// NewServer starts a standalone server on addr using this router. A non-nil
// tlsConf serves HTTPS.
func NewServer(addr string, r *Router, tlsConf *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tlsConf != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", "addr", addr, "err", err)
		}
	}()
	return server
}
