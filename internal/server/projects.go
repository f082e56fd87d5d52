package server

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devdock/internal/health"
	"github.com/loykin/devdock/internal/manager"
	"github.com/loykin/devdock/internal/project"
	"github.com/loykin/devdock/internal/resource"
	"github.com/loykin/devdock/internal/state"
)

// ProjectInfo is a project definition together with its runtime view.
type ProjectInfo struct {
	project.Project
	Status       manager.Status   `json:"status"`
	PID          int              `json:"pid,omitempty"`
	ActiveScript string           `json:"activeScript,omitempty"`
	Health       health.State     `json:"health"`
	Usage        *resource.Sample `json:"usage,omitempty"`
	Ports        []int            `json:"ports"`
	Note         string           `json:"note,omitempty"`
	Override     state.Override   `json:"override"`
}

type scriptRequest struct {
	Script string `json:"script"`
}

func (r *Router) info(p project.Project) ProjectInfo {
	pi := ProjectInfo{
		Project:      p,
		Status:       r.be.Status(p.ID),
		PID:          r.be.PID(p.ID),
		ActiveScript: r.be.ActiveScript(p.ID),
		Health:       r.be.Health(p.ID),
		Ports:        r.be.ProjectPorts(p.ID),
		Note:         r.be.Note(p.ID),
		Override:     r.be.Override(p.ID),
	}
	if pi.Ports == nil {
		pi.Ports = []int{}
	}
	if u, found := r.be.Usage(p.ID); found {
		pi.Usage = &u
	}
	return pi
}

func (r *Router) listProjects(c *gin.Context) {
	ps := r.be.Projects()
	out := make([]ProjectInfo, 0, len(ps))
	for _, p := range ps {
		out = append(out, r.info(p))
	}
	ok(c, out)
}

func (r *Router) getProject(c *gin.Context) {
	p, err := r.be.Project(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, r.info(p))
}

// bindScript reads an optional {"script": ...} body.
func bindScript(c *gin.Context) (string, bool) {
	var req scriptRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid JSON: "+err.Error())
		return "", false
	}
	return req.Script, true
}

func (r *Router) startProject(c *gin.Context) {
	script, valid := bindScript(c)
	if !valid {
		return
	}
	id := c.Param("id")
	if err := r.be.Start(c.Request.Context(), id, script); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"projectId": id, "pid": r.be.PID(id), "script": r.be.ActiveScript(id)})
}

func (r *Router) stopProject(c *gin.Context) {
	id := c.Param("id")
	if err := r.be.Stop(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"projectId": id})
}

func (r *Router) restartProject(c *gin.Context) {
	script, valid := bindScript(c)
	if !valid {
		return
	}
	id := c.Param("id")
	if err := r.be.Restart(c.Request.Context(), id, script); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"projectId": id, "pid": r.be.PID(id), "script": r.be.ActiveScript(id)})
}

func (r *Router) getLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.be.Project(id); err != nil {
		fail(c, err)
		return
	}
	ok(c, r.be.Logs(id))
}

func (r *Router) clearLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.be.Project(id); err != nil {
		fail(c, err)
		return
	}
	r.be.ClearLogs(id)
	ok(c, nil)
}

func (r *Router) getHealth(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.be.Project(id); err != nil {
		fail(c, err)
		return
	}
	ok(c, health.Change{ProjectID: id, Status: r.be.Health(id), Endpoint: r.be.Override(id).HealthEndpoint})
}

func (r *Router) setHealth(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	id := c.Param("id")
	if err := r.be.SetHealthEndpoint(c.Request.Context(), id, req.Endpoint); err != nil {
		fail(c, err)
		return
	}
	ok(c, r.be.Override(id))
}

func (r *Router) getUsage(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.be.Project(id); err != nil {
		fail(c, err)
		return
	}
	u, found := r.be.Usage(id)
	if !found {
		ok(c, nil)
		return
	}
	ok(c, u)
}

func (r *Router) setNote(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	id := c.Param("id")
	if err := r.be.SetNote(c.Request.Context(), id, req.Note); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"projectId": id, "note": req.Note})
}

func (r *Router) listPorts(c *gin.Context) { ok(c, r.be.Ports()) }

func (r *Router) scanPorts(c *gin.Context) { ok(c, r.be.ScanPorts(c.Request.Context())) }

func (r *Router) shutdownAll(c *gin.Context) {
	if err := r.be.StopAll(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}
