package server

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devdock/internal/groups"
	"github.com/loykin/devdock/internal/state"
)

func (r *Router) getEnv(c *gin.Context) {
	vars, err := r.be.ProjectEnv(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, vars)
}

func (r *Router) compareEnv(c *gin.Context) {
	diff, err := r.be.CompareEnv(c.Param("id1"), c.Param("id2"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, diff)
}

func (r *Router) getSession(c *gin.Context) {
	snap, found := r.be.LastSession()
	if !found {
		ok(c, nil)
		return
	}
	ok(c, snap)
}

func (r *Router) saveSession(c *gin.Context) {
	snap, err := r.be.SaveSession(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, snap)
}

func (r *Router) clearSession(c *gin.Context) {
	if err := r.be.ClearSession(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (r *Router) restoreSession(c *gin.Context) {
	res, err := r.be.RestoreSession(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

type groupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ProjectIDs  []string `json:"projectIds"`
}

func (r *Router) listGroups(c *gin.Context) { ok(c, r.be.Groups().List()) }

func (r *Router) getGroup(c *gin.Context) {
	g, err := r.be.Groups().Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, g)
}

func (r *Router) createGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(c, "name is required")
		return
	}
	g, err := r.be.Groups().Create(c.Request.Context(), req.Name, req.Description, req.ProjectIDs)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, g)
}

func (r *Router) updateGroup(c *gin.Context) {
	var req groups.Update
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		badRequest(c, "name must not be empty")
		return
	}
	g, err := r.be.Groups().Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, g)
}

func (r *Router) deleteGroup(c *gin.Context) {
	if err := r.be.Groups().Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (r *Router) startGroup(c *gin.Context) {
	script, valid := bindScript(c)
	if !valid {
		return
	}
	res, err := r.be.Groups().Start(c.Request.Context(), c.Param("id"), script)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

func (r *Router) stopGroup(c *gin.Context) {
	res, err := r.be.Groups().Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

func (r *Router) getSettings(c *gin.Context) { ok(c, r.be.Settings()) }

func (r *Router) updateSettings(c *gin.Context) {
	var patch state.Settings
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if patch.HealthCheckInterval < 0 || patch.ResourceMonitorInterval < 0 || patch.PortScanInterval < 0 {
		badRequest(c, "intervals must be positive")
		return
	}
	s, err := r.be.UpdateSettings(c.Request.Context(), patch)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, s)
}
