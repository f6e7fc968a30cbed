package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dorkos/dorkos/apperr"
	"github.com/dorkos/dorkos/mesh"
	"github.com/dorkos/dorkos/storage"
)

func (gw *Gateway) requireMesh(c *gin.Context) bool {
	if gw.mesh == nil || !gw.cfg.Mesh.Enabled {
		writeFeatureDisabled(c, "mesh")
		return false
	}
	return true
}

// handleListAgents answers GET /api/agents.
func (gw *Gateway) handleListAgents(c *gin.Context) {
	if !gw.requireMesh(c) {
		return
	}
	filter := mesh.ListFilter{
		Runtime:    storage.Runtime(c.Query("runtime")),
		Capability: c.Query("capability"),
		NameQuery:  c.Query("q"),
	}
	agents, err := gw.mesh.List(filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

type registerAgentRequest struct {
	Directory      string          `json:"directory"`
	Name           string          `json:"name"`
	Runtime        storage.Runtime `json:"runtime"`
	Description    string          `json:"description"`
	Capabilities   []string        `json:"capabilities"`
	Color          string          `json:"color"`
	Icon           string          `json:"icon"`
	Persona        string          `json:"persona"`
	PersonaEnabled bool            `json:"personaEnabled"`
	RegisteredBy   string          `json:"registeredBy"`
}

// handleRegisterAgent answers POST /api/agents.
func (gw *Gateway) handleRegisterAgent(c *gin.Context) {
	if !gw.requireMesh(c) {
		return
	}
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	if req.Directory == "" {
		writeError(c, apperr.New(apperr.CodeInvalidInput, "directory is required"))
		return
	}
	m, err := gw.mesh.Register(req.Directory, mesh.RegisterInput{
		Name: req.Name, Runtime: req.Runtime, Description: req.Description,
		Capabilities: req.Capabilities, Color: req.Color, Icon: req.Icon,
		Persona: req.Persona, PersonaEnabled: req.PersonaEnabled, RegisteredBy: req.RegisteredBy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

type updateAgentRequest struct {
	Name           *string   `json:"name"`
	Description    *string   `json:"description"`
	Capabilities   *[]string `json:"capabilities"`
	Color          *string   `json:"color"`
	Icon           *string   `json:"icon"`
	Persona        *string   `json:"persona"`
	PersonaEnabled *bool     `json:"personaEnabled"`
}

// handleUpdateAgent answers PATCH /api/agents/:id.
func (gw *Gateway) handleUpdateAgent(c *gin.Context) {
	if !gw.requireMesh(c) {
		return
	}
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	m, err := gw.mesh.Update(c.Param("id"), mesh.UpdatePatch{
		Name: req.Name, Description: req.Description, Capabilities: req.Capabilities,
		Color: req.Color, Icon: req.Icon, Persona: req.Persona, PersonaEnabled: req.PersonaEnabled,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// handleUnregisterAgent answers DELETE /api/agents/:id.
func (gw *Gateway) handleUnregisterAgent(c *gin.Context) {
	if !gw.requireMesh(c) {
		return
	}
	if err := gw.mesh.Unregister(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleResolveAgents answers POST /api/agents/resolve.
func (gw *Gateway) handleResolveAgents(c *gin.Context) {
	if !gw.requireMesh(c) {
		return
	}
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	out := map[string]*storage.AgentManifest{}
	for _, p := range req.Paths {
		m, err := gw.mesh.Resolve(p)
		if err != nil {
			out[p] = nil
			continue
		}
		out[p] = m
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// handleDiscoverAgents answers POST /api/agents/discover.
func (gw *Gateway) handleDiscoverAgents(c *gin.Context) {
	if !gw.requireMesh(c) {
		return
	}
	var req struct {
		Roots    []string `json:"roots"`
		MaxDepth int      `json:"maxDepth"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	maxDepth := req.MaxDepth
	if maxDepth <= 0 {
		maxDepth = gw.cfg.Mesh.MaxDepth
	}
	candidates, err := gw.mesh.Discover(req.Roots, maxDepth)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

// handleDenyAgent answers POST /api/agents/deny, spec §4.2 "deny(path,
// reason?, denier?)". Deny operates on a filesystem path, not an agent id —
// a directory need not currently be registered to be denied.
func (gw *Gateway) handleDenyAgent(c *gin.Context) {
	if !gw.requireMesh(c) {
		return
	}
	var req struct {
		Directory string `json:"directory"`
		Reason    string `json:"reason"`
		DeniedBy  string `json:"deniedBy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	if err := gw.mesh.Deny(req.Directory, req.Reason, req.DeniedBy); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAllowAgent answers POST /api/agents/allow.
func (gw *Gateway) handleAllowAgent(c *gin.Context) {
	if !gw.requireMesh(c) {
		return
	}
	var req struct {
		Directory string `json:"directory"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	if err := gw.mesh.Allow(req.Directory); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleListDenied answers GET /api/agents/denied.
func (gw *Gateway) handleListDenied(c *gin.Context) {
	if !gw.requireMesh(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"denied": gw.mesh.ListDenied()})
}
