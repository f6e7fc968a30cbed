package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dorkos/dorkos/config"
)

// handleGetConfig answers GET /api/config.
func (gw *Gateway) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gw.cfg)
}

// handlePatchConfig answers PATCH /api/config. The patch is validated
// against the merged result before being committed in-memory (SPEC_FULL.md
// "Config hot-patch"); a failed validation leaves the running config
// untouched.
func (gw *Gateway) handlePatchConfig(c *gin.Context) {
	var patch config.Config
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	if err := gw.cfg.Patch(&patch); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	c.JSON(http.StatusOK, gw.cfg)
}
