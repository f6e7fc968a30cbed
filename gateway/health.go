package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth answers GET /api/health (spec §6).
func (gw *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(gw.startedAt).String(),
	})
}
