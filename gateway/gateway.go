// Package gateway implements the HTTP/SSE surface (C9): the one network
// boundary DorkOS exposes, translating §6's endpoint list onto the Mesh,
// Pulse, and Relay subsystems and mapping apperr codes onto the status
// families of §7.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/dorkos/dorkos/adapter"
	"github.com/dorkos/dorkos/config"
	"github.com/dorkos/dorkos/mesh"
	"github.com/dorkos/dorkos/pulse"
	"github.com/dorkos/dorkos/relay"
	"github.com/dorkos/dorkos/storage"
)

// Gateway wires the subsystems behind the HTTP surface. It holds no
// business logic of its own beyond request decoding, feature-flag checks,
// and error-to-status mapping.
type Gateway struct {
	cfg *config.Config
	log *slog.Logger

	mesh      *mesh.Registry
	pulse     *pulse.Scheduler
	pulseDB   *storage.PulseStore
	relay     *relay.Core
	trace     *storage.TraceStore
	adapters  *adapter.Registry

	startedAt time.Time
	metrics   *metricsCollector
}

// New builds a Gateway over the given subsystem handles. Any of mesh,
// pulse, or relay may be nil when its config flag is disabled; handlers
// for a disabled subsystem return apperr.CodeFeatureDisabled.
func New(cfg *config.Config, log *slog.Logger, meshRegistry *mesh.Registry, scheduler *pulse.Scheduler, pulseDB *storage.PulseStore, core *relay.Core, trace *storage.TraceStore, adapters *adapter.Registry) *Gateway {
	gw := &Gateway{
		cfg:       cfg,
		log:       log,
		mesh:      meshRegistry,
		pulse:     scheduler,
		pulseDB:   pulseDB,
		relay:     core,
		trace:     trace,
		adapters:  adapters,
		startedAt: time.Now().UTC(),
	}
	gw.metrics = newMetricsCollector(gw)
	return gw
}

// Handler builds the root http.Handler: gin's router wrapped in rs/cors,
// the way the teacher's Kernel API server is wrapped in main.go.
func (gw *Gateway) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), gw.requestLogger())

	api := r.Group("/api")
	api.GET("/health", gw.handleHealth)
	api.GET("/config", gw.handleGetConfig)
	api.PATCH("/config", gw.handlePatchConfig)
	api.GET("/metrics", gw.handlePrometheusMetrics)

	api.GET("/agents", gw.handleListAgents)
	api.POST("/agents", gw.handleRegisterAgent)
	api.PATCH("/agents/:id", gw.handleUpdateAgent)
	api.DELETE("/agents/:id", gw.handleUnregisterAgent)
	api.POST("/agents/resolve", gw.handleResolveAgents)
	api.POST("/agents/discover", gw.handleDiscoverAgents)
	api.POST("/agents/deny", gw.handleDenyAgent)
	api.POST("/agents/allow", gw.handleAllowAgent)
	api.GET("/agents/denied", gw.handleListDenied)

	api.GET("/pulse/schedules", gw.handleListSchedules)
	api.POST("/pulse/schedules", gw.handleCreateSchedule)
	api.PATCH("/pulse/schedules/:id", gw.handleUpdateSchedule)
	api.DELETE("/pulse/schedules/:id", gw.handleDeleteSchedule)
	api.POST("/pulse/schedules/:id/trigger", gw.handleTriggerSchedule)
	api.GET("/pulse/runs", gw.handleListRuns)
	api.GET("/pulse/runs/:id", gw.handleGetRun)
	api.POST("/pulse/runs/:id/cancel", gw.handleCancelRun)

	api.GET("/relay/endpoints", gw.handleListEndpoints)
	api.GET("/relay/messages", gw.handleListMessages)
	api.POST("/relay/messages", gw.handlePublishMessage)
	api.GET("/relay/trace/:messageId", gw.handleGetTrace)
	api.GET("/relay/metrics", gw.handleRelayMetrics)
	api.GET("/relay/stream", gw.handleRelayStream)

	return withCORS(r)
}

func withCORS(h http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:4242"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(h)
}

// requestLogger logs {method, path, status, ms} at debug, never body or
// headers (spec §4.9).
func (gw *Gateway) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		gw.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ms", time.Since(start).Milliseconds(),
		)
	}
}
