package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dorkos/dorkos/apperr"
	"github.com/dorkos/dorkos/storage"
)

func (gw *Gateway) requirePulse(c *gin.Context) bool {
	if gw.pulseDB == nil || !gw.cfg.Pulse.Enabled {
		writeFeatureDisabled(c, "pulse")
		return false
	}
	return true
}

// handleListSchedules answers GET /api/pulse/schedules.
func (gw *Gateway) handleListSchedules(c *gin.Context) {
	if !gw.requirePulse(c) {
		return
	}
	scheds, err := gw.pulseDB.ListSchedules()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": scheds})
}

type createScheduleRequest struct {
	Name           string                 `json:"name"`
	Prompt         string                 `json:"prompt"`
	Cron           string                 `json:"cron"`
	Timezone       string                 `json:"timezone"`
	Cwd            string                 `json:"cwd"`
	PermissionMode storage.PermissionMode `json:"permissionMode"`
	Enabled        bool                   `json:"enabled"`
	MaxRuntimeMs   int64                  `json:"maxRuntimeMs"`
}

// handleCreateSchedule answers POST /api/pulse/schedules.
func (gw *Gateway) handleCreateSchedule(c *gin.Context) {
	if !gw.requirePulse(c) {
		return
	}
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	if req.Cron == "" || req.Prompt == "" {
		writeError(c, apperr.New(apperr.CodeInvalidInput, "cron and prompt are required"))
		return
	}
	sched, err := gw.pulseDB.CreateSchedule(storage.ScheduleInput{
		Name: req.Name, Prompt: req.Prompt, Cron: req.Cron, Timezone: req.Timezone,
		Cwd: req.Cwd, PermissionMode: req.PermissionMode, Enabled: req.Enabled, MaxRuntimeMs: req.MaxRuntimeMs,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if gw.pulse != nil {
		if err := gw.pulse.RegisterSchedule(sched); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, sched)
}

type updateScheduleRequest struct {
	Name           *string                 `json:"name"`
	Prompt         *string                 `json:"prompt"`
	Cron           *string                 `json:"cron"`
	Timezone       *string                 `json:"timezone"`
	Cwd            *string                 `json:"cwd"`
	PermissionMode *storage.PermissionMode `json:"permissionMode"`
	Enabled        *bool                   `json:"enabled"`
	Status         *storage.ScheduleStatus `json:"status"`
	MaxRuntimeMs   *int64                  `json:"maxRuntimeMs"`
}

// handleUpdateSchedule answers PATCH /api/pulse/schedules/:id.
func (gw *Gateway) handleUpdateSchedule(c *gin.Context) {
	if !gw.requirePulse(c) {
		return
	}
	var req updateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	id := c.Param("id")
	sched, err := gw.pulseDB.UpdateSchedule(id, storage.SchedulePatch{
		Name: req.Name, Prompt: req.Prompt, Cron: req.Cron, Timezone: req.Timezone, Cwd: req.Cwd,
		PermissionMode: req.PermissionMode, Enabled: req.Enabled, Status: req.Status, MaxRuntimeMs: req.MaxRuntimeMs,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if gw.pulse != nil {
		gw.pulse.UnregisterSchedule(id)
		if err := gw.pulse.RegisterSchedule(sched); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, sched)
}

// handleDeleteSchedule answers DELETE /api/pulse/schedules/:id.
func (gw *Gateway) handleDeleteSchedule(c *gin.Context) {
	if !gw.requirePulse(c) {
		return
	}
	id := c.Param("id")
	if err := gw.pulseDB.DeleteSchedule(id); err != nil {
		writeError(c, err)
		return
	}
	if gw.pulse != nil {
		gw.pulse.UnregisterSchedule(id)
	}
	c.Status(http.StatusNoContent)
}

// handleTriggerSchedule answers POST /api/pulse/schedules/:id/trigger.
func (gw *Gateway) handleTriggerSchedule(c *gin.Context) {
	if !gw.requirePulse(c) {
		return
	}
	if gw.pulse == nil {
		writeFeatureDisabled(c, "pulse")
		return
	}
	run, err := gw.pulse.TriggerManualRun(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// handleListRuns answers GET /api/pulse/runs?scheduleId&status&limit.
func (gw *Gateway) handleListRuns(c *gin.Context) {
	if !gw.requirePulse(c) {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := gw.pulseDB.ListRuns(storage.RunFilter{
		ScheduleID: c.Query("scheduleId"),
		Status:     storage.RunStatus(c.Query("status")),
		Limit:      limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// handleGetRun answers GET /api/pulse/runs/:id.
func (gw *Gateway) handleGetRun(c *gin.Context) {
	if !gw.requirePulse(c) {
		return
	}
	run, err := gw.pulseDB.GetRun(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if run == nil {
		writeError(c, apperr.New(apperr.CodeNotFound, "run not found"))
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleCancelRun answers POST /api/pulse/runs/:id/cancel.
func (gw *Gateway) handleCancelRun(c *gin.Context) {
	if !gw.requirePulse(c) {
		return
	}
	id := c.Param("id")
	run, err := gw.pulseDB.GetRun(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if run == nil {
		writeError(c, apperr.New(apperr.CodeNotFound, "run not found"))
		return
	}
	if run.Status != storage.RunRunning && run.Status != storage.RunPending {
		writeError(c, apperr.New(apperr.CodeRunNotCancellable, "run is already terminal"))
		return
	}
	if gw.pulse == nil || !gw.pulse.CancelRun(id) {
		writeError(c, apperr.New(apperr.CodeRunNotCancellable, "run has no active cancellation handle (likely a relay-mode run awaiting its TTL)"))
		return
	}
	c.Status(http.StatusAccepted)
}
