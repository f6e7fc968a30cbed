package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dorkos/dorkos/apperr"
	"github.com/dorkos/dorkos/relay"
	"github.com/dorkos/dorkos/storage"
)

func (gw *Gateway) requireRelay(c *gin.Context) bool {
	if gw.relay == nil || !gw.cfg.Relay.Enabled {
		writeFeatureDisabled(c, "relay")
		return false
	}
	return true
}

// handleListEndpoints answers GET /api/relay/endpoints.
func (gw *Gateway) handleListEndpoints(c *gin.Context) {
	if !gw.requireRelay(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": gw.relay.ListEndpoints()})
}

// handleListMessages answers GET /api/relay/messages?subject&status&from&cursor&limit,
// a query surface over the same trace span table §4.3/§4.4 describe.
func (gw *Gateway) handleListMessages(c *gin.Context) {
	if !gw.requireRelay(c) || gw.trace == nil {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	spans, err := gw.trace.ListSpans(storage.SpanFilter{
		Subject: c.Query("subject"),
		Status:  storage.SpanStatus(c.Query("status")),
		From:    c.Query("from"),
		Cursor:  c.Query("cursor"),
		Limit:   limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": spans})
}

type publishRequest struct {
	Subject string `json:"subject"`
	Payload any    `json:"payload"`
	From    string `json:"from"`
	ReplyTo string `json:"replyTo"`
}

// handlePublishMessage answers POST /api/relay/messages, the HTTP-facing
// equivalent of a direct Core.Publish call (spec §6).
func (gw *Gateway) handlePublishMessage(c *gin.Context) {
	if !gw.requireRelay(c) {
		return
	}
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	if req.Subject == "" {
		writeError(c, apperr.New(apperr.CodeInvalidInput, "subject is required"))
		return
	}
	budget := relay.DefaultBudget()
	budget.MaxHops = gw.cfg.Relay.DefaultMaxHops
	budget.TTL = time.Now().UTC().Add(time.Duration(gw.cfg.Relay.DefaultTTLMs) * time.Millisecond)
	budget.CallBudgetRemaining = gw.cfg.Relay.DefaultCallBudget

	result, err := gw.relay.Publish(c.Request.Context(), req.Subject, req.Payload, relay.PublishOptions{
		From: req.From, ReplyTo: req.ReplyTo, Budget: &budget,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// handleGetTrace answers GET /api/relay/trace/:messageId.
func (gw *Gateway) handleGetTrace(c *gin.Context) {
	if !gw.requireRelay(c) || gw.trace == nil {
		return
	}
	spans, err := gw.trace.GetTrace(c.Param("messageId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if len(spans) == 0 {
		writeError(c, apperr.New(apperr.CodeNotFound, "no trace for that message id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"spans": spans})
}

// handleRelayMetrics answers GET /api/relay/metrics (spec §4.3 getMetrics()).
func (gw *Gateway) handleRelayMetrics(c *gin.Context) {
	if !gw.requireRelay(c) || gw.trace == nil {
		return
	}
	m, err := gw.trace.GetMetrics()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
