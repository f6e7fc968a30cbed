package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dorkos/dorkos/relay"
)

const sseHeartbeatInterval = 15 * time.Second

// handleRelayStream answers GET /api/relay/stream?subject=<pattern>, an SSE
// stream of relay_message (the full envelope) and relay_delivery
// ({messageId, status}) events for everything matching subject (spec §6).
// Grounded on the teacher pack's raw-flusher SSE handler
// (manthysbr-auleOS/pkg/kernel/events.go): headers + immediate flush, then a
// select loop over a per-connection channel fed by relay.Core signals,
// plus a 15s heartbeat comment to keep the connection alive.
func (gw *Gateway) handleRelayStream(c *gin.Context) {
	if !gw.requireRelay(c) {
		return
	}
	pattern := c.Query("subject")
	if pattern == "" {
		pattern = ">"
	}
	if err := relay.ValidatePattern(pattern); err != nil {
		writeError(c, invalidInput(err))
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan sseEvent, 64)

	unsubPublished := gw.relay.OnSignal(relay.SignalMessagePublished, func(sig relay.Signal) {
		if relay.Match(pattern, sig.Subject) && sig.Envelope != nil {
			trySend(events, sseEvent{name: "relay_message", data: sig.Envelope})
		}
	})
	defer unsubPublished()

	unsubDelivered := gw.relay.OnSignal(relay.SignalMessageDelivered, func(sig relay.Signal) {
		if relay.Match(pattern, sig.Subject) {
			trySend(events, sseEvent{name: "relay_delivery", data: gin.H{"messageId": sig.MessageID, "status": "delivered"}})
		}
	})
	defer unsubDelivered()

	unsubFailed := gw.relay.OnSignal(relay.SignalMessageFailed, func(sig relay.Signal) {
		if relay.Match(pattern, sig.Subject) {
			trySend(events, sseEvent{name: "relay_delivery", data: gin.H{"messageId": sig.MessageID, "status": "failed", "error": sig.Error}})
		}
	})
	defer unsubFailed()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev.data)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.name, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

type sseEvent struct {
	name string
	data any
}

// trySend drops the event rather than blocking the signal emitter when a
// slow SSE client falls behind (the stream itself has no backpressure
// contract; relay.Core's own per-subscription semaphore is what's load
// bearing for delivery guarantees).
func trySend(ch chan sseEvent, ev sseEvent) {
	select {
	case ch <- ev:
	default:
	}
}
