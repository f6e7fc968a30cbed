package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dorkos/dorkos/relay"
	"github.com/dorkos/dorkos/storage"
)

// metricsCollector exposes SPEC_FULL.md's supplemental Prometheus surface:
// dork_pulse_active_runs, dork_pulse_runs_total{status},
// dork_relay_messages_total{status}, dork_relay_delivery_latency_ms.
// Counters are driven by the same event hooks the SSE stream and finalize()
// logic already use — relay.Core.OnSignal and storage.PulseStore.OnRunTerminal
// — rather than re-derived by polling, so a scrape never pays a store query.
type metricsCollector struct {
	activeRuns      prometheus.GaugeFunc
	runsTotal       *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	deliveryLatency prometheus.Histogram

	registry *prometheus.Registry
}

func newMetricsCollector(gw *Gateway) *metricsCollector {
	reg := prometheus.NewRegistry()

	mc := &metricsCollector{
		registry: reg,
		activeRuns: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dork_pulse_active_runs",
			Help: "Direct-mode pulse runs currently executing (relay-mode runs are tracked by the agent adapter's own concurrency cap, not here).",
		}, func() float64 {
			if gw.pulse == nil {
				return 0
			}
			return float64(gw.pulse.GetActiveRunCount())
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dork_pulse_runs_total",
			Help: "Pulse runs reaching a terminal status, by status.",
		}, []string{"status"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dork_relay_messages_total",
			Help: "Relay publishes reaching a terminal span status, by status.",
		}, []string{"status"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dork_relay_delivery_latency_ms",
			Help:    "Milliseconds between a publish and its span reaching delivered.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
	}

	reg.MustRegister(mc.activeRuns, mc.runsTotal, mc.messagesTotal, mc.deliveryLatency)

	if gw.pulseDB != nil {
		gw.pulseDB.OnRunTerminal(func(status storage.RunStatus) {
			mc.runsTotal.WithLabelValues(string(status)).Inc()
		})
	}
	if gw.relay != nil {
		gw.relay.OnSignal(relay.SignalMessageDelivered, func(sig relay.Signal) {
			mc.messagesTotal.WithLabelValues("delivered").Inc()
			mc.deliveryLatency.Observe(sig.LatencyMs)
		})
		gw.relay.OnSignal(relay.SignalMessageFailed, func(sig relay.Signal) {
			mc.messagesTotal.WithLabelValues("failed").Inc()
		})
	}

	return mc
}

// handlePrometheusMetrics answers GET /api/metrics.
func (gw *Gateway) handlePrometheusMetrics(c *gin.Context) {
	promhttp.HandlerFor(gw.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
