// Package metrics exports session and routing counters in the Prometheus
// text format.
package metrics

import (
	"context"
	"net/http"

	"github.com/ggoodman/mcp-sse-gateway/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry. It observes the session registry and
// the router.
type Collector struct {
	registry *prometheus.Registry

	open   prometheus.Gauge
	opened prometheus.Counter
	closed *prometheus.CounterVec
	routed *prometheus.CounterVec
}

var (
	_ sessions.Observer = (*Collector)(nil)
)

// New builds a Collector with every metric registered.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_sse_sessions_open",
			Help: "Number of SSE sessions currently open",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sse_sessions_opened_total",
			Help: "Total SSE sessions opened",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_sse_sessions_closed_total",
			Help: "Total SSE sessions closed, by reason",
		}, []string{"reason"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_sse_messages_routed_total",
			Help: "POSTed messages by routing outcome",
		}, []string{"result"}),
	}

	registry.MustRegister(c.open, c.opened, c.closed, c.routed)
	return c
}

func (c *Collector) SessionOpened(_ context.Context, _ *sessions.Session) {
	c.opened.Inc()
	c.open.Inc()
}

func (c *Collector) SessionClosed(_ context.Context, _ *sessions.Session, reason sessions.CloseReason) {
	c.closed.WithLabelValues(string(reason)).Inc()
	c.open.Dec()
}

// MessageRouted implements router.Recorder.
func (c *Collector) MessageRouted(result string) {
	c.routed.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
