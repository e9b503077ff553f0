// Package metrics holds the Prometheus collectors reported by the discovery
// core and the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Discovery groups the collectors updated by the scan loop.
type Discovery struct {
	ScanCyclesTotal      *prometheus.CounterVec
	ScanDuration         prometheus.Histogram
	ProbesTotal          *prometheus.CounterVec
	TrackedInstances     prometheus.Gauge
	TeardownsTotal       prometheus.Counter
	HandleFailuresTotal  *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
}

// NewDiscovery registers the discovery collectors with reg. A nil registerer
// yields collectors that are never exported, which keeps tests isolated.
func NewDiscovery(reg prometheus.Registerer) *Discovery {
	factory := promauto.With(reg)
	return &Discovery{
		ScanCyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphub_scan_cycles_total",
				Help: "Total number of scan cycles by outcome",
			},
			[]string{"result"},
		),
		ScanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mcphub_scan_duration_seconds",
				Help:    "Scan cycle duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphub_probes_total",
				Help: "Probe attempts by result",
			},
			[]string{"result"},
		),
		TrackedInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcphub_tracked_instances",
				Help: "Number of instances currently tracked",
			},
		),
		TeardownsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mcphub_instance_teardowns_total",
				Help: "Instances torn down after sustained absence",
			},
		),
		HandleFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphub_handle_failures_total",
				Help: "Connection handle failures by operation",
			},
			[]string{"op"},
		),
		NotificationsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mcphub_notifications_dropped_total",
				Help: "Catalog notifications dropped because the queue was full",
			},
		),
	}
}

// Gateway groups the collectors updated by the aggregating MCP server.
type Gateway struct {
	ToolCallsTotal *prometheus.CounterVec
	ExposedTools   prometheus.Gauge
}

// NewGateway registers the gateway collectors with reg.
func NewGateway(reg prometheus.Registerer) *Gateway {
	factory := promauto.With(reg)
	return &Gateway{
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphub_gateway_tool_calls_total",
				Help: "Tool calls routed through the gateway by instance and outcome",
			},
			[]string{"instance", "result"},
		),
		ExposedTools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcphub_gateway_exposed_tools",
				Help: "Number of instance tools currently exposed by the gateway",
			},
		),
	}
}
