// Package metrics holds the Prometheus collectors of one node.
//
// Every method is safe on a nil *Metrics, so components can run without a
// registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pipecdc"

// Extraction phases used as a label value.
const (
	PhaseHistorical = "historical"
	PhaseRealtime   = "realtime"
)

type Metrics struct {
	reg *prometheus.Registry

	transitions     *prometheus.CounterVec
	eventsScanned   *prometheus.CounterVec
	eventsForwarded *prometheus.CounterVec
	eventsFiltered  *prometheus.CounterVec
	scanRetries     *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	regionsDone     *prometheus.CounterVec
	enginesRunning  prometheus.Gauge
	nodeStatus      *prometheus.GaugeVec
	quorum          prometheus.Gauge
	probeDuration   prometheus.Histogram
	applyDuration   *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "transitions_total",
			Help:      "Pipe lifecycle operations by operation and outcome",
		}, []string{"op", "outcome"}),
		eventsScanned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "events_scanned_total",
			Help:      "Candidate events seen by an engine",
		}, []string{"pipe", "phase"}),
		eventsForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "events_forwarded_total",
			Help:      "Events handed to the connector",
		}, []string{"pipe", "phase"}),
		eventsFiltered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "events_filtered_total",
			Help:      "Events dropped by pattern, time range or processor",
		}, []string{"pipe", "phase"}),
		scanRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "historical_retries_total",
			Help:      "Region scans restarted after a failure",
		}, []string{"pipe"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "realtime_reconnects_total",
			Help:      "Realtime subscriptions re-established after interruption",
		}, []string{"pipe"}),
		regionsDone: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "history_regions_done_total",
			Help:      "Regions whose historical scan completed",
		}, []string{"pipe"}),
		enginesRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "engines_running",
			Help:      "Extraction engines currently running on this node",
		}),
		nodeStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "node_running",
			Help:      "1 when the node is Running, 0 when Unknown",
		}, []string{"node", "role"}),
		quorum: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "coordinator_quorum",
			Help:      "1 when a strict majority of coordinators is Running",
		}),
		probeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "probe_duration_seconds",
			Help:      "Liveness probe latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		applyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "apply_duration_seconds",
			Help:      "Raft apply latency by command type",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"command"}),
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Transition(op, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Scanned(pipe, phase string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsScanned.WithLabelValues(pipe, phase).Add(float64(n))
}

func (m *Metrics) Forwarded(pipe, phase string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsForwarded.WithLabelValues(pipe, phase).Add(float64(n))
}

func (m *Metrics) Filtered(pipe, phase string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsFiltered.WithLabelValues(pipe, phase).Add(float64(n))
}

func (m *Metrics) ScanRetry(pipe string) {
	if m == nil {
		return
	}
	m.scanRetries.WithLabelValues(pipe).Inc()
}

func (m *Metrics) Reconnect(pipe string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(pipe).Inc()
}

func (m *Metrics) RegionDone(pipe string) {
	if m == nil {
		return
	}
	m.regionsDone.WithLabelValues(pipe).Inc()
}

func (m *Metrics) EnginesRunning(n int) {
	if m == nil {
		return
	}
	m.enginesRunning.Set(float64(n))
}

func (m *Metrics) NodeStatus(node, role string, running bool) {
	if m == nil {
		return
	}
	m.nodeStatus.WithLabelValues(node, role).Set(boolGauge(running))
}

// ForgetNode drops the status series of a removed node.
func (m *Metrics) ForgetNode(node, role string) {
	if m == nil {
		return
	}
	m.nodeStatus.DeleteLabelValues(node, role)
}

func (m *Metrics) Quorum(ok bool) {
	if m == nil {
		return
	}
	m.quorum.Set(boolGauge(ok))
}

func (m *Metrics) ProbeObserved(seconds float64) {
	if m == nil {
		return
	}
	m.probeDuration.Observe(seconds)
}

func (m *Metrics) ApplyObserved(command string, seconds float64) {
	if m == nil {
		return
	}
	m.applyDuration.WithLabelValues(command).Observe(seconds)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
