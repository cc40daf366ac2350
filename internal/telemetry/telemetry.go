// Package telemetry exposes the monitor's own health as Prometheus
// metrics on a private registry. A nil *Metrics is valid and records
// nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resmon"

var tickBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	ticks          prometheus.Counter
	ticksSkipped   prometheus.Counter
	tickDuration   prometheus.Histogram
	readerFailures *prometheus.CounterVec
	bridgeRequests *prometheus.CounterVec
	actions        *prometheus.CounterVec
	entities       *prometheus.GaugeVec
	processes      prometheus.Gauge
	privileged     prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "ticks_total",
			Help:      "Completed sampling ticks",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous tick was still running",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one sampling tick",
			Buckets:   tickBuckets,
		}),
		readerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "reader_failures_total",
			Help:      "Counter reader calls that failed or timed out",
		}, []string{"family"}),
		bridgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Privileged bridge requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "actions_total",
			Help:      "Process actions by kind and outcome",
		}, []string{"kind", "outcome"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "entities",
			Help:      "Tracked entities by kind",
		}, []string{"kind"}),
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "processes",
			Help:      "Processes in the latest snapshot",
		}),
		privileged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "privileged",
			Help:      "1 when the privileged helper is reachable",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   tickBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.ticks, m.ticksSkipped, m.tickDuration, m.readerFailures,
		m.bridgeRequests, m.actions, m.entities, m.processes, m.privileged,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one completed tick.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

// TickSkipped records a skipped tick.
func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

// ReaderFailed records a failed reader call.
func (m *Metrics) ReaderFailed(family string) {
	if m == nil {
		return
	}
	m.readerFailures.WithLabelValues(family).Inc()
}

// BridgeResult records a bridge request outcome. An empty code is a
// success.
func (m *Metrics) BridgeResult(kind, code string) {
	if m == nil {
		return
	}
	m.bridgeRequests.WithLabelValues(kind, outcome(code)).Inc()
}

// ActionResult records a process action outcome.
func (m *Metrics) ActionResult(kind, code string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, outcome(code)).Inc()
}

// SetEntities sets the tracked entity count for kind.
func (m *Metrics) SetEntities(kind string, n int) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues(kind).Set(float64(n))
}

// SetProcesses sets the live process count.
func (m *Metrics) SetProcesses(n int) {
	if m == nil {
		return
	}
	m.processes.Set(float64(n))
}

// SetPrivileged sets the bridge capability gauge.
func (m *Metrics) SetPrivileged(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.privileged.Set(1)
	} else {
		m.privileged.Set(0)
	}
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpDuration.With(labels).Observe(d.Seconds())
}

func outcome(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}
