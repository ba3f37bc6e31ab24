// Package metrics exposes the monitor's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
)

const namespace = "nozzleflow"

// Collector implements monitor.Recorder on top of Prometheus collectors.
type Collector struct {
	reg *prometheus.Registry

	ticks         prometheus.Counter
	fetchFailures prometheus.Counter
	tickLatency   prometheus.Histogram
	events        *prometheus.CounterVec
	pumpOn        prometheus.Gauge
	pumpRawOn     prometheus.Gauge
	stabilized    prometheus.Gauge
	override      *prometheus.GaugeVec
	sensorFlow    *prometheus.GaugeVec
	breaker       prometheus.Gauge
}

var _ monitor.Recorder = (*Collector)(nil)

// NewCollector registers the metrics on reg. A nil reg gets a fresh
// registry that also carries the Go runtime and process collectors.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c := &Collector{
		reg: reg,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Telemetry snapshots processed.",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Telemetry fetches that failed.",
		}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time to fetch and process one snapshot.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Nozzle event lifecycle steps by event type.",
		}, []string{"type", "change"}),
		pumpOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pump_on",
			Help:      "Effective pump state (1 = on).",
		}),
		pumpRawOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pump_raw_on",
			Help:      "Pump state derived from flow readings (1 = on).",
		}),
		stabilized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pump_stabilized",
			Help:      "Whether flow readings are being evaluated (1 = yes).",
		}),
		override: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pump_override",
			Help:      "Active pump override (1 for the selected state).",
		}, []string{"state"}),
		sensorFlow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_flow_liters_per_minute",
			Help:      "Last flow reading per flowmeter.",
		}, []string{"index", "name"}),
		breaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_breaker_state",
			Help:      "Controller circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
	}
	reg.MustRegister(
		c.ticks, c.fetchFailures, c.tickLatency, c.events,
		c.pumpOn, c.pumpRawOn, c.stabilized, c.override,
		c.sensorFlow, c.breaker,
	)
	c.PumpStatus(logic.PumpStatus{Override: logic.OverrideAuto, Stabilized: true})
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) TickProcessed(d time.Duration) {
	c.ticks.Inc()
	c.tickLatency.Observe(d.Seconds())
}

func (c *Collector) FetchFailed() {
	c.fetchFailures.Inc()
}

func (c *Collector) EventChanged(kind logic.EventKind, change monitor.EventChange) {
	c.events.WithLabelValues(string(kind), string(change)).Inc()
}

func (c *Collector) PumpStatus(s logic.PumpStatus) {
	c.pumpOn.Set(boolGauge(s.Effective == logic.PumpOn))
	c.pumpRawOn.Set(boolGauge(s.Raw == logic.PumpOn))
	c.stabilized.Set(boolGauge(s.Stabilized))
	for _, o := range []logic.Override{logic.OverrideAuto, logic.OverrideOn, logic.OverrideOff} {
		c.override.WithLabelValues(string(o)).Set(boolGauge(s.Override == o))
	}
}

// SensorFlows replaces the per-sensor flow series, so removed sensors
// disappear.
func (c *Collector) SensorFlows(sensors []logic.Sensor) {
	c.sensorFlow.Reset()
	for i, s := range sensors {
		if s.Kind != logic.SensorFlowmeter || s.Ignored {
			continue
		}
		c.sensorFlow.WithLabelValues(strconv.Itoa(i), s.Name).Set(s.Flow())
	}
}

// BreakerStateChanged matches telemetry.HTTPOptions.OnBreakerChange.
func (c *Collector) BreakerStateChanged(_, to gobreaker.State) {
	switch to {
	case gobreaker.StateClosed:
		c.breaker.Set(0)
	case gobreaker.StateHalfOpen:
		c.breaker.Set(1)
	case gobreaker.StateOpen:
		c.breaker.Set(2)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
