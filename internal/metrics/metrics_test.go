package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
)

func TestNewCollectorDefaults(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	assert.Equal(t, 0.0, testutil.ToFloat64(c.pumpOn))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stabilized))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.override.WithLabelValues("auto")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.override.WithLabelValues("off")))
}

func TestTickAndFetchCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.TickProcessed(20 * time.Millisecond)
	c.TickProcessed(40 * time.Millisecond)
	c.FetchFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetchFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(c.tickLatency))
}

func TestEventChanged(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.EventChanged(logic.EventFlowmeter, monitor.EventOpened)
	c.EventChanged(logic.EventFlowmeter, monitor.EventOpened)
	c.EventChanged(logic.EventOptical, monitor.EventTriggered)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("flowmeterSensor", "opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("opticalSensor", "triggered")))
}

func TestPumpStatus(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.PumpStatus(logic.PumpStatus{Raw: logic.PumpOn, Override: logic.OverrideOff, Effective: logic.PumpOff, Stabilized: true})

	assert.Equal(t, 0.0, testutil.ToFloat64(c.pumpOn))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pumpRawOn))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.override.WithLabelValues("off")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.override.WithLabelValues("auto")))
}

func TestSensorFlowsSkipsIgnoredAndOptical(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SensorFlows([]logic.Sensor{
		{Name: "Flowmeter 1", Kind: logic.SensorFlowmeter, PulsesPerLiter: 350, PulsesPerMinute: 7000},
		{Name: "Flowmeter 2", Kind: logic.SensorFlowmeter, Ignored: true, PulsesPerLiter: 350},
		{Name: "Optical 1", Kind: logic.SensorOptical},
	})
	assert.Equal(t, 1, testutil.CollectAndCount(c.sensorFlow))
	assert.InDelta(t, 20.0, testutil.ToFloat64(c.sensorFlow.WithLabelValues("0", "Flowmeter 1")), 1e-9)

	c.SensorFlows(nil)
	assert.Equal(t, 0, testutil.CollectAndCount(c.sensorFlow))
}

func TestBreakerStateChanged(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.BreakerStateChanged(gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.breaker))
	c.BreakerStateChanged(gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breaker))
	c.BreakerStateChanged(gobreaker.StateHalfOpen, gobreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breaker))
}

func TestHandler(t *testing.T) {
	c := NewCollector(nil)
	c.FetchFailed()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "nozzleflow_fetch_failures_total 1"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
