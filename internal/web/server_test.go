package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/status"
	"github.com/sweeney/nozzleflow/internal/store"
	"github.com/sweeney/nozzleflow/internal/telemetry"
)

type fakeController struct {
	mu       sync.Mutex
	all      []float64
	one      map[int]float64
	interval time.Duration
	err      error
}

func (f *fakeController) CalibrateAll(_ context.Context, ppl float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.all = append(f.all, ppl)
	return nil
}

func (f *fakeController) Calibrate(_ context.Context, i int, ppl float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.one == nil {
		f.one = make(map[int]float64)
	}
	f.one[i] = ppl
	return nil
}

func (f *fakeController) SetInterval(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = d
	return f.err
}

type testEnv struct {
	srv     *Server
	mon     *monitor.Monitor
	jobs    *store.JobStore
	sensors *store.SensorStore
	acc     *settings.Accessor
	ctrl    *fakeController
	tracker *status.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	kv := store.NewMemoryKV()
	e := &testEnv{
		jobs:    store.NewJobStore(kv, zap.NewNop()),
		sensors: store.NewSensorStore(kv),
		acc:     settings.NewAccessor(kv),
		ctrl:    &fakeController{},
		tracker: status.NewTracker(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), status.Config{HTTPAddr: ":8080", StoreBackend: "memory"}),
	}
	e.mon = monitor.New(telemetry.NewFakeSource(), e.jobs, e.acc, zap.NewNop(), monitor.Options{})
	t.Cleanup(e.mon.Close)
	t.Cleanup(e.tracker.Follow(e.mon, e.jobs, e.acc, zap.NewNop()))

	e.srv = New(":0", Deps{
		Tracker:    e.tracker,
		Monitor:    e.mon,
		Jobs:       e.jobs,
		Sensors:    e.sensors,
		Settings:   e.acc,
		Controller: e.ctrl,
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok_metric 1\n")) }),
		Log:        zap.NewNop(),
	})
	t.Cleanup(func() { _ = e.srv.Shutdown(context.Background()) })
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestIndexPages(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/", "/index.html"} {
		rec := e.do(t, "GET", path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "<title>NozzleFlow</title>")
		assert.Contains(t, rec.Body.String(), "No job selected")
	}

	assert.Equal(t, http.StatusNotFound, e.do(t, "GET", "/nope", nil).Code)
}

func TestStatusJSON(t *testing.T) {
	e := newTestEnv(t)
	e.tracker.SetMQTTConnected(true)

	rec := e.do(t, "GET", "/index.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	sj := decode[status.StatusJSON](t, rec)
	assert.Equal(t, "off", sj.Status.Pump.State)
	assert.True(t, sj.Status.MQTT.Connected)
	assert.Equal(t, "memory", sj.Status.Config.StoreBackend)

	rec = e.do(t, "GET", "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "off", decode[status.StatusJSON](t, rec).Status.Pump.State)
}

func TestMetricsRoute(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok_metric 1")
}

func TestPumpOverride(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "PUT", "/api/v1/pump/override", map[string]string{"state": "off"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, logic.OverrideOff, decode[logic.PumpStatus](t, rec).Override)
	assert.Equal(t, logic.OverrideOff, e.mon.Pump().Override)

	rec = e.do(t, "PUT", "/api/v1/pump/override", map[string]string{"state": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/api/v1/pump", nil)
	assert.Equal(t, logic.OverrideOff, decode[logic.PumpStatus](t, rec).Override)
}

func TestJobLifecycle(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "POST", "/api/v1/jobs", map[string]any{"title": "North field", "expectedFlow": 240, "tolerance": 0.1, "nozzleSpacing": 0.5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[logic.Job](t, rec)
	require.NotEmpty(t, job.ID)
	assert.NotNil(t, job.Events)

	rec = e.do(t, "GET", "/api/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "North field", decode[logic.Job](t, rec).Title)

	rec = e.do(t, "PUT", "/api/v1/jobs/"+job.ID, map[string]any{"title": "South field", "expectedFlow": 200, "tolerance": 0.15})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "South field", decode[logic.Job](t, rec).Title)

	rec = e.do(t, "GET", "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]logic.Job](t, rec), 1)

	rec = e.do(t, "PUT", "/api/v1/current-job", map[string]string{"id": job.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, "GET", "/api/v1/current-job", nil)
	assert.Equal(t, job.ID, decode[map[string]any](t, rec)["id"])
	assert.Equal(t, "South field", e.tracker.Snapshot().Job.Title)

	rec = e.do(t, "DELETE", "/api/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "", e.jobs.CurrentJobID())

	assert.Equal(t, http.StatusNotFound, e.do(t, "GET", "/api/v1/jobs/"+job.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, "DELETE", "/api/v1/jobs/"+job.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, "PUT", "/api/v1/current-job", map[string]string{"id": "missing"}).Code)
}

func TestCreateJobValidation(t *testing.T) {
	e := newTestEnv(t)

	tests := []map[string]any{
		{"expectedFlow": 240, "tolerance": 0.1},
		{"title": "x", "expectedFlow": 0, "tolerance": 0.1},
		{"title": "x", "expectedFlow": 240, "tolerance": 1.5},
	}
	for _, body := range tests {
		assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/v1/jobs", body).Code, "%v", body)
	}
	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/v1/jobs", "{").Code)
}

func TestMarkEventsViewed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job, err := e.jobs.SaveJob(ctx, logic.Job{Title: "A", ExpectedFlow: 240, Tolerance: 0.1, Events: []logic.Event{
		{ID: "ev-1", Kind: logic.EventOptical},
		{ID: "ev-2", Kind: logic.EventOptical},
	}})
	require.NoError(t, err)

	rec := e.do(t, "POST", "/api/v1/current-job/events/ev-1/viewed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]bool](t, rec)["changed"])

	require.NoError(t, e.jobs.SetCurrentJob(ctx, job.ID))
	rec = e.do(t, "POST", "/api/v1/current-job/events/ev-1/viewed", nil)
	assert.Equal(t, true, decode[map[string]bool](t, rec)["changed"])

	rec = e.do(t, "POST", "/api/v1/current-job/events/viewed", nil)
	assert.Equal(t, true, decode[map[string]bool](t, rec)["changed"])
	rec = e.do(t, "POST", "/api/v1/current-job/events/viewed", nil)
	assert.Equal(t, false, decode[map[string]bool](t, rec)["changed"])
}

func TestSettingsMerge(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "PUT", "/api/v1/settings", map[string]any{"timeBeforeAlert": 8000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[settings.Settings](t, rec)
	assert.Equal(t, 8000, got.TimeBeforeAlert)
	assert.Equal(t, settings.Defaults().Interval, got.Interval)

	assert.Equal(t, http.StatusBadRequest, e.do(t, "PUT", "/api/v1/settings", map[string]any{"interval": -1}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "PUT", "/api/v1/settings", map[string]any{"interval": "fast"}).Code)

	rec = e.do(t, "GET", "/api/v1/settings", nil)
	assert.Equal(t, 8000, decode[settings.Settings](t, rec).TimeBeforeAlert)
	assert.Equal(t, int64(settings.Defaults().Interval), e.tracker.Snapshot().Config.IntervalMs)
}

func TestSensors(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "POST", "/api/v1/sensors/generate", map[string]int{"count": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	sensors := decode[[]logic.Sensor](t, rec)
	require.Len(t, sensors, 3)
	assert.Equal(t, "Flowmeter 1", sensors[0].Name)

	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/v1/sensors/generate", map[string]int{"count": 0}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/v1/sensors/generate", map[string]int{"count": 500}).Code)

	sensors[2] = logic.Sensor{Name: "Optical 1", Kind: logic.SensorOptical}
	rec = e.do(t, "PUT", "/api/v1/sensors", sensors)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/api/v1/sensors", nil)
	assert.Equal(t, logic.SensorOptical, decode[[]logic.Sensor](t, rec)[2].Kind)

	bad := []logic.Sensor{{Name: "x", Kind: "thermometer"}}
	assert.Equal(t, http.StatusBadRequest, e.do(t, "PUT", "/api/v1/sensors", bad).Code)
}

func TestCalibrate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.sensors.SetSensors(ctx, append(store.GenerateFlowmeters(2), logic.Sensor{Name: "Optical", Kind: logic.SensorOptical})))

	rec := e.do(t, "POST", "/api/v1/controller/calibrate", map[string]any{"pulsesPerLiter": 400})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []float64{400}, e.ctrl.all)

	idx := 1
	rec = e.do(t, "POST", "/api/v1/controller/calibrate", map[string]any{"pulsesPerLiter": 420, "nozzleIndex": idx})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 420.0, e.ctrl.one[1])

	stored, err := e.sensors.Sensors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 400.0, stored[0].PulsesPerLiter)
	assert.Equal(t, 420.0, stored[1].PulsesPerLiter)
	assert.Equal(t, 0.0, stored[2].PulsesPerLiter)

	rec = e.do(t, "POST", "/api/v1/controller/calibrate", map[string]any{"pulsesPerLiter": 420, "nozzleIndex": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.ctrl.err = errors.New("controller down")
	rec = e.do(t, "POST", "/api/v1/controller/calibrate", map[string]any{"pulsesPerLiter": 410})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	stored, _ = e.sensors.Sensors(ctx)
	assert.Equal(t, 400.0, stored[0].PulsesPerLiter)
}

func TestControllerRoutesWithoutController(t *testing.T) {
	e := newTestEnv(t)
	e.srv.deps.Controller = nil

	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, "POST", "/api/v1/controller/calibrate", map[string]any{"pulsesPerLiter": 400}).Code)
	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, "POST", "/api/v1/controller/interval", map[string]any{"interval": 500}).Code)
}

func TestSetInterval(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "POST", "/api/v1/controller/interval", map[string]any{"interval": 500})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500*time.Millisecond, e.ctrl.interval)

	cfg, err := e.acc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Interval)
}

func TestNavigationGatesPolling(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job, err := e.jobs.SaveJob(ctx, logic.Job{Title: "A", ExpectedFlow: 240, Tolerance: 0.1})
	require.NoError(t, err)
	require.NoError(t, e.jobs.SetCurrentJob(ctx, job.ID))

	rec := e.do(t, "PUT", "/api/v1/navigation", map[string]string{"page": "jobDetails", "previousPage": "jobs"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["polling"])

	rec = e.do(t, "PUT", "/api/v1/navigation", map[string]string{"page": "monitor", "previousPage": "createJob"})
	assert.Equal(t, true, decode[map[string]any](t, rec)["polling"])

	rec = e.do(t, "GET", "/api/v1/navigation", nil)
	assert.Equal(t, "monitor", decode[map[string]any](t, rec)["page"])
}

func TestWebSocketStream(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.srv.Hub().Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, e.mon.SetOverride(logic.OverrideOn))

	var types []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(types) < 3 {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		types = append(types, msg.Type)
	}
	assert.Equal(t, []string{MsgOverrideChanged, MsgPumpStateChanged, MsgStabilizedChanged}, types)

	require.NoError(t, e.srv.Shutdown(context.Background()))
	assert.Equal(t, 0, e.srv.Hub().Len())
}
