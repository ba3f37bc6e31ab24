package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/gpio"
	"github.com/sweeney/nozzleflow/internal/influx"
	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/metrics"
	"github.com/sweeney/nozzleflow/internal/monitor"
	"github.com/sweeney/nozzleflow/internal/mqtt"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/status"
	"github.com/sweeney/nozzleflow/internal/store"
	"github.com/sweeney/nozzleflow/internal/telemetry"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// stepClock is a manual monitor.Clock. Timers fire from Advance.
type stepClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*stepTimer
}

type stepTimer struct {
	at   time.Time
	f    func()
	done bool
}

func (t *stepTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) AfterFunc(d time.Duration, f func()) monitor.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &stepTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*stepTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type pointRecorder struct {
	mu     sync.Mutex
	points []*write.Point
}

func (r *pointRecorder) WritePoint(p *write.Point) {
	r.mu.Lock()
	r.points = append(r.points, p)
	r.mu.Unlock()
}

func (r *pointRecorder) count(measurement string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.points {
		if p.Name() == measurement {
			n++
		}
	}
	return n
}

// rig wires the monitor to every consumer the daemon attaches.
type rig struct {
	ctx     context.Context
	clock   *stepClock
	src     *telemetry.FakeSource
	jobs    *store.JobStore
	acc     *settings.Accessor
	m       *monitor.Monitor
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	points  *pointRecorder
	reg     *prometheus.Registry
	job     logic.Job
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		ctx:    context.Background(),
		clock:  &stepClock{now: t0},
		src:    telemetry.NewFakeSource(),
		pub:    mqtt.NewFakePublisher(),
		points: &pointRecorder{},
		reg:    prometheus.NewRegistry(),
	}
	kv := store.NewMemoryKV()
	log := zap.NewNop()
	r.jobs = store.NewJobStore(kv, log)
	r.acc = settings.NewAccessor(kv)

	n := 0
	r.m = monitor.New(r.src, r.jobs, r.acc, log, monitor.Options{
		Settle:   5 * time.Second,
		Clock:    r.clock,
		Recorder: metrics.NewCollector(r.reg),
		NewID: func() string {
			n++
			return fmt.Sprintf("ev-%d", n)
		},
	})
	t.Cleanup(r.m.Close)

	t.Cleanup(mqtt.Attach(r.m, r.pub, log, r.clock.Now))
	t.Cleanup(influx.NewSink(r.points, log).Attach(r.m))

	r.tracker = status.NewTracker(t0, status.Config{StoreBackend: "memory"})
	t.Cleanup(r.tracker.Follow(r.m, r.jobs, r.acc, log))

	job, err := r.jobs.SaveJob(r.ctx, logic.Job{Title: "North field", ExpectedFlow: 240, Tolerance: 0.1, NozzleSpacing: 0.5})
	if err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := r.jobs.SetCurrentJob(r.ctx, job.ID); err != nil {
		t.Fatalf("SetCurrentJob: %v", err)
	}
	r.job = job
	return r
}

// flows builds a 2.5 m/s snapshot with one 350 pulses/L flowmeter per flow.
// At 240 L/ha and 0.5 m spacing the band is 16.2 to 19.8 L/min.
func flows(lpm ...float64) logic.Snapshot {
	s := logic.Snapshot{Speed: 2.5, Sensors: []logic.Sensor{}}
	for i, f := range lpm {
		s.Sensors = append(s.Sensors, logic.Sensor{
			Name:            fmt.Sprintf("Flowmeter %d", i+1),
			Kind:            logic.SensorFlowmeter,
			PulsesPerLiter:  350,
			PulsesPerMinute: f * 350,
		})
	}
	return s
}

func (r *rig) tick(t *testing.T, s logic.Snapshot) {
	t.Helper()
	r.src.Push(s)
	if err := r.m.Tick(r.ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

func eventChanges(pub *mqtt.FakePublisher) []monitor.EventChange {
	var out []monitor.EventChange
	for _, u := range pub.Events {
		out = append(out, u.Change)
	}
	return out
}

// TestIntegrationDeviationLifecycle drives a flow deviation from opening
// through triggering to closing and checks every consumer saw it.
func TestIntegrationDeviationLifecycle(t *testing.T) {
	r := newRig(t)

	r.tick(t, flows(21.43))
	r.clock.Advance(5 * time.Second)
	if !r.m.Pump().Stabilized {
		t.Fatal("expected pump to be stabilized after the settle window")
	}

	r.tick(t, flows(21.43)) // opens
	r.clock.Advance(6 * time.Second)
	r.tick(t, flows(21.43)) // triggers after the alert delay
	r.clock.Advance(time.Second)
	r.tick(t, flows(18)) // back within the band

	want := []monitor.EventChange{monitor.EventOpened, monitor.EventTriggered, monitor.EventClosed}
	got := eventChanges(r.pub)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("mqtt event changes: got %v, want %v", got, want)
	}
	for _, u := range r.pub.Events {
		if u.JobID != r.job.ID || u.Event.ID != "ev-1" {
			t.Errorf("unexpected update %+v", u)
		}
	}

	payloads := r.pub.Payloads[mqtt.TopicEvents]
	var closed mqtt.EventPayload
	if err := json.Unmarshal(payloads[len(payloads)-1], &closed); err != nil {
		t.Fatalf("closed payload: %v", err)
	}
	if closed.Event.Direction != "above" || closed.Event.EndTime == "" {
		t.Errorf("closed payload: got %+v", closed.Event)
	}

	snap := r.tracker.Snapshot()
	if snap.Counts != (logic.EventCounts{Opened: 1, Triggered: 1, Closed: 1}) {
		t.Errorf("tracker counts: got %+v", snap.Counts)
	}
	if snap.Job == nil || snap.Job.Events != 1 || snap.Job.Ongoing != 0 {
		t.Errorf("tracker job: got %+v", snap.Job)
	}
	if snap.Band == nil || snap.Band.Min < 16.19 || snap.Band.Min > 16.21 {
		t.Errorf("tracker band: got %+v", snap.Band)
	}
	if !snap.Ready() {
		t.Error("expected ready once the controller answered and the pump settled")
	}

	if n := r.points.count("event"); n != 3 {
		t.Errorf("influx event points: got %d, want 3", n)
	}
	if n := r.points.count("flow"); n != 4 {
		t.Errorf("influx flow points: got %d, want 4", n)
	}
	if r.points.count("pump") == 0 {
		t.Error("expected influx pump points")
	}

	if n, err := testutil.GatherAndCount(r.reg, "nozzleflow_events_total"); err != nil || n != 3 {
		t.Errorf("events_total series: got %d, %v", n, err)
	}
}

// TestIntegrationSwitchForcesPumpOff moves the override switch to off while
// a deviation is ongoing. The next tick closes the event.
func TestIntegrationSwitchForcesPumpOff(t *testing.T) {
	r := newRig(t)

	r.tick(t, flows(12))
	r.clock.Advance(5 * time.Second)
	r.tick(t, flows(12))
	if len(r.pub.Events) != 1 {
		t.Fatalf("expected an opened event, got %d updates", len(r.pub.Events))
	}

	off := gpio.Sample{Off: true}
	w := gpio.NewWatcher(gpio.NewFakeReader(off, off, off), r.m.SetOverride, zap.NewNop())
	for i := 0; i < gpio.DefaultStableReads; i++ {
		w.Sample()
	}

	pump := r.m.Pump()
	if pump.Effective != logic.PumpOff || pump.Override != logic.OverrideOff || pump.Raw != logic.PumpOn {
		t.Fatalf("pump after switch: got %+v", pump)
	}
	last := r.pub.Pumps[len(r.pub.Pumps)-1]
	if last.Override != logic.OverrideOff {
		t.Errorf("last published pump status: got %+v", last)
	}
	if got := r.tracker.Snapshot().Pump.Override; got != logic.OverrideOff {
		t.Errorf("tracker override: got %q", got)
	}

	r.clock.Advance(time.Second)
	r.tick(t, flows(12))

	changes := eventChanges(r.pub)
	if len(changes) != 2 || changes[1] != monitor.EventClosed {
		t.Fatalf("expected the ongoing event to close, got %v", changes)
	}
	job, _, err := r.jobs.CurrentJob(r.ctx)
	if err != nil {
		t.Fatalf("CurrentJob: %v", err)
	}
	if job.Events[0].Ongoing() {
		t.Error("expected stored event to be closed")
	}
}

// TestIntegrationPublishFailureDoesNotStopMonitoring keeps processing ticks
// while the broker rejects every message.
func TestIntegrationPublishFailureDoesNotStopMonitoring(t *testing.T) {
	r := newRig(t)
	r.pub.PublishError = fmt.Errorf("broker down")

	r.tick(t, flows(21.43))
	r.clock.Advance(5 * time.Second)
	r.tick(t, flows(21.43))

	events, err := r.jobs.Job(r.ctx, r.job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if len(events.Events) != 1 {
		t.Errorf("expected the event to be persisted, got %d", len(events.Events))
	}
	if r.points.count("event") != 1 {
		t.Error("expected other consumers to still receive the event")
	}
}

// TestIntegrationControllerOutage reports the controller as disconnected
// on a failed fetch and recovers on the next good one.
func TestIntegrationControllerOutage(t *testing.T) {
	r := newRig(t)

	r.src.Err = fmt.Errorf("connection refused")
	if err := r.m.Tick(r.ctx); err == nil {
		t.Fatal("expected tick to fail while the controller is down")
	}
	c := r.tracker.Snapshot().Controller
	if !c.Known || c.Connected || c.Error == "" {
		t.Errorf("controller after outage: got %+v", c)
	}

	r.src.Err = nil
	r.tick(t, flows(0))
	c = r.tracker.Snapshot().Controller
	if !c.Connected || c.Error != "" {
		t.Errorf("controller after recovery: got %+v", c)
	}
	if n, err := testutil.GatherAndCount(r.reg, "nozzleflow_fetch_failures_total"); err != nil || n != 1 {
		t.Errorf("fetch_failures_total series: got %d, %v", n, err)
	}
}
