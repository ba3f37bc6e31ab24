// Package monitor ties the pump state machine and the event engine to the
// telemetry source and the job store, and publishes what changed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/notify"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/store"
	"github.com/sweeney/nozzleflow/internal/telemetry"
)

// Navigation pages that affect polling.
const (
	PageJobs      = "jobs"
	PageCreateJob = "createJob"
)

// ErrInvalidOverride is returned by SetOverride for unknown values.
var ErrInvalidOverride = errors.New("invalid override state")

// Navigation is the UI's current and previous page.
type Navigation struct {
	Page         string `json:"page"`
	PreviousPage string `json:"previousPage"`
}

// Browsing reports whether the operator is looking through the job list.
func (n Navigation) Browsing() bool {
	return n.PreviousPage == PageJobs && n.Page != PageCreateJob
}

// ControllerStatus reports whether the last fetch reached the controller.
type ControllerStatus struct {
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since"`
	Error     string    `json:"error,omitempty"`
}

// EventChange names a lifecycle step of an event.
type EventChange string

const (
	EventOpened    EventChange = "opened"
	EventTriggered EventChange = "triggered"
	EventClosed    EventChange = "closed"
)

// EventUpdate is one event lifecycle step in the current job.
type EventUpdate struct {
	JobID  string      `json:"jobId"`
	Change EventChange `json:"change"`
	Event  logic.Event `json:"event"`
}

// TickReport summarizes one processed snapshot.
type TickReport struct {
	Snapshot logic.Snapshot   `json:"snapshot"`
	Pump     logic.PumpStatus `json:"pump"`
	JobID    string           `json:"jobId,omitempty"`
	Band     *logic.Band      `json:"band,omitempty"`
	Changed  bool             `json:"changed"`
}

// Recorder receives measurements. The metrics package implements it.
type Recorder interface {
	TickProcessed(d time.Duration)
	FetchFailed()
	EventChanged(kind logic.EventKind, change EventChange)
	PumpStatus(s logic.PumpStatus)
	SensorFlows(sensors []logic.Sensor)
}

type nopRecorder struct{}

func (nopRecorder) TickProcessed(time.Duration)               {}
func (nopRecorder) FetchFailed()                              {}
func (nopRecorder) EventChanged(logic.EventKind, EventChange) {}
func (nopRecorder) PumpStatus(logic.PumpStatus)               {}
func (nopRecorder) SensorFlows([]logic.Sensor)                {}

// Options customizes a Monitor.
type Options struct {
	Settle   time.Duration
	Clock    Clock
	NewID    func() string
	Recorder Recorder
}

// Monitor processes telemetry ticks and operator commands one at a time.
//
// Ticks, commands and the settle timer are serialized by one mutex.
// Monitor notifications are published after it is released. Job store
// notifications raised by a tick are published while it is held, so their
// handlers must not call back into Monitor commands.
type Monitor struct {
	source   telemetry.Source
	jobs     *store.JobStore
	settings *settings.Accessor
	engine   *logic.Engine
	log      *zap.Logger
	clock    Clock
	rec      Recorder

	mu     sync.Mutex
	pump   *logic.Pump
	timer  Timer
	gen    int
	counts logic.EventCounts

	// Read-side copies for status queries that must not wait on a tick.
	viewMu     sync.RWMutex
	pumpView   logic.PumpStatus
	controller ControllerStatus
	known      bool
	last       *TickReport
	countsView logic.EventCounts
	navView    Navigation

	PumpStateChanged        notify.Bus[logic.PumpStatus]
	OverrideChanged         notify.Bus[logic.PumpStatus]
	StabilizedChanged       notify.Bus[logic.PumpStatus]
	NozzleEventTriggered    notify.Bus[EventUpdate]
	EventUpdated            notify.Bus[EventUpdate]
	SnapshotProcessed       notify.Bus[TickReport]
	ControllerStatusChanged notify.Bus[ControllerStatus]
}

// New creates a monitor.
func New(source telemetry.Source, jobs *store.JobStore, acc *settings.Accessor, log *zap.Logger, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	m := &Monitor{
		source:   source,
		jobs:     jobs,
		settings: acc,
		engine:   logic.NewEngine(opts.NewID),
		log:      log,
		clock:    opts.Clock,
		rec:      opts.Recorder,
		pump:     logic.NewPump(opts.Settle),
	}
	m.pumpView = m.pump.Status()
	return m
}

// Tick fetches one snapshot and runs it through the pump and the engine.
// Without a current job the pump is still observed, using the idle
// activity threshold.
func (m *Monitor) Tick(ctx context.Context) error {
	start := m.clock.Now()

	cfg, err := m.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	snap, err := m.source.Fetch(ctx)
	if err != nil {
		m.rec.FetchFailed()
		m.setController(false, err)
		return err
	}
	m.setController(true, nil)

	if snap.Sensors == nil {
		m.log.Warn("ignoring malformed snapshot", zap.Error(logic.ErrMalformedSnapshot))
		return logic.ErrMalformedSnapshot
	}
	m.rec.SensorFlows(snap.Sensors)

	out, err := m.process(ctx, snap, cfg)
	m.publishPump(out.pump)
	if err != nil {
		return err
	}

	for _, u := range out.updates {
		m.rec.EventChanged(u.Event.Kind, u.Change)
		m.EventUpdated.Publish(u)
	}
	for _, u := range out.triggered {
		m.log.Info("nozzle event triggered",
			zap.String("job_id", u.JobID),
			zap.String("event_id", u.Event.ID),
			zap.String("title", u.Event.Title),
			zap.Int("sensor_index", u.Event.SensorIndex))
		m.NozzleEventTriggered.Publish(u)
	}

	m.rec.TickProcessed(m.clock.Now().Sub(start))
	m.viewMu.Lock()
	m.last = &out.report
	m.viewMu.Unlock()
	m.SnapshotProcessed.Publish(out.report)
	return nil
}

type tickOutput struct {
	pump      []logic.PumpChange
	updates   []EventUpdate
	triggered []EventUpdate
	report    TickReport
}

func (m *Monitor) process(ctx context.Context, snap logic.Snapshot, cfg settings.Settings) (tickOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var out tickOutput

	job, hasJob, err := m.jobs.CurrentJob(ctx)
	if err != nil {
		return out, err
	}
	var jobPtr *logic.Job
	if hasJob {
		jobPtr = &job
	}

	out.pump = m.pump.Observe(logic.RawActive(snap, jobPtr, cfg.NozzleSpacing), now)
	m.rearm(now)
	status := m.pump.Status()
	m.setPumpView(status)

	out.report = TickReport{Snapshot: snap, Pump: status}
	if !hasJob {
		return out, nil
	}
	band := logic.JobBand(job, snap.Speed, cfg.NozzleSpacing)
	out.report.JobID = job.ID
	out.report.Band = &band

	engineCfg := logic.EngineConfig{
		TimeBeforeAlert:      cfg.AlertDelay(),
		DefaultNozzleSpacing: cfg.NozzleSpacing,
	}
	var res logic.Result
	var before []logic.Event
	_, changed, err := m.jobs.UpdateCurrentJob(ctx, func(j *logic.Job) (bool, error) {
		before = j.Events
		r, err := m.engine.Process(*j, snap, status, engineCfg, now)
		if err != nil {
			return false, err
		}
		res = r
		*j = r.Job
		return r.Changed, nil
	})
	if errors.Is(err, store.ErrNoCurrentJob) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("process snapshot: %w", err)
	}

	out.report.Changed = changed
	if !changed {
		return out, nil
	}

	m.counts.Opened += res.Counts.Opened
	m.counts.Triggered += res.Counts.Triggered
	m.counts.Closed += res.Counts.Closed
	m.viewMu.Lock()
	m.countsView = m.counts
	m.viewMu.Unlock()

	out.updates = diffEvents(job.ID, before, res.Job.Events, res.Triggered)
	for _, ev := range res.Triggered {
		out.triggered = append(out.triggered, EventUpdate{JobID: job.ID, Change: EventTriggered, Event: ev})
	}
	return out, nil
}

// diffEvents lists the lifecycle steps between two versions of an event log,
// in log order.
func diffEvents(jobID string, before, after []logic.Event, triggered []logic.Event) []EventUpdate {
	wasTriggered := make(map[string]bool, len(triggered))
	for _, ev := range triggered {
		wasTriggered[ev.ID] = true
	}

	var updates []EventUpdate
	for i, ev := range after {
		if i >= len(before) {
			updates = append(updates, EventUpdate{JobID: jobID, Change: EventOpened, Event: ev})
			if wasTriggered[ev.ID] {
				updates = append(updates, EventUpdate{JobID: jobID, Change: EventTriggered, Event: ev})
			}
			continue
		}
		if wasTriggered[ev.ID] {
			updates = append(updates, EventUpdate{JobID: jobID, Change: EventTriggered, Event: ev})
		}
		if before[i].Ongoing() && !ev.Ongoing() {
			updates = append(updates, EventUpdate{JobID: jobID, Change: EventClosed, Event: ev})
		}
	}
	return updates
}

// SetOverride applies the operator's pump override. Events are closed by
// the next tick, not here.
func (m *Monitor) SetOverride(o logic.Override) error {
	if !o.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOverride, o)
	}
	m.mu.Lock()
	now := m.clock.Now()
	changes := m.pump.SetOverride(o, now)
	m.rearm(now)
	m.setPumpView(m.pump.Status())
	m.mu.Unlock()

	m.log.Info("pump override set", zap.String("override", string(o)))
	m.publishPump(changes)
	return nil
}

// MarkEventAsViewed acknowledges one event of the current job.
func (m *Monitor) MarkEventAsViewed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs.MarkEventAsViewed(ctx, eventID)
}

// MarkAllEventsAsViewed acknowledges every event of the current job.
func (m *Monitor) MarkAllEventsAsViewed(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs.MarkAllEventsAsViewed(ctx)
}

// SetNavigation records the UI's current and previous page.
func (m *Monitor) SetNavigation(nav Navigation) {
	m.viewMu.Lock()
	m.navView = nav
	m.viewMu.Unlock()
}

// ShouldPoll reports whether the polling loop should fetch telemetry.
func (m *Monitor) ShouldPoll() bool {
	if m.jobs.CurrentJobID() == "" {
		return false
	}
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return !m.navView.Browsing()
}

// Pump returns the pump status.
func (m *Monitor) Pump() logic.PumpStatus {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.pumpView
}

// Counts returns the event transitions processed since startup.
func (m *Monitor) Counts() logic.EventCounts {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.countsView
}

// Navigation returns the last navigation reported by the UI.
func (m *Monitor) Navigation() Navigation {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.navView
}

// Controller returns the controller reachability.
func (m *Monitor) Controller() ControllerStatus {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.controller
}

// LastTick returns the report of the last processed snapshot.
func (m *Monitor) LastTick() (TickReport, bool) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	if m.last == nil {
		return TickReport{}, false
	}
	return *m.last, true
}

// Close stops the settle timer.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// rearm points the settle timer at the pump's deadline. Must hold mu.
func (m *Monitor) rearm(now time.Time) {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	deadline, ok := m.pump.Deadline()
	if !ok {
		return
	}
	d := deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	gen := m.gen
	m.timer = m.clock.AfterFunc(d, func() { m.settleElapsed(gen) })
}

func (m *Monitor) settleElapsed(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		// Superseded by a later rearm.
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	changes := m.pump.Advance(now)
	m.timer = nil
	m.rearm(now)
	m.setPumpView(m.pump.Status())
	m.mu.Unlock()

	m.publishPump(changes)
}

func (m *Monitor) setPumpView(s logic.PumpStatus) {
	m.viewMu.Lock()
	m.pumpView = s
	m.viewMu.Unlock()
	m.rec.PumpStatus(s)
}

func (m *Monitor) publishPump(changes []logic.PumpChange) {
	for _, c := range changes {
		switch c.Type {
		case logic.PumpStateChanged:
			m.log.Info("pump state changed",
				zap.String("state", string(c.Status.Effective)),
				zap.String("raw", string(c.Status.Raw)))
			m.PumpStateChanged.Publish(c.Status)
		case logic.PumpOverrideChanged:
			m.OverrideChanged.Publish(c.Status)
		case logic.PumpStabilizedChanged:
			m.log.Info("pump stabilization changed", zap.Bool("stabilized", c.Status.Stabilized))
			m.StabilizedChanged.Publish(c.Status)
		}
	}
}

func (m *Monitor) setController(connected bool, err error) {
	m.viewMu.Lock()
	if m.known && m.controller.Connected == connected {
		m.viewMu.Unlock()
		if err != nil {
			m.log.Debug("telemetry fetch failed", zap.Error(err))
		}
		return
	}
	st := ControllerStatus{Connected: connected, Since: m.clock.Now()}
	if err != nil {
		st.Error = err.Error()
	}
	m.controller = st
	m.known = true
	m.viewMu.Unlock()

	if connected {
		m.log.Info("controller reachable")
	} else {
		m.log.Warn("controller unreachable", zap.Error(err))
	}
	m.ControllerStatusChanged.Publish(st)
}
