// Package status keeps a thread-safe view of the daemon state for the HTTP
// status page and the MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/nozzleflow/internal/logic"
)

// NetworkInfo describes the rig's network link, as reported by the host.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	IntervalMs        int64
	TimeBeforeAlertMs int64
	SettleMs          int64
	HeartbeatMs       int64
	Broker            string
	HTTPAddr          string
	StoreBackend      string
	DemoMode          bool
}

// JobSummary describes the current job.
type JobSummary struct {
	ID       string
	Title    string
	Events   int
	Ongoing  int
	Unviewed int
}

// SummarizeJob counts a job's events.
func SummarizeJob(job logic.Job) *JobSummary {
	js := &JobSummary{ID: job.ID, Title: job.Title, Events: len(job.Events)}
	for _, ev := range job.Events {
		if ev.Ongoing() {
			js.Ongoing++
		}
		if !ev.Viewed {
			js.Unviewed++
		}
	}
	return js
}

// SensorReading is one sensor as seen on the last processed tick.
type SensorReading struct {
	Name         string
	Kind         logic.SensorKind
	Ignored      bool
	Flow         float64 // L/min, flowmeters only
	LastPulseAge time.Duration
}

// Controller reports controller reachability.
type Controller struct {
	Known     bool
	Connected bool
	Since     time.Time
	Error     string
}

// Snapshot is a point-in-time view of daemon state. It is a value and stays
// valid after the lock is released.
type Snapshot struct {
	Pump          logic.PumpStatus
	Job           *JobSummary
	Speed         float64
	Band          *logic.Band
	Sensors       []SensorReading
	LastTick      time.Time
	Counts        logic.EventCounts
	Controller    Controller
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether readings are being evaluated: the controller answers
// and the pump is not settling.
func (s Snapshot) Ready() bool {
	return s.Controller.Connected && s.Pump.Stabilized
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Pump: logic.PumpStatus{
				Raw:        logic.PumpOff,
				Override:   logic.OverrideAuto,
				Effective:  logic.PumpOff,
				Stabilized: true,
			},
		},
		now: time.Now,
	}
}

func (t *Tracker) SetPump(s logic.PumpStatus) {
	t.mu.Lock()
	t.snap.Pump = s
	t.mu.Unlock()
}

// SetJob sets the current job summary. Nil means no job is selected.
func (t *Tracker) SetJob(js *JobSummary) {
	t.mu.Lock()
	t.snap.Job = js
	t.mu.Unlock()
}

// SetTick records the readings of a processed snapshot.
func (t *Tracker) SetTick(snap logic.Snapshot, band *logic.Band, counts logic.EventCounts) {
	readings := make([]SensorReading, len(snap.Sensors))
	for i, s := range snap.Sensors {
		readings[i] = SensorReading{
			Name:         s.Name,
			Kind:         s.Kind,
			Ignored:      s.Ignored,
			Flow:         s.Flow(),
			LastPulseAge: s.LastPulseAge,
		}
	}
	t.mu.Lock()
	t.snap.Speed = snap.Speed
	t.snap.Band = band
	t.snap.Sensors = readings
	t.snap.LastTick = snap.Time
	t.snap.Counts = counts
	t.mu.Unlock()
}

func (t *Tracker) SetController(c Controller) {
	t.mu.Lock()
	c.Known = true
	t.snap.Controller = c
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// SetTiming updates the settings-driven part of the displayed config.
func (t *Tracker) SetTiming(interval, timeBeforeAlert time.Duration, demo bool) {
	t.mu.Lock()
	t.snap.Config.IntervalMs = interval.Milliseconds()
	t.snap.Config.TimeBeforeAlertMs = timeBeforeAlert.Milliseconds()
	t.snap.Config.DemoMode = demo
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state with Now set to
// the time of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.Job != nil {
		js := *s.Job
		s.Job = &js
	}
	if s.Band != nil {
		b := *s.Band
		s.Band = &b
	}
	s.Sensors = append([]SensorReading(nil), s.Sensors...)
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
