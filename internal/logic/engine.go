package logic

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedSnapshot is returned when a snapshot carries no sensor list.
var ErrMalformedSnapshot = errors.New("snapshot has no sensor list")

// Event titles. Localization happens in the UI layer.
const (
	TitleFlowAbove     = "Flow above expected"
	TitleFlowBelow     = "Flow below expected"
	TitleSensorFailure = "Sensor failure"
)

// EngineConfig holds the settings the engine reads on every tick.
type EngineConfig struct {
	// TimeBeforeAlert is how long a deviation must persist before it is
	// triggered. Optical sensors fail at twice this pulse age.
	TimeBeforeAlert time.Duration
	// DefaultNozzleSpacing is used for jobs without their own spacing.
	DefaultNozzleSpacing float64
}

// Result is the outcome of processing one snapshot.
type Result struct {
	// Job is the updated job. When Changed is set its events never alias
	// the input job's events.
	Job Job
	// Changed reports whether any event was added or modified.
	Changed bool
	// Triggered lists events that became triggered this tick, in sensor order.
	Triggered []Event
	// Counts tallies the lifecycle transitions of this tick.
	Counts EventCounts
}

// Engine opens, triggers and closes flow deviation and sensor failure events.
type Engine struct {
	newID func() string
}

// NewEngine creates an engine that names new events with newID.
func NewEngine(newID func() string) *Engine {
	return &Engine{newID: newID}
}

// Process evaluates one snapshot against the job's event log.
// Nothing is evaluated until the pump is stabilized; a stopped pump closes
// every ongoing event.
func (e *Engine) Process(job Job, snap Snapshot, pump PumpStatus, cfg EngineConfig, now time.Time) (Result, error) {
	if !pump.Stabilized {
		return Result{Job: job}, nil
	}
	if snap.Sensors == nil {
		return Result{Job: job}, ErrMalformedSnapshot
	}

	res := Result{Job: job.Clone()}

	if pump.Effective == PumpOff {
		for i := range res.Job.Events {
			if res.Job.Events[i].Ongoing() {
				closeEvent(&res.Job.Events[i], now)
				res.Counts.Closed++
				res.Changed = true
			}
		}
		return res, nil
	}

	band := JobBand(job, snap.Speed, cfg.DefaultNozzleSpacing)

	for i, sensor := range snap.Sensors {
		if sensor.Ignored {
			continue
		}
		switch sensor.Kind {
		case SensorFlowmeter:
			e.processFlowmeter(&res, i, sensor, band, snap.Coordinates, cfg, now)
		case SensorOptical:
			e.processOptical(&res, i, sensor, snap.Coordinates, cfg, now)
		}
	}

	return res, nil
}

func (e *Engine) processFlowmeter(res *Result, index int, sensor Sensor, band Band, coords Coordinates, cfg EngineConfig, now time.Time) {
	dir := Classify(sensor.Flow(), band)
	ongoing := res.Job.OngoingEvent(index)

	if ongoing < 0 {
		if dir != Within {
			e.open(res, e.flowEvent(index, sensor, dir, coords, now))
		}
		return
	}

	ev := &res.Job.Events[ongoing]
	if !ev.Triggered && now.Sub(ev.StartTime) > cfg.TimeBeforeAlert {
		ev.Triggered = true
		res.Triggered = append(res.Triggered, *ev)
		res.Counts.Triggered++
		res.Changed = true
	}

	switch {
	case dir == Within:
		closeEvent(ev, now)
		res.Counts.Closed++
		res.Changed = true
	case dir != ev.Direction():
		// Sign flip without a within interval: supersede.
		closeEvent(ev, now)
		res.Counts.Closed++
		e.open(res, e.flowEvent(index, sensor, dir, coords, now))
	}
}

func (e *Engine) processOptical(res *Result, index int, sensor Sensor, coords Coordinates, cfg EngineConfig, now time.Time) {
	failed := sensor.LastPulseAge >= 2*cfg.TimeBeforeAlert
	ongoing := res.Job.OngoingEvent(index)

	if ongoing < 0 {
		if failed {
			ev := Event{
				ID:          e.newID(),
				Kind:        EventOptical,
				Title:       TitleSensorFailure,
				Description: fmt.Sprintf("No pulses detected from <b>%s</b>", sensor.Name),
				StartTime:   now,
				SensorIndex: index,
				Triggered:   true,
				Coordinates: coords,
			}
			e.open(res, ev)
			res.Triggered = append(res.Triggered, ev)
			res.Counts.Triggered++
		}
		return
	}

	if !failed {
		closeEvent(&res.Job.Events[ongoing], now)
		res.Counts.Closed++
		res.Changed = true
	}
}

func (e *Engine) flowEvent(index int, sensor Sensor, dir Direction, coords Coordinates, now time.Time) Event {
	ev := Event{
		ID:          e.newID(),
		Kind:        EventFlowmeter,
		StartTime:   now,
		SensorIndex: index,
		Coordinates: coords,
		Deviation:   &Deviation{Above: dir == Above, Below: dir == Below},
	}
	if dir == Above {
		ev.Title = TitleFlowAbove
		ev.Description = fmt.Sprintf("Flow of <b>%s</b> is above the expected value", sensor.Name)
	} else {
		ev.Title = TitleFlowBelow
		ev.Description = fmt.Sprintf("Flow of <b>%s</b> is below the expected value", sensor.Name)
	}
	return ev
}

func (e *Engine) open(res *Result, ev Event) {
	res.Job.Events = append(res.Job.Events, ev)
	res.Counts.Opened++
	res.Changed = true
}

func closeEvent(ev *Event, now time.Time) {
	t := now
	ev.EndTime = &t
	ev.Viewed = true
}

// MarkViewed flags the event as acknowledged. It reports false when the
// event does not exist or was already viewed.
func MarkViewed(job *Job, eventID string) bool {
	i := job.EventByID(eventID)
	if i < 0 || job.Events[i].Viewed {
		return false
	}
	job.Events[i].Viewed = true
	return true
}

// MarkAllViewed flags every event as acknowledged and reports whether any
// event changed.
func MarkAllViewed(job *Job) bool {
	changed := false
	for i := range job.Events {
		if !job.Events[i].Viewed {
			job.Events[i].Viewed = true
			changed = true
		}
	}
	return changed
}
