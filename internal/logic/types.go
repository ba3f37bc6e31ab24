// Package logic contains the pure flow-monitoring core: the sensor and job
// model, the target-flow calculator, the pump state machine and the event
// engine. This package has NO external dependencies (no HTTP, MQTT, storage
// or time.Sleep). Time is always injectable via time.Time parameters.
package logic

import "time"

// SensorKind discriminates the two sensor variants.
type SensorKind string

const (
	SensorFlowmeter SensorKind = "flowmeter"
	SensorOptical   SensorKind = "optical"
)

// Coordinates is a pass-through GPS position reported by the controller.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Sensor is one entry of the index-addressed sensor list.
// PulsesPerLiter and PulsesPerMinute are only meaningful for flowmeters.
type Sensor struct {
	Name         string        `json:"name"`
	Kind         SensorKind    `json:"type"`
	Ignored      bool          `json:"ignored"`
	LastPulseAge time.Duration `json:"lastPulseAge"`

	PulsesPerLiter  float64 `json:"pulsesPerLiter,omitempty"`
	PulsesPerMinute float64 `json:"pulsesPerMinute,omitempty"`
}

// Flow returns the flowmeter reading in liters per minute.
func (s Sensor) Flow() float64 {
	if s.Kind != SensorFlowmeter || s.PulsesPerLiter <= 0 {
		return 0
	}
	return s.PulsesPerMinute / s.PulsesPerLiter
}

// Snapshot is the normalized telemetry of one polling tick.
// A nil Sensors slice marks a malformed response.
type Snapshot struct {
	Time        time.Time   `json:"time"`
	Speed       float64     `json:"speed"` // m/s
	Sensors     []Sensor    `json:"sensors"`
	Coordinates Coordinates `json:"coordinates"`
}

// EventKind discriminates the two event variants.
type EventKind string

const (
	EventFlowmeter EventKind = "flowmeterSensor"
	EventOptical   EventKind = "opticalSensor"
)

// Deviation is the flowmeter-specific payload of an Event.
type Deviation struct {
	Above bool `json:"isFlowAboveExpected"`
	Below bool `json:"isFlowBelowExpected"`
}

// Event is a flow deviation or sensor failure recorded in a job's log.
// An event with a nil EndTime is ongoing.
type Event struct {
	ID          string      `json:"id"`
	Kind        EventKind   `json:"type"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	StartTime   time.Time   `json:"startTime"`
	EndTime     *time.Time  `json:"endTime,omitempty"`
	SensorIndex int         `json:"sensorIndex"`
	Triggered   bool        `json:"triggered"`
	Viewed      bool        `json:"viewed"`
	Coordinates Coordinates `json:"coordinates"`

	// Set only when Kind == EventFlowmeter.
	Deviation *Deviation `json:"deviation,omitempty"`
}

// Ongoing reports whether the event has not been closed yet.
func (e Event) Ongoing() bool {
	return e.EndTime == nil
}

// Direction returns the flow classification the event was opened for.
// Optical events have no direction and return Within.
func (e Event) Direction() Direction {
	if e.Deviation == nil {
		return Within
	}
	switch {
	case e.Deviation.Above:
		return Above
	case e.Deviation.Below:
		return Below
	}
	return Within
}

// Job is a spraying job and its append-only event log.
type Job struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	ExpectedFlow  float64   `json:"expectedFlow"`  // L/ha
	Tolerance     float64   `json:"tolerance"`     // fraction, 0.1 = ±10%
	NozzleSpacing float64   `json:"nozzleSpacing"` // m, 0 = use settings default
	CreationDate  time.Time `json:"creationDate"`
	Events        []Event   `json:"events"`
}

// Clone returns a copy of the job whose event slice (and event end times
// and deviations) can be mutated without affecting the original.
func (j Job) Clone() Job {
	c := j
	c.Events = make([]Event, len(j.Events))
	for i, e := range j.Events {
		if e.EndTime != nil {
			t := *e.EndTime
			e.EndTime = &t
		}
		if e.Deviation != nil {
			d := *e.Deviation
			e.Deviation = &d
		}
		c.Events[i] = e
	}
	return c
}

// OngoingEvent returns the index of the ongoing event for the sensor, or -1.
func (j Job) OngoingEvent(sensorIndex int) int {
	for i, e := range j.Events {
		if e.SensorIndex == sensorIndex && e.Ongoing() {
			return i
		}
	}
	return -1
}

// EventByID returns the index of the event with the given id, or -1.
func (j Job) EventByID(id string) int {
	for i, e := range j.Events {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Spacing returns the job's nozzle spacing, falling back to def when unset.
func (j Job) Spacing(def float64) float64 {
	if j.NozzleSpacing > 0 {
		return j.NozzleSpacing
	}
	return def
}

// PumpState is the on/off state of the spraying pump.
type PumpState string

const (
	PumpOn  PumpState = "on"
	PumpOff PumpState = "off"
)

// Override is the operator control over the pump state.
type Override string

const (
	OverrideOn   Override = "on"
	OverrideOff  Override = "off"
	OverrideAuto Override = "auto"
)

// Valid reports whether o is one of the known override values.
func (o Override) Valid() bool {
	switch o {
	case OverrideOn, OverrideOff, OverrideAuto:
		return true
	}
	return false
}

// PumpStatus is a point-in-time view of the pump state machine.
type PumpStatus struct {
	Raw        PumpState `json:"rawState"`
	Override   Override  `json:"overriddenState"`
	Effective  PumpState `json:"state"`
	Stabilized bool      `json:"isStabilized"`
}

// EventCounts tracks engine activity since startup.
type EventCounts struct {
	Opened    int `json:"opened"`
	Triggered int `json:"triggered"`
	Closed    int `json:"closed"`
}
