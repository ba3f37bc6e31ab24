// Package mqtt publishes nozzle events, pump state and daemon lifecycle
// events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
)

// Topics.
const (
	TopicEvents = "nozzleflow/events"
	TopicPump   = "nozzleflow/pump"
	TopicSystem = "nozzleflow/system"
)

// Publisher publishes monitor notifications to MQTT.
// Publishing errors are returned to the caller and never crash the process.
type Publisher interface {
	// PublishEvent sends one lifecycle step of a nozzle event.
	PublishEvent(u monitor.EventUpdate, at time.Time) error

	// PublishPump sends the pump status. The broker retains it.
	PublishPump(s logic.PumpStatus, at time.Time) error

	// PublishSystem sends a daemon lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a daemon lifecycle event (STARTUP, SHUTDOWN, HEARTBEAT).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // shutdown only, e.g. "SIGTERM"
	RawPayload []byte // pre-formatted payload, sent as is when set
	Retained   bool
}

// EventPayload is the message body on TopicEvents.
type EventPayload struct {
	Event EventBody `json:"event"`
}

// EventBody describes one event lifecycle step.
type EventBody struct {
	Timestamp   string            `json:"timestamp"`
	Change      string            `json:"change"`
	JobID       string            `json:"job_id"`
	ID          string            `json:"id"`
	Kind        string            `json:"type"`
	Title       string            `json:"title"`
	SensorIndex int               `json:"sensor_index"`
	Triggered   bool              `json:"triggered"`
	Direction   string            `json:"direction,omitempty"`
	StartTime   string            `json:"start_time"`
	EndTime     string            `json:"end_time,omitempty"`
	Coordinates logic.Coordinates `json:"coordinates"`
}

// FormatEventPayload creates the JSON payload for an event update.
func FormatEventPayload(u monitor.EventUpdate, at time.Time) ([]byte, error) {
	ev := u.Event
	body := EventBody{
		Timestamp:   at.UTC().Format(time.RFC3339),
		Change:      string(u.Change),
		JobID:       u.JobID,
		ID:          ev.ID,
		Kind:        string(ev.Kind),
		Title:       ev.Title,
		SensorIndex: ev.SensorIndex,
		Triggered:   ev.Triggered,
		StartTime:   ev.StartTime.UTC().Format(time.RFC3339),
		Coordinates: ev.Coordinates,
	}
	if ev.Kind == logic.EventFlowmeter {
		body.Direction = ev.Direction().String()
	}
	if ev.EndTime != nil {
		body.EndTime = ev.EndTime.UTC().Format(time.RFC3339)
	}
	return json.Marshal(EventPayload{Event: body})
}

// PumpPayload is the message body on TopicPump.
type PumpPayload struct {
	Pump PumpBody `json:"pump"`
}

// PumpBody describes the pump status.
type PumpBody struct {
	Timestamp  string `json:"timestamp"`
	State      string `json:"state"`
	RawState   string `json:"raw_state"`
	Override   string `json:"override"`
	Stabilized bool   `json:"stabilized"`
}

// FormatPumpPayload creates the JSON payload for a pump status.
func FormatPumpPayload(s logic.PumpStatus, at time.Time) ([]byte, error) {
	return json.Marshal(PumpPayload{Pump: PumpBody{
		Timestamp:  at.UTC().Format(time.RFC3339),
		State:      string(s.Effective),
		RawState:   string(s.Raw),
		Override:   string(s.Override),
		Stabilized: s.Stabilized,
	}})
}

// SystemPayload is the message body for simple system events (LWT,
// RECONNECTED) that carry no status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// A set RawPayload is returned unchanged.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{System: SystemPayloadInner{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Event:     event.Event,
		Reason:    event.Reason,
	}})
}
