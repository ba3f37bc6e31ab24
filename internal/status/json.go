package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Ready         bool           `json:"ready"`
	Pump          PumpJSON       `json:"pump"`
	Job           *JobJSON       `json:"job,omitempty"`
	Speed         float64        `json:"speed"`
	Band          *BandJSON      `json:"band,omitempty"`
	Sensors       []SensorJSON   `json:"sensors"`
	LastTick      string         `json:"last_tick,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	Controller    ControllerJSON `json:"controller"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Counts        CountsJSON     `json:"event_counts"`
	Network       *NetworkJSON   `json:"network,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

type PumpJSON struct {
	State      string `json:"state"`
	RawState   string `json:"raw_state"`
	Override   string `json:"override"`
	Stabilized bool   `json:"stabilized"`
}

type JobJSON struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Events   int    `json:"events"`
	Ongoing  int    `json:"ongoing"`
	Unviewed int    `json:"unviewed"`
}

// BandJSON is the acceptable flow range in L/min.
type BandJSON struct {
	Target float64 `json:"target"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

type SensorJSON struct {
	Name           string  `json:"name"`
	Kind           string  `json:"type"`
	Ignored        bool    `json:"ignored"`
	Flow           float64 `json:"flow_lpm"`
	LastPulseAgeMs int64   `json:"last_pulse_age_ms"`
}

// ControllerJSON reports controller reachability. State is UNKNOWN until
// the first fetch completes.
type ControllerJSON struct {
	State string `json:"state"`
	Since string `json:"since,omitempty"`
	Error string `json:"error,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Opened    int `json:"opened"`
	Triggered int `json:"triggered"`
	Closed    int `json:"closed"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	IntervalMs        int64  `json:"interval_ms"`
	TimeBeforeAlertMs int64  `json:"time_before_alert_ms"`
	SettleMs          int64  `json:"settle_ms"`
	HeartbeatMs       int64  `json:"heartbeat_ms"`
	Broker            string `json:"broker"`
	HTTPAddr          string `json:"http_addr"`
	StoreBackend      string `json:"store_backend"`
	DemoMode          bool   `json:"demo_mode"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Ready: snap.Ready(),
		Pump: PumpJSON{
			State:      string(snap.Pump.Effective),
			RawState:   string(snap.Pump.Raw),
			Override:   string(snap.Pump.Override),
			Stabilized: snap.Pump.Stabilized,
		},
		Speed:         snap.Speed,
		Sensors:       make([]SensorJSON, len(snap.Sensors)),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Controller:    ControllerJSON{State: "UNKNOWN"},
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Opened:    snap.Counts.Opened,
			Triggered: snap.Counts.Triggered,
			Closed:    snap.Counts.Closed,
		},
		Config: ConfigJSON{
			IntervalMs:        snap.Config.IntervalMs,
			TimeBeforeAlertMs: snap.Config.TimeBeforeAlertMs,
			SettleMs:          snap.Config.SettleMs,
			HeartbeatMs:       snap.Config.HeartbeatMs,
			Broker:            snap.Config.Broker,
			HTTPAddr:          snap.Config.HTTPAddr,
			StoreBackend:      snap.Config.StoreBackend,
			DemoMode:          snap.Config.DemoMode,
		},
	}

	if j := snap.Job; j != nil {
		inner.Job = &JobJSON{ID: j.ID, Title: j.Title, Events: j.Events, Ongoing: j.Ongoing, Unviewed: j.Unviewed}
	}
	if b := snap.Band; b != nil {
		inner.Band = &BandJSON{Target: b.Target, Min: b.Min, Max: b.Max}
	}
	for i, s := range snap.Sensors {
		inner.Sensors[i] = SensorJSON{
			Name:           s.Name,
			Kind:           string(s.Kind),
			Ignored:        s.Ignored,
			Flow:           s.Flow,
			LastPulseAgeMs: s.LastPulseAge.Milliseconds(),
		}
	}
	if !snap.LastTick.IsZero() {
		inner.LastTick = snap.LastTick.UTC().Format(time.RFC3339)
	}
	if c := snap.Controller; c.Known {
		inner.Controller = ControllerJSON{State: "DISCONNECTED", Since: c.Since.UTC().Format(time.RFC3339), Error: c.Error}
		if c.Connected {
			inner.Controller.State = "CONNECTED"
		}
	}
	if n := snap.Network; n != nil {
		inner.Network = &NetworkJSON{
			Type:       n.Type,
			IP:         n.IP,
			Status:     n.Status,
			Gateway:    n.Gateway,
			WifiStatus: n.WifiStatus,
			SSID:       n.SSID,
		}
	}
	return inner
}

// FormatJSON returns the indented JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the compact JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
