// Package telemetry fetches sensor and speed readings from the controller
// module and normalizes them into logic.Snapshot values.
package telemetry

import (
	"context"
	"time"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/settings"
)

// Source produces one snapshot per call.
type Source interface {
	Fetch(ctx context.Context) (logic.Snapshot, error)
}

// Controller accepts calibration and interval commands.
type Controller interface {
	CalibrateAll(ctx context.Context, pulsesPerLiter float64) error
	Calibrate(ctx context.Context, nozzleIndex int, pulsesPerLiter float64) error
	SetInterval(ctx context.Context, interval time.Duration) error
}

// Data is the controller's GET /data response.
type Data struct {
	Speed       float64           `json:"speed"`
	Coordinates logic.Coordinates `json:"coordinates"`
	Sensors     []SensorReading   `json:"sensors"`
}

// SensorReading is one entry of Data.Sensors, in sensor index order.
type SensorReading struct {
	// PulseCount is the number of pulses counted during the last interval.
	PulseCount float64 `json:"pulseCount"`
	// LastPulseAge is in milliseconds.
	LastPulseAge float64 `json:"lastPulseAge"`
}

// MissingPulseAge is the pulse age given to a configured sensor the
// controller reading has no entry for. It is far beyond any alert threshold,
// so a missing optical sensor reads as failed.
const MissingPulseAge = 24 * time.Hour

// Normalize merges a controller reading with the configured sensor list.
// The configured list decides names, kinds, calibration and the ignored
// flag; the reading supplies pulse rates and pulse ages by index. Sensors
// past the end of the reading get MissingPulseAge. A reading without a
// sensor list yields a snapshot with nil Sensors.
func Normalize(d Data, configured []logic.Sensor, s settings.Settings, now time.Time) logic.Snapshot {
	snap := logic.Snapshot{
		Time:        now,
		Speed:       d.Speed,
		Coordinates: d.Coordinates,
	}
	if s.ShouldSimulateSpeed {
		snap.Speed = s.SimulatedSpeed
	}
	if d.Sensors == nil {
		return snap
	}

	snap.Sensors = make([]logic.Sensor, len(configured))
	for i, sensor := range configured {
		sensor.PulsesPerMinute = 0
		sensor.LastPulseAge = MissingPulseAge
		if i < len(d.Sensors) {
			r := d.Sensors[i]
			sensor.LastPulseAge = time.Duration(r.LastPulseAge * float64(time.Millisecond))
			if sensor.Kind == logic.SensorFlowmeter && s.Interval > 0 {
				sensor.PulsesPerMinute = r.PulseCount * 60000 / float64(s.Interval)
			}
		}
		snap.Sensors[i] = sensor
	}
	return snap
}
