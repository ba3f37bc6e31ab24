package telemetry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/store"
)

// DemoSource synthesizes controller readings for demo mode. Flowmeters run
// near BaseFlow with a little jitter. Every DriftEvery calls the first
// flowmeter runs high for DriftLength calls, so the UI has alerts to show.
type DemoSource struct {
	settings *settings.Accessor
	sensors  *store.SensorStore
	now      func() time.Time

	BaseFlow    float64 // L/min
	Speed       float64 // m/s, used unless speed simulation is on
	DriftEvery  int
	DriftLength int

	mu    sync.Mutex
	rng   *rand.Rand
	calls int
}

// NewDemoSource creates a demo source with a fixed random seed.
func NewDemoSource(acc *settings.Accessor, sensors *store.SensorStore, seed int64) *DemoSource {
	return &DemoSource{
		settings:    acc,
		sensors:     sensors,
		now:         time.Now,
		BaseFlow:    18,
		Speed:       2.5,
		DriftEvery:  40,
		DriftLength: 8,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (d *DemoSource) Fetch(ctx context.Context) (logic.Snapshot, error) {
	s, err := d.settings.Get(ctx)
	if err != nil {
		return logic.Snapshot{}, err
	}
	configured, err := d.sensors.Sensors(ctx)
	if err != nil {
		return logic.Snapshot{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	drifting := d.DriftEvery > 0 && d.calls%d.DriftEvery < d.DriftLength && d.calls > d.DriftEvery
	data := Data{
		Speed:       d.Speed,
		Coordinates: logic.Coordinates{Latitude: -22.9, Longitude: -47.06},
		Sensors:     make([]SensorReading, len(configured)),
	}
	firstFlowmeter := true
	for i, sensor := range configured {
		if sensor.Kind != logic.SensorFlowmeter {
			data.Sensors[i] = SensorReading{LastPulseAge: float64(50 + d.rng.Intn(200))}
			continue
		}
		flow := d.BaseFlow * (1 + (d.rng.Float64()-0.5)*0.06)
		if firstFlowmeter && drifting {
			flow *= 1.3
		}
		firstFlowmeter = false
		perMinute := flow * sensor.PulsesPerLiter
		data.Sensors[i] = SensorReading{
			PulseCount:   perMinute * float64(s.Interval) / 60000,
			LastPulseAge: 10,
		}
	}
	return Normalize(data, configured, s, d.now()), nil
}
