package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/notify"
)

// DefaultPulsesPerLiter is the calibration given to generated flowmeters.
const DefaultPulsesPerLiter = 350

// ErrSensorIndex is returned when a sensor index is out of range.
var ErrSensorIndex = errors.New("sensor index out of range")

// SensorStore persists the configured sensor list under the "sensors" key.
// The order of the list is the sensor index reported by the controller.
type SensorStore struct {
	kv KV
	mu sync.Mutex

	// Changed carries the new sensor list after every write.
	Changed notify.Bus[[]logic.Sensor]
}

// NewSensorStore creates a sensor store backed by kv.
func NewSensorStore(kv KV) *SensorStore {
	return &SensorStore{kv: kv}
}

// Sensors returns the configured sensors. A missing key is an empty list.
func (s *SensorStore) Sensors(ctx context.Context) ([]logic.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// SetSensors replaces the sensor list.
func (s *SensorStore) SetSensors(ctx context.Context, sensors []logic.Sensor) error {
	if sensors == nil {
		sensors = []logic.Sensor{}
	}
	s.mu.Lock()
	err := s.store(ctx, sensors)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Changed.Publish(copySensors(sensors))
	return nil
}

// UpdateSensor replaces the sensor at index.
func (s *SensorStore) UpdateSensor(ctx context.Context, index int, sensor logic.Sensor) error {
	s.mu.Lock()
	sensors, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if index < 0 || index >= len(sensors) {
		s.mu.Unlock()
		return fmt.Errorf("update sensor %d of %d: %w", index, len(sensors), ErrSensorIndex)
	}
	sensors[index] = sensor
	err = s.store(ctx, sensors)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Changed.Publish(copySensors(sensors))
	return nil
}

// Clear removes every sensor.
func (s *SensorStore) Clear(ctx context.Context) error {
	return s.SetSensors(ctx, []logic.Sensor{})
}

// GenerateFlowmeters returns n default flowmeters named "Flowmeter 1" to
// "Flowmeter n". Nothing is persisted.
func GenerateFlowmeters(n int) []logic.Sensor {
	sensors := make([]logic.Sensor, 0, n)
	for i := 0; i < n; i++ {
		sensors = append(sensors, logic.Sensor{
			Name:           fmt.Sprintf("Flowmeter %d", i+1),
			Kind:           logic.SensorFlowmeter,
			PulsesPerLiter: DefaultPulsesPerLiter,
		})
	}
	return sensors
}

func (s *SensorStore) load(ctx context.Context) ([]logic.Sensor, error) {
	raw, err := s.kv.Get(ctx, KeySensors)
	if errors.Is(err, ErrMiss) {
		return []logic.Sensor{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sensors: %w", err)
	}
	var sensors []logic.Sensor
	if err := json.Unmarshal([]byte(raw), &sensors); err != nil {
		return nil, fmt.Errorf("decode sensors: %w", err)
	}
	if sensors == nil {
		sensors = []logic.Sensor{}
	}
	return sensors, nil
}

func (s *SensorStore) store(ctx context.Context, sensors []logic.Sensor) error {
	raw, err := json.Marshal(sensors)
	if err != nil {
		return fmt.Errorf("encode sensors: %w", err)
	}
	if err := s.kv.Set(ctx, KeySensors, string(raw)); err != nil {
		return fmt.Errorf("save sensors: %w", err)
	}
	return nil
}

func copySensors(in []logic.Sensor) []logic.Sensor {
	out := make([]logic.Sensor, len(in))
	copy(out, in)
	return out
}
