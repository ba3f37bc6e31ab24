// Package influx writes per-tick telemetry, pump changes and event steps to
// InfluxDB.
package influx

import (
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
)

// Options configures the InfluxDB connection.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// PointWriter accepts points for asynchronous delivery.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Sink turns monitor notifications into points.
type Sink struct {
	w   PointWriter
	log *zap.Logger
}

// NewSink creates a sink writing to w.
func NewSink(w PointWriter, log *zap.Logger) *Sink {
	return &Sink{w: w, log: log}
}

// Open connects to InfluxDB and returns a sink backed by the client's
// non-blocking write API. Write errors are logged. The returned func flushes
// pending points and closes the client.
func Open(o Options, log *zap.Logger) (*Sink, func()) {
	client := influxdb2.NewClient(o.URL, o.Token)
	wapi := client.WriteAPI(o.Org, o.Bucket)
	log = log.Named("influx")
	go func() {
		for err := range wapi.Errors() {
			log.Warn("write failed", zap.Error(err))
		}
	}()
	return NewSink(wapi, log), func() {
		wapi.Flush()
		client.Close()
	}
}

// Attach subscribes the sink to the monitor. The returned func detaches it.
func (s *Sink) Attach(m *monitor.Monitor) func() {
	unsubs := []func(){
		m.SnapshotProcessed.Subscribe(s.WriteTick),
		m.PumpStateChanged.Subscribe(s.WritePump),
		m.StabilizedChanged.Subscribe(s.WritePump),
		m.OverrideChanged.Subscribe(s.WritePump),
		m.EventUpdated.Subscribe(s.WriteEvent),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// WriteTick writes one "flow" point per flowmeter and one "optical" point
// per optical sensor, plus a "speed" point.
func (s *Sink) WriteTick(r monitor.TickReport) {
	snap := r.Snapshot
	s.w.WritePoint(influxdb2.NewPoint("speed",
		map[string]string{"job": r.JobID},
		map[string]interface{}{
			"speed":     snap.Speed,
			"latitude":  snap.Coordinates.Latitude,
			"longitude": snap.Coordinates.Longitude,
		},
		snap.Time))

	for i, sensor := range snap.Sensors {
		tags := map[string]string{
			"job":     r.JobID,
			"sensor":  strconv.Itoa(i),
			"name":    sensor.Name,
			"ignored": strconv.FormatBool(sensor.Ignored),
		}
		switch sensor.Kind {
		case logic.SensorFlowmeter:
			fields := map[string]interface{}{
				"flow":              sensor.Flow(),
				"pulses_per_minute": sensor.PulsesPerMinute,
			}
			if r.Band != nil {
				fields["target"] = r.Band.Target
				fields["min"] = r.Band.Min
				fields["max"] = r.Band.Max
			}
			s.w.WritePoint(influxdb2.NewPoint("flow", tags, fields, snap.Time))
		case logic.SensorOptical:
			s.w.WritePoint(influxdb2.NewPoint("optical", tags,
				map[string]interface{}{"last_pulse_age_ms": sensor.LastPulseAge.Milliseconds()},
				snap.Time))
		}
	}
}

// WritePump writes the pump status at the time it is written.
func (s *Sink) WritePump(st logic.PumpStatus) {
	s.w.WritePoint(influxdb2.NewPointWithMeasurement("pump").
		AddTag("override", string(st.Override)).
		AddField("on", st.Effective == logic.PumpOn).
		AddField("raw_on", st.Raw == logic.PumpOn).
		AddField("stabilized", st.Stabilized))
}

// WriteEvent writes one event lifecycle step.
func (s *Sink) WriteEvent(u monitor.EventUpdate) {
	ev := u.Event
	at := ev.StartTime
	if u.Change == monitor.EventClosed && ev.EndTime != nil {
		at = *ev.EndTime
	}
	s.w.WritePoint(influxdb2.NewPoint("event",
		map[string]string{
			"job":    u.JobID,
			"type":   string(ev.Kind),
			"change": string(u.Change),
		},
		map[string]interface{}{
			"id":           ev.ID,
			"sensor_index": ev.SensorIndex,
			"direction":    ev.Direction().String(),
		},
		at))
}
