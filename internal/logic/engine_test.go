package logic

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	running = PumpStatus{Raw: PumpOn, Override: OverrideAuto, Effective: PumpOn, Stabilized: true}
	cfg     = EngineConfig{TimeBeforeAlert: 5 * time.Second, DefaultNozzleSpacing: 0.6}
)

func newTestEngine() *Engine {
	n := 0
	return NewEngine(func() string {
		n++
		return fmt.Sprintf("ev-%d", n)
	})
}

func testJob() Job {
	return Job{ID: "job-1", Title: "North field", ExpectedFlow: 240, Tolerance: 0.1, NozzleSpacing: 0.5}
}

// flowSnap builds a 2.5 m/s snapshot (band [16.2, 19.8] L/min for testJob)
// with one flowmeter per flow value.
func flowSnap(flows ...float64) Snapshot {
	snap := Snapshot{Speed: 2.5, Sensors: []Sensor{}, Coordinates: Coordinates{Latitude: -22.9, Longitude: -47.06}}
	for i, f := range flows {
		snap.Sensors = append(snap.Sensors, Sensor{
			Name:            fmt.Sprintf("Flowmeter %d", i+1),
			Kind:            SensorFlowmeter,
			PulsesPerLiter:  350,
			PulsesPerMinute: f * 350,
		})
	}
	return snap
}

func ongoingCount(job Job, sensorIndex int) int {
	n := 0
	for _, e := range job.Events {
		if e.SensorIndex == sensorIndex && e.Ongoing() {
			n++
		}
	}
	return n
}

func TestEngineOpensAboveExpectedEvent(t *testing.T) {
	e := newTestEngine()
	snap := flowSnap(0)
	snap.Sensors[0].PulsesPerMinute = 7500 // 21.43 L/min

	res, err := e.Process(testJob(), snap, running, cfg, t0)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Len(t, res.Job.Events, 1)

	ev := res.Job.Events[0]
	assert.Equal(t, "ev-1", ev.ID)
	assert.Equal(t, EventFlowmeter, ev.Kind)
	assert.Equal(t, TitleFlowAbove, ev.Title)
	assert.Equal(t, "Flow of <b>Flowmeter 1</b> is above the expected value", ev.Description)
	assert.Equal(t, t0, ev.StartTime)
	assert.Nil(t, ev.EndTime)
	assert.False(t, ev.Triggered)
	assert.False(t, ev.Viewed)
	assert.Equal(t, Above, ev.Direction())
	assert.Equal(t, snap.Coordinates, ev.Coordinates)
	assert.Empty(t, res.Triggered)
	assert.Equal(t, EventCounts{Opened: 1}, res.Counts)
}

func TestEngineWithinTicksAreIdempotent(t *testing.T) {
	e := newTestEngine()
	job := testJob()
	for i := 0; i < 20; i++ {
		res, err := e.Process(job, flowSnap(18, 16.5, 19.5), running, cfg, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.Empty(t, res.Job.Events)
		job = res.Job
	}
}

func TestEngineTriggersAfterTimeBeforeAlert(t *testing.T) {
	e := newTestEngine()
	res, _ := e.Process(testJob(), flowSnap(10), running, cfg, t0)
	job := res.Job

	// Exactly at the confirmation delay it is not yet triggered.
	res, _ = e.Process(job, flowSnap(10), running, cfg, t0.Add(5*time.Second))
	assert.False(t, res.Changed)
	assert.False(t, res.Job.Events[0].Triggered)

	res, _ = e.Process(res.Job, flowSnap(10), running, cfg, t0.Add(5*time.Second+time.Millisecond))
	assert.True(t, res.Changed)
	require.Len(t, res.Triggered, 1)
	assert.Equal(t, "ev-1", res.Triggered[0].ID)
	assert.True(t, res.Job.Events[0].Triggered)
	assert.Nil(t, res.Job.Events[0].EndTime)

	// Triggered never reverts and is not reported twice.
	res, _ = e.Process(res.Job, flowSnap(10), running, cfg, t0.Add(10*time.Second))
	assert.False(t, res.Changed)
	assert.Empty(t, res.Triggered)
	assert.True(t, res.Job.Events[0].Triggered)
}

func TestEngineClosesWhenFlowReturnsWithinBand(t *testing.T) {
	e := newTestEngine()
	res, _ := e.Process(testJob(), flowSnap(25), running, cfg, t0)
	res, _ = e.Process(res.Job, flowSnap(18), running, cfg, t0.Add(time.Second))

	require.True(t, res.Changed)
	require.Len(t, res.Job.Events, 1)
	ev := res.Job.Events[0]
	require.NotNil(t, ev.EndTime)
	assert.Equal(t, t0.Add(time.Second), *ev.EndTime)
	assert.True(t, ev.Viewed)
	assert.False(t, ev.Triggered)
	assert.Equal(t, EventCounts{Closed: 1}, res.Counts)
}

func TestEngineTriggerAndCloseInSameTick(t *testing.T) {
	e := newTestEngine()
	res, _ := e.Process(testJob(), flowSnap(25), running, cfg, t0)
	res, _ = e.Process(res.Job, flowSnap(18), running, cfg, t0.Add(6*time.Second))

	require.Len(t, res.Triggered, 1)
	ev := res.Job.Events[0]
	assert.True(t, ev.Triggered)
	assert.NotNil(t, ev.EndTime)
}

func TestEngineSignFlipSupersedes(t *testing.T) {
	e := newTestEngine()
	res, _ := e.Process(testJob(), flowSnap(10), running, cfg, t0)
	require.Equal(t, Below, res.Job.Events[0].Direction())

	res, err := e.Process(res.Job, flowSnap(25), running, cfg, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, res.Job.Events, 2)

	old, cur := res.Job.Events[0], res.Job.Events[1]
	assert.NotNil(t, old.EndTime)
	assert.True(t, old.Viewed)
	assert.Nil(t, cur.EndTime)
	assert.Equal(t, Above, cur.Direction())
	assert.Equal(t, "ev-2", cur.ID)
	assert.Equal(t, t0.Add(time.Second), cur.StartTime)
	assert.False(t, cur.Triggered)
	assert.Equal(t, 1, ongoingCount(res.Job, 0))
	assert.Equal(t, EventCounts{Opened: 1, Closed: 1}, res.Counts)
}

func TestEngineSameDirectionNoChange(t *testing.T) {
	e := newTestEngine()
	res, _ := e.Process(testJob(), flowSnap(25), running, cfg, t0)
	res, _ = e.Process(res.Job, flowSnap(30), running, cfg, t0.Add(time.Second))
	assert.False(t, res.Changed)
	assert.Len(t, res.Job.Events, 1)
}

func TestEngineSkipsUntilStabilized(t *testing.T) {
	e := newTestEngine()
	settling := PumpStatus{Raw: PumpOn, Override: OverrideAuto, Effective: PumpOn, Stabilized: false}

	res, err := e.Process(testJob(), flowSnap(25), settling, cfg, t0)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Job.Events)
}

func TestEnginePumpOffClosesOngoingEvents(t *testing.T) {
	e := newTestEngine()
	snap := flowSnap(25, 10)
	snap.Sensors = append(snap.Sensors, Sensor{Name: "Optical 1", Kind: SensorOptical, LastPulseAge: 12 * time.Second})

	res, _ := e.Process(testJob(), snap, running, cfg, t0)
	require.Len(t, res.Job.Events, 3)

	// Operator forces the pump off while the events are ongoing.
	off := PumpStatus{Raw: PumpOn, Override: OverrideOff, Effective: PumpOff, Stabilized: true}
	res, err := e.Process(res.Job, snap, off, cfg, t0.Add(time.Second))
	require.NoError(t, err)
	require.True(t, res.Changed)
	for _, ev := range res.Job.Events {
		require.NotNil(t, ev.EndTime, ev.ID)
		assert.Equal(t, t0.Add(time.Second), *ev.EndTime)
		assert.True(t, ev.Viewed)
	}
	assert.Equal(t, 3, res.Counts.Closed)

	// Nothing left to close.
	res, _ = e.Process(res.Job, snap, off, cfg, t0.Add(2*time.Second))
	assert.False(t, res.Changed)
}

func TestEngineOpticalFailureOpensTriggered(t *testing.T) {
	e := newTestEngine()
	snap := Snapshot{Speed: 2.5, Sensors: []Sensor{
		{Name: "Optical 1", Kind: SensorOptical, LastPulseAge: 2 * time.Second},
	}}

	res, _ := e.Process(testJob(), snap, running, cfg, t0)
	assert.False(t, res.Changed)

	snap.Sensors[0].LastPulseAge = 12 * time.Second
	res, _ = e.Process(res.Job, snap, running, cfg, t0.Add(time.Second))
	require.True(t, res.Changed)
	require.Len(t, res.Job.Events, 1)
	ev := res.Job.Events[0]
	assert.Equal(t, EventOptical, ev.Kind)
	assert.Equal(t, TitleSensorFailure, ev.Title)
	assert.True(t, ev.Triggered)
	assert.Nil(t, ev.Deviation)
	require.Len(t, res.Triggered, 1)
	assert.Equal(t, ev.ID, res.Triggered[0].ID)

	// Still stale: no duplicate.
	res, _ = e.Process(res.Job, snap, running, cfg, t0.Add(2*time.Second))
	assert.False(t, res.Changed)
	assert.Equal(t, 1, ongoingCount(res.Job, 0))

	// Pulses again: closed.
	snap.Sensors[0].LastPulseAge = 100 * time.Millisecond
	res, _ = e.Process(res.Job, snap, running, cfg, t0.Add(3*time.Second))
	assert.True(t, res.Changed)
	assert.NotNil(t, res.Job.Events[0].EndTime)
	assert.True(t, res.Job.Events[0].Viewed)
}

func TestEngineOpticalThresholdIsInclusive(t *testing.T) {
	e := newTestEngine()
	snap := Snapshot{Sensors: []Sensor{{Name: "Optical 1", Kind: SensorOptical, LastPulseAge: 10 * time.Second}}}
	res, _ := e.Process(testJob(), snap, running, cfg, t0)
	assert.Len(t, res.Job.Events, 1)
}

func TestEngineIgnoresIgnoredSensors(t *testing.T) {
	e := newTestEngine()
	snap := flowSnap(25, 18)
	snap.Sensors[0].Ignored = true
	snap.Sensors = append(snap.Sensors, Sensor{Kind: SensorOptical, Ignored: true, LastPulseAge: time.Minute})

	res, _ := e.Process(testJob(), snap, running, cfg, t0)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Job.Events)
}

func TestEngineTriggerOrderFollowsSensorIndex(t *testing.T) {
	e := newTestEngine()
	res, _ := e.Process(testJob(), flowSnap(25, 10, 30), running, cfg, t0)
	res, _ = e.Process(res.Job, flowSnap(25, 10, 30), running, cfg, t0.Add(6*time.Second))

	require.Len(t, res.Triggered, 3)
	for i, ev := range res.Triggered {
		assert.Equal(t, i, ev.SensorIndex)
	}
}

func TestEngineMalformedSnapshot(t *testing.T) {
	e := newTestEngine()
	res, _ := e.Process(testJob(), flowSnap(25), running, cfg, t0)
	before := res.Job

	res, err := e.Process(before, Snapshot{Speed: 2.5}, running, cfg, t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrMalformedSnapshot)
	assert.False(t, res.Changed)
	assert.Equal(t, before, res.Job)
}

func TestEngineDoesNotMutateInput(t *testing.T) {
	e := newTestEngine()
	res, _ := e.Process(testJob(), flowSnap(25), running, cfg, t0)
	input := res.Job

	res, _ = e.Process(input, flowSnap(18), running, cfg, t0.Add(6*time.Second))
	require.True(t, res.Changed)
	assert.Nil(t, input.Events[0].EndTime)
	assert.False(t, input.Events[0].Triggered)
	assert.NotNil(t, res.Job.Events[0].EndTime)
}

func TestEngineAtMostOneOngoingPerSensor(t *testing.T) {
	e := newTestEngine()
	job := testJob()
	flows := [][]float64{
		{25, 10}, {10, 25}, {18, 18}, {30, 5}, {30, 5}, {5, 30}, {18, 30}, {25, 18},
	}
	for i, f := range flows {
		res, err := e.Process(job, flowSnap(f...), running, cfg, t0.Add(time.Duration(i)*3*time.Second))
		require.NoError(t, err)
		job = res.Job
		assert.LessOrEqual(t, ongoingCount(job, 0), 1)
		assert.LessOrEqual(t, ongoingCount(job, 1), 1)
	}
}

func TestMarkViewed(t *testing.T) {
	job := testJob()
	job.Events = []Event{{ID: "a"}, {ID: "b", Viewed: true}, {ID: "c"}}

	assert.True(t, MarkViewed(&job, "a"))
	assert.False(t, MarkViewed(&job, "a"))
	assert.False(t, MarkViewed(&job, "missing"))
	assert.True(t, MarkAllViewed(&job))
	assert.False(t, MarkAllViewed(&job))
	for _, e := range job.Events {
		assert.True(t, e.Viewed)
	}
}
