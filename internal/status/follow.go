package status

import (
	"context"

	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/monitor"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/store"
)

// Follow keeps t current from the monitor, job store and settings
// notifications. The job summary is reloaded on CurrentJobChanged, which the
// store raises once per write of the current job. The returned func stops
// following.
func (t *Tracker) Follow(m *monitor.Monitor, jobs *store.JobStore, acc *settings.Accessor, log *zap.Logger) func() {
	refreshJob := func() {
		job, ok, err := jobs.CurrentJob(context.Background())
		switch {
		case err != nil:
			log.Warn("status: load current job", zap.Error(err))
		case !ok:
			t.SetJob(nil)
		default:
			t.SetJob(SummarizeJob(job))
		}
	}
	setController := func(c monitor.ControllerStatus) {
		t.SetController(Controller{Connected: c.Connected, Since: c.Since, Error: c.Error})
	}

	t.SetPump(m.Pump())
	if c := m.Controller(); !c.Since.IsZero() {
		setController(c)
	}
	if s, err := acc.Get(context.Background()); err == nil {
		t.SetTiming(s.PollInterval(), s.AlertDelay(), s.DemoMode)
	}
	refreshJob()

	unsubs := []func(){
		m.PumpStateChanged.Subscribe(t.SetPump),
		m.OverrideChanged.Subscribe(t.SetPump),
		m.StabilizedChanged.Subscribe(t.SetPump),
		m.ControllerStatusChanged.Subscribe(setController),
		m.SnapshotProcessed.Subscribe(func(r monitor.TickReport) {
			t.SetTick(r.Snapshot, r.Band, m.Counts())
		}),
		jobs.CurrentJobChanged.Subscribe(func(string) { refreshJob() }),
		acc.Changed.Subscribe(func(s settings.Settings) {
			t.SetTiming(s.PollInterval(), s.AlertDelay(), s.DemoMode)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

