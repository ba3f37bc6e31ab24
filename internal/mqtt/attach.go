package mqtt

import (
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
)

// Attach forwards the monitor's event and pump notifications to p.
// The returned func detaches it.
func Attach(m *monitor.Monitor, p Publisher, log *zap.Logger, now func() time.Time) func() {
	if now == nil {
		now = time.Now
	}
	pump := func(s logic.PumpStatus) {
		if err := p.PublishPump(s, now()); err != nil {
			log.Warn("mqtt pump publish failed", zap.Error(err))
		}
	}
	unsubs := []func(){
		m.EventUpdated.Subscribe(func(u monitor.EventUpdate) {
			if err := p.PublishEvent(u, now()); err != nil {
				log.Warn("mqtt event publish failed",
					zap.String("event_id", u.Event.ID),
					zap.String("change", string(u.Change)),
					zap.Error(err))
			}
		}),
		m.PumpStateChanged.Subscribe(pump),
		m.OverrideChanged.Subscribe(pump),
		m.StabilizedChanged.Subscribe(pump),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
