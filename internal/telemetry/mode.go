package telemetry

import (
	"context"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/settings"
)

// ModeSource reads from Demo while the demoMode setting is on and from Live
// otherwise. The setting is checked on every fetch.
type ModeSource struct {
	Live     Source
	Demo     Source
	settings *settings.Accessor
}

// NewModeSource creates a source that follows the demoMode setting.
func NewModeSource(acc *settings.Accessor, live, demo Source) *ModeSource {
	return &ModeSource{Live: live, Demo: demo, settings: acc}
}

func (m *ModeSource) Fetch(ctx context.Context) (logic.Snapshot, error) {
	s, err := m.settings.Get(ctx)
	if err != nil {
		return logic.Snapshot{}, err
	}
	if s.DemoMode {
		return m.Demo.Fetch(ctx)
	}
	return m.Live.Fetch(ctx)
}
