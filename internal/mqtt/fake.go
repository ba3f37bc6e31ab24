package mqtt

import (
	"sync"
	"time"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
)

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Events contains every event update that was published.
	Events []monitor.EventUpdate

	// Pumps contains every pump status that was published.
	Pumps []logic.PumpStatus

	// SystemEvents contains every system event that was published.
	SystemEvents []SystemEvent

	// Payloads maps topic to the JSON payloads published on it.
	Payloads map[string][][]byte

	// PublishError, if set, is returned by every publish method.
	PublishError error

	Closed    bool
	Connected bool
}

// NewFakePublisher creates a connected FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Payloads: make(map[string][][]byte), Connected: true}
}

// PublishEvent records the event update.
func (f *FakePublisher) PublishEvent(u monitor.EventUpdate, at time.Time) error {
	payload, err := FormatEventPayload(u, at)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Events = append(f.Events, u)
	f.Payloads[TopicEvents] = append(f.Payloads[TopicEvents], payload)
	return nil
}

// PublishPump records the pump status.
func (f *FakePublisher) PublishPump(s logic.PumpStatus, at time.Time) error {
	payload, err := FormatPumpPayload(s, at)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Pumps = append(f.Pumps, s)
	f.Payloads[TopicPump] = append(f.Payloads[TopicPump], payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.Payloads[TopicSystem] = append(f.Payloads[TopicSystem], payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports the Connected field.
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}
