package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/sweeney/nozzleflow/internal/logic"
)

// FakeSource is a test double that returns scripted snapshots.
type FakeSource struct {
	mu sync.Mutex

	// Snapshots are returned in order; the last one repeats.
	Snapshots []logic.Snapshot
	// Err, if set, is returned instead of a snapshot.
	Err error
	// Calls counts Fetch calls.
	Calls int

	index int
}

// NewFakeSource creates a FakeSource with the given snapshots.
func NewFakeSource(snaps ...logic.Snapshot) *FakeSource {
	return &FakeSource{Snapshots: snaps}
}

func (f *FakeSource) Fetch(ctx context.Context) (logic.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if err := ctx.Err(); err != nil {
		return logic.Snapshot{}, err
	}
	if f.Err != nil {
		return logic.Snapshot{}, f.Err
	}
	if len(f.Snapshots) == 0 {
		return logic.Snapshot{}, errors.New("no snapshots configured")
	}
	snap := f.Snapshots[f.index]
	if f.index < len(f.Snapshots)-1 {
		f.index++
	}
	return snap, nil
}

// Push appends a snapshot and makes it the next one returned.
func (f *FakeSource) Push(snap logic.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Snapshots = append(f.Snapshots, snap)
	f.index = len(f.Snapshots) - 1
}
