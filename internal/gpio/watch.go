package gpio

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
)

// DefaultStableReads is how many identical readings a new switch position
// needs before it is applied.
const DefaultStableReads = 3

// Watcher polls the switch and applies position changes. Only movements
// are applied, so an override set elsewhere stays until the switch moves.
type Watcher struct {
	reader Reader
	apply  func(logic.Override) error
	log    *zap.Logger

	// StableReads debounces contact bounce.
	StableReads int

	applied   logic.Override
	candidate logic.Override
	seen      int
	failing   bool
}

// NewWatcher creates a watcher that assumes the switch starts in auto.
func NewWatcher(r Reader, apply func(logic.Override) error, log *zap.Logger) *Watcher {
	return &Watcher{
		reader:      r,
		apply:       apply,
		log:         log,
		StableReads: DefaultStableReads,
		applied:     logic.OverrideAuto,
		candidate:   logic.OverrideAuto,
	}
}

// Run samples the switch on every tick until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, tick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			w.Sample()
		}
	}
}

// Sample reads the switch once.
func (w *Watcher) Sample() {
	on, off, err := w.reader.Read()
	if err != nil {
		if !w.failing {
			w.log.Warn("override switch read failed", zap.Error(err))
			w.failing = true
		}
		return
	}
	if w.failing {
		w.log.Info("override switch readable again")
		w.failing = false
	}

	pos := Decode(on, off)
	if pos != w.candidate {
		w.candidate = pos
		w.seen = 1
	} else {
		w.seen++
	}
	if w.candidate == w.applied || w.seen < w.StableReads {
		return
	}

	if err := w.apply(pos); err != nil {
		w.log.Warn("apply switch override failed", zap.String("override", string(pos)), zap.Error(err))
		return
	}
	w.log.Info("override switch moved", zap.String("override", string(pos)))
	w.applied = pos
}
