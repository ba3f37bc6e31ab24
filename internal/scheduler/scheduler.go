// Package scheduler runs the telemetry polling loop.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultIdleDelay is the pause between gate checks while polling is off.
const DefaultIdleDelay = 100 * time.Millisecond

// Loop calls Tick serially. After each tick it sleeps for what is left of
// the interval, so the cadence stays close to the interval without ever
// catching up on missed ticks.
type Loop struct {
	// Tick processes one cycle. Errors are logged and the loop continues.
	Tick func(ctx context.Context) error
	// Interval is read before every sleep.
	Interval func(ctx context.Context) time.Duration
	// Gate reports whether to tick. A nil Gate always ticks.
	Gate func() bool

	IdleDelay time.Duration

	log   *zap.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a loop using the wall clock.
func New(tick func(ctx context.Context) error, interval func(ctx context.Context) time.Duration, gate func() bool, log *zap.Logger) *Loop {
	return &Loop{
		Tick:      tick,
		Interval:  interval,
		Gate:      gate,
		IdleDelay: DefaultIdleDelay,
		log:       log,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Run loops until ctx is cancelled and returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("polling loop started")
	defer l.log.Info("polling loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if l.Gate != nil && !l.Gate() {
			if err := l.sleep(ctx, l.IdleDelay); err != nil {
				return err
			}
			continue
		}

		start := l.now()
		if err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn("tick failed", zap.Error(err))
		}
		elapsed := l.now().Sub(start)

		wait := l.Interval(ctx) - elapsed
		if wait < 0 {
			wait = 0
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
