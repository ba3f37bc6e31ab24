package logic

import "time"

// DefaultSettleDuration is how long the pump must run before flow readings
// are trusted.
const DefaultSettleDuration = 5 * time.Second

// idlePulsesPerMinute is the activity threshold used when no job is loaded.
const idlePulsesPerMinute = 10

// PumpChangeType identifies which aspect of the pump changed.
type PumpChangeType string

const (
	PumpStateChanged      PumpChangeType = "onStateChanged"
	PumpOverrideChanged   PumpChangeType = "onOverriddenStateChanged"
	PumpStabilizedChanged PumpChangeType = "onIsStabilizedChanged"
)

// PumpChange is a notification produced by the pump state machine.
type PumpChange struct {
	Type   PumpChangeType
	Status PumpStatus
	Time   time.Time
}

// Pump derives the effective pump state from raw observations and the
// operator override, and holds flow evaluation off while it settles.
type Pump struct {
	settle time.Duration

	raw        PumpState
	override   Override
	effective  PumpState
	stabilized bool

	// settling is true while a settle window is running.
	settling    bool
	settleUntil time.Time
}

// NewPump creates a pump in the off, auto, stabilized state.
func NewPump(settle time.Duration) *Pump {
	if settle <= 0 {
		settle = DefaultSettleDuration
	}
	return &Pump{
		settle:     settle,
		raw:        PumpOff,
		override:   OverrideAuto,
		effective:  PumpOff,
		stabilized: true,
	}
}

// RawActive decides whether the snapshot shows the pump clearly running.
// With a job, any non-ignored flowmeter above half the lower band edge
// counts. Without one, any non-ignored flowmeter with a few pulses does.
func RawActive(snap Snapshot, job *Job, defaultSpacing float64) bool {
	if job == nil {
		for _, s := range snap.Sensors {
			if s.Kind == SensorFlowmeter && !s.Ignored && s.PulsesPerMinute > idlePulsesPerMinute {
				return true
			}
		}
		return false
	}

	band := JobBand(*job, snap.Speed, defaultSpacing)
	threshold := band.Min * 0.5
	for _, s := range snap.Sensors {
		if s.Kind == SensorFlowmeter && !s.Ignored && s.Flow() > threshold {
			return true
		}
	}
	return false
}

// Observe records a raw pump reading.
func (p *Pump) Observe(active bool, now time.Time) []PumpChange {
	changes := p.Advance(now)
	prev := p.raw
	p.raw = boolToPump(active)
	if next := p.recompute(now); next != nil {
		return append(changes, next...)
	}
	if p.raw != prev {
		// Hidden by the override, still reported for the raw indicator.
		changes = append(changes, PumpChange{Type: PumpStateChanged, Status: p.Status(), Time: now})
	}
	return changes
}

// SetOverride applies an operator override.
func (p *Pump) SetOverride(o Override, now time.Time) []PumpChange {
	changes := p.Advance(now)
	p.override = o
	changes = append(changes, PumpChange{Type: PumpOverrideChanged, Status: p.Status(), Time: now})
	return append(changes, p.recompute(now)...)
}

// Advance completes the settle window if its deadline has passed.
func (p *Pump) Advance(now time.Time) []PumpChange {
	if !p.settling || now.Before(p.settleUntil) {
		return nil
	}
	p.settling = false
	p.stabilized = true
	return []PumpChange{{Type: PumpStabilizedChanged, Status: p.Status(), Time: now}}
}

// Deadline returns the end of the running settle window.
func (p *Pump) Deadline() (time.Time, bool) {
	return p.settleUntil, p.settling
}

// Status returns the current pump status.
func (p *Pump) Status() PumpStatus {
	return PumpStatus{
		Raw:        p.raw,
		Override:   p.override,
		Effective:  p.effective,
		Stabilized: p.stabilized,
	}
}

func (p *Pump) recompute(now time.Time) []PumpChange {
	next := p.raw
	if p.override != OverrideAuto {
		next = PumpState(p.override)
	}
	if next == p.effective {
		return nil
	}

	p.effective = next
	stabilizedBefore := p.stabilized

	if next == PumpOn {
		if !p.settling {
			p.settling = true
			p.settleUntil = now.Add(p.settle)
			p.stabilized = false
		}
	} else {
		// Off cancels any running window.
		p.settling = false
		p.settleUntil = time.Time{}
		p.stabilized = true
	}

	changes := []PumpChange{{Type: PumpStateChanged, Status: p.Status(), Time: now}}
	if p.stabilized != stabilizedBefore {
		changes = append(changes, PumpChange{Type: PumpStabilizedChanged, Status: p.Status(), Time: now})
	}
	return changes
}

func boolToPump(b bool) PumpState {
	if b {
		return PumpOn
	}
	return PumpOff
}
