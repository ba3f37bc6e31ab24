package logic

// Direction classifies a flow reading against its acceptable band.
type Direction int

const (
	Within Direction = iota
	Above
	Below
)

func (d Direction) String() string {
	switch d {
	case Above:
		return "above"
	case Below:
		return "below"
	}
	return "within"
}

// Band is the acceptable flow range around the target flow.
type Band struct {
	Target float64
	Min    float64
	Max    float64
}

// TargetFlow returns the expected per-nozzle flow in L/min for an
// application rate in L/ha, a ground speed in m/s and a nozzle spacing in m.
func TargetFlow(expectedRate, speed, nozzleSpacing float64) float64 {
	return (speed * 3.6 * nozzleSpacing * 100 * expectedRate) / 60000
}

// NewBand returns [target*(1-tolerance), target*(1+tolerance)].
func NewBand(target, tolerance float64) Band {
	return Band{
		Target: target,
		Min:    target * (1 - tolerance),
		Max:    target * (1 + tolerance),
	}
}

// JobBand computes the band for a job at the given speed.
func JobBand(job Job, speed, defaultSpacing float64) Band {
	target := TargetFlow(job.ExpectedFlow, speed, job.Spacing(defaultSpacing))
	return NewBand(target, job.Tolerance)
}

// Classify places flow relative to the band. The band edges are within.
func Classify(flow float64, b Band) Direction {
	switch {
	case flow > b.Max:
		return Above
	case flow < b.Min:
		return Below
	}
	return Within
}
