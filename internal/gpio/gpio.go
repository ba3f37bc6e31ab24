// Package gpio reads the rig's three-position pump override switch.
// The real implementation uses the Linux GPIO character device; the fake
// allows testing without hardware.
package gpio

import "github.com/sweeney/nozzleflow/internal/logic"

// Reader reads the override switch lines.
type Reader interface {
	// Read returns whether the force-on and force-off positions are
	// selected.
	Read() (forceOn, forceOff bool, err error)

	// Close releases GPIO resources.
	Close() error
}

// Default pins (BCM numbering).
const (
	PinForceOn  = 20
	PinForceOff = 21
)

// Decode maps the switch lines to an override. Neither line, or both
// (a switch caught mid-travel), means automatic.
func Decode(forceOn, forceOff bool) logic.Override {
	switch {
	case forceOn && !forceOff:
		return logic.OverrideOn
	case forceOff && !forceOn:
		return logic.OverrideOff
	}
	return logic.OverrideAuto
}
