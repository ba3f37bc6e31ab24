//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the switch from hardware through the GPIO character
// device. Lines are pulled down and read high when selected.
type RealReader struct {
	chip    *gpiocdev.Chip
	onLine  *gpiocdev.Line
	offLine *gpiocdev.Line
}

// NewRealReader requests the two switch lines on the named chip.
func NewRealReader(chipName string, pinOn, pinOff int) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	onLine, err := chip.RequestLine(pinOn, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request force-on pin %d: %w", pinOn, err)
	}

	offLine, err := chip.RequestLine(pinOff, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		onLine.Close()
		chip.Close()
		return nil, fmt.Errorf("request force-off pin %d: %w", pinOff, err)
	}

	return &RealReader{chip: chip, onLine: onLine, offLine: offLine}, nil
}

func (r *RealReader) Read() (bool, bool, error) {
	on, err := r.onLine.Value()
	if err != nil {
		return false, false, fmt.Errorf("read force-on pin: %w", err)
	}
	off, err := r.offLine.Value()
	if err != nil {
		return false, false, fmt.Errorf("read force-off pin: %w", err)
	}
	return on == 1, off == 1, nil
}

// Close leaves both pins as pulled-down inputs, the Pi boot default, and
// releases them.
func (r *RealReader) Close() error {
	var errs []error
	for _, l := range []struct {
		name string
		line *gpiocdev.Line
	}{{"force-on", r.onLine}, {"force-off", r.offLine}} {
		if l.line == nil {
			continue
		}
		if err := l.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", l.name, err))
		}
		if err := l.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", l.name, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
