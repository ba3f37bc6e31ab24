//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealReader is not available on non-Linux platforms.
type RealReader struct{}

func NewRealReader(chipName string, pinOn, pinOff int) (*RealReader, error) {
	return nil, errUnsupported
}

func (r *RealReader) Read() (bool, bool, error) {
	return false, false, errUnsupported
}

func (r *RealReader) Close() error {
	return nil
}
