package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted switch positions.
type FakeReader struct {
	mu sync.Mutex

	// Samples are returned in order; the last one repeats.
	Samples []Sample
	index   int

	Closed bool

	// ReadError, if set, is returned by Read.
	ReadError error
}

// Sample is one reading of the two switch lines.
type Sample struct {
	On  bool
	Off bool
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples ...Sample) *FakeReader {
	return &FakeReader{Samples: samples}
}

func (f *FakeReader) Read() (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return false, false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, false, errors.New("no samples configured")
	}
	s := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return s.On, s.Off, nil
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}
