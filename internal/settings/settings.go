// Package settings holds the operator-editable settings document shared
// with the UI.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sweeney/nozzleflow/internal/notify"
	"github.com/sweeney/nozzleflow/internal/store"
)

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid settings")

// Settings is stored as one JSON document under the "settings" key.
type Settings struct {
	Language   string `json:"language"`
	APIBaseURL string `json:"apiBaseUrl"`

	PrimaryColor       string  `json:"primaryColor"`
	SecondaryColor     string  `json:"secondaryColor"`
	PrimaryFontColor   string  `json:"primaryFontColor"`
	SecondaryFontColor string  `json:"secondaryFontColor"`
	InterfaceScale     float64 `json:"interfaceScale"`
	UseDefaultLogo     bool    `json:"useDefaultLogo"`

	NozzleSpacing float64 `json:"nozzleSpacing"` // m
	VolumeUnit    string  `json:"volumeUnit"`
	AreaUnit      string  `json:"areaUnit"`

	Interval        int `json:"interval"`        // ms
	TimeBeforeAlert int `json:"timeBeforeAlert"` // ms

	ShouldSimulateSpeed bool    `json:"shouldSimulateSpeed"`
	SimulatedSpeed      float64 `json:"simulatedSpeed"` // m/s
	DemoMode            bool    `json:"demoMode"`
	SSID                string  `json:"SSID"`

	// Flowmeter firmware tuning, stored for the controller. 0 keeps the
	// firmware default. Each fits the firmware's 16-bit field.
	Debounce           int `json:"debounce"` // ms
	MinPulsesPerPacket int `json:"minPulsesPerPacket"`
	MaxNumberOfPackets int `json:"maxNumberOfPackets"`
}

// Defaults returns the settings used before the operator saves any.
func Defaults() Settings {
	return Settings{
		Language:           "pt-br",
		APIBaseURL:         "http://192.168.0.1",
		PrimaryColor:       "#466905",
		SecondaryColor:     "#ffffff",
		PrimaryFontColor:   "#000000",
		SecondaryFontColor: "#ffffff",
		InterfaceScale:     1,
		UseDefaultLogo:     true,
		NozzleSpacing:      0.6,
		VolumeUnit:         "L",
		AreaUnit:           "ha",
		Interval:           2500,
		TimeBeforeAlert:    5000,
		SSID:               "D-Flow",
	}
}

// PollInterval is the polling period.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.Interval) * time.Millisecond
}

// AlertDelay is how long a deviation must last before it triggers.
func (s Settings) AlertDelay() time.Duration {
	return time.Duration(s.TimeBeforeAlert) * time.Millisecond
}

// Validate checks the values the monitor depends on.
func (s Settings) Validate() error {
	switch {
	case s.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalid, s.Interval)
	case s.TimeBeforeAlert < 0:
		return fmt.Errorf("%w: timeBeforeAlert must not be negative, got %d", ErrInvalid, s.TimeBeforeAlert)
	case s.NozzleSpacing <= 0:
		return fmt.Errorf("%w: nozzleSpacing must be positive, got %v", ErrInvalid, s.NozzleSpacing)
	case s.SimulatedSpeed < 0:
		return fmt.Errorf("%w: simulatedSpeed must not be negative, got %v", ErrInvalid, s.SimulatedSpeed)
	}
	for name, v := range map[string]int{
		"debounce":           s.Debounce,
		"minPulsesPerPacket": s.MinPulsesPerPacket,
		"maxNumberOfPackets": s.MaxNumberOfPackets,
	} {
		if v < 0 || v > math.MaxUint16 {
			return fmt.Errorf("%w: %s out of range, got %d", ErrInvalid, name, v)
		}
	}
	return nil
}

// Accessor reads and writes the settings document.
type Accessor struct {
	kv store.KV
	mu sync.Mutex

	// Changed carries the new settings after every successful write.
	Changed notify.Bus[Settings]
}

// NewAccessor creates an accessor backed by kv.
func NewAccessor(kv store.KV) *Accessor {
	return &Accessor{kv: kv}
}

// Get returns the stored settings. Keys missing from the document keep
// their default values.
func (a *Accessor) Get(ctx context.Context) (Settings, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(ctx)
}

// GetOrDefault returns a single setting by its JSON key, or def when the
// stored document does not contain it. Stored numbers decode as float64.
func (a *Accessor) GetOrDefault(ctx context.Context, key string, def any) (any, error) {
	raw, err := a.kv.Get(ctx, store.KeySettings)
	if errors.Is(err, store.ErrMiss) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("load settings: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return def, fmt.Errorf("decode settings: %w", err)
	}
	v, ok := doc[key]
	if !ok || v == nil {
		return def, nil
	}
	return v, nil
}

// Set validates and replaces the settings.
func (a *Accessor) Set(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	err := a.store(ctx, s)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.Changed.Publish(s)
	return nil
}

// Update applies fn to the current settings and saves the result.
func (a *Accessor) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	a.mu.Lock()
	s, err := a.load(ctx)
	if err != nil {
		a.mu.Unlock()
		return Settings{}, err
	}
	fn(&s)
	if err := s.Validate(); err != nil {
		a.mu.Unlock()
		return Settings{}, err
	}
	if err := a.store(ctx, s); err != nil {
		a.mu.Unlock()
		return Settings{}, err
	}
	a.mu.Unlock()

	a.Changed.Publish(s)
	return s, nil
}

func (a *Accessor) load(ctx context.Context) (Settings, error) {
	s := Defaults()
	raw, err := a.kv.Get(ctx, store.KeySettings)
	if errors.Is(err, store.ErrMiss) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("load settings: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Defaults(), fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

func (a *Accessor) store(ctx context.Context, s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := a.kv.Set(ctx, store.KeySettings, string(raw)); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
