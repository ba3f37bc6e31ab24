package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/store"
)

// ErrBadStatus is returned when the controller answers with a non-2xx code.
var ErrBadStatus = errors.New("controller returned an error status")

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// OnBreakerChange is called on every circuit breaker transition.
	OnBreakerChange func(from, to gobreaker.State)
}

// HTTPSource talks to the controller over HTTP. The base URL is read from
// the apiBaseUrl setting on every request.
type HTTPSource struct {
	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker
	settings *settings.Accessor
	sensors  *store.SensorStore
	log      *zap.Logger
	now      func() time.Time
}

// NewHTTPSource creates a controller client.
func NewHTTPSource(acc *settings.Accessor, sensors *store.SensorStore, log *zap.Logger, opts HTTPOptions) *HTTPSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "controller",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("controller circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if opts.OnBreakerChange != nil {
				opts.OnBreakerChange(from, to)
			}
		},
	})

	return &HTTPSource{
		client:   client,
		breaker:  breaker,
		settings: acc,
		sensors:  sensors,
		log:      log,
		now:      time.Now,
	}
}

// Fetch reads GET {apiBaseUrl}/data. Transient failures are retried for
// at most half the polling interval.
func (h *HTTPSource) Fetch(ctx context.Context) (logic.Snapshot, error) {
	s, err := h.settings.Get(ctx)
	if err != nil {
		return logic.Snapshot{}, err
	}
	configured, err := h.sensors.Sensors(ctx)
	if err != nil {
		return logic.Snapshot{}, err
	}

	res, err := h.breaker.Execute(func() (any, error) {
		return h.fetchWithRetry(ctx, baseURL(s), s.PollInterval()/2)
	})
	if err != nil {
		return logic.Snapshot{}, fmt.Errorf("fetch telemetry: %w", err)
	}
	return Normalize(res.(Data), configured, s, h.now()), nil
}

func (h *HTTPSource) fetchWithRetry(ctx context.Context, base string, budget time.Duration) (Data, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = budget
	if budget <= 0 {
		// Zero means "retry forever" to backoff.
		bo.MaxElapsedTime = time.Millisecond
	}

	var data Data
	op := func() error {
		data = Data{}
		resp, err := h.client.R().
			SetContext(ctx).
			SetResult(&data).
			ForceContentType("application/json").
			Get(base + "/data")
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if resp.IsError() {
			err := fmt.Errorf("%w: %s", ErrBadStatus, resp.Status())
			if resp.StatusCode() < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		h.log.Debug("retrying telemetry fetch", zap.Error(err), zap.Duration("wait", wait))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return Data{}, err
	}
	return data, nil
}

// CalibrateAll sets the pulses-per-liter calibration of every nozzle.
func (h *HTTPSource) CalibrateAll(ctx context.Context, pulsesPerLiter float64) error {
	return h.post(ctx, "/calibrateAll", map[string]string{
		"pulsesPerLiter": formatFloat(pulsesPerLiter),
	})
}

// Calibrate sets the pulses-per-liter calibration of one nozzle.
func (h *HTTPSource) Calibrate(ctx context.Context, nozzleIndex int, pulsesPerLiter float64) error {
	return h.post(ctx, "/calibrate", map[string]string{
		"nozzleIndex":    strconv.Itoa(nozzleIndex),
		"pulsesPerLiter": formatFloat(pulsesPerLiter),
	})
}

// SetInterval changes the controller's counting interval.
func (h *HTTPSource) SetInterval(ctx context.Context, interval time.Duration) error {
	return h.post(ctx, "/interval", map[string]string{
		"interval": strconv.FormatInt(interval.Milliseconds(), 10),
	})
}

func (h *HTTPSource) post(ctx context.Context, path string, params map[string]string) error {
	s, err := h.settings.Get(ctx)
	if err != nil {
		return err
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Post(baseURL(s) + path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("post %s: %w: %s", path, ErrBadStatus, resp.Status())
	}
	h.log.Info("controller command sent", zap.String("path", path), zap.Any("params", params))
	return nil
}

func baseURL(s settings.Settings) string {
	return strings.TrimRight(s.APIBaseURL, "/")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
