package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/config"
	"github.com/sweeney/nozzleflow/internal/gpio"
	"github.com/sweeney/nozzleflow/internal/influx"
	"github.com/sweeney/nozzleflow/internal/metrics"
	"github.com/sweeney/nozzleflow/internal/monitor"
	"github.com/sweeney/nozzleflow/internal/mqtt"
	"github.com/sweeney/nozzleflow/internal/scheduler"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/status"
	"github.com/sweeney/nozzleflow/internal/store"
	"github.com/sweeney/nozzleflow/internal/telemetry"
	"github.com/sweeney/nozzleflow/internal/web"
)

func newRunCmd(rf *rootFlags) *cobra.Command {
	var httpAddr, broker string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor, the UI server and the publishers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rf)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTP = httpAddr
			}
			if cmd.Flags().Changed("broker") {
				cfg.MQTT.Broker = broker
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()
			return run(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (empty disables the server)")
	cmd.Flags().StringVar(&broker, "broker", "", "MQTT broker URL (empty disables MQTT)")
	return cmd
}

func run(parent context.Context, cfg config.Config, log *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	kv, closeKV, err := openKV(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeKV()

	acc := settings.NewAccessor(kv)
	jobs := store.NewJobStore(kv, log.Named("jobs"))
	sensors := store.NewSensorStore(kv)

	s, err := acc.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	collector := metrics.NewCollector(nil)

	live := telemetry.NewHTTPSource(acc, sensors, log.Named("controller"), telemetry.HTTPOptions{
		Timeout:         cfg.Controller.Timeout,
		BreakerFailures: cfg.Controller.BreakerFailures,
		BreakerCooldown: cfg.Controller.BreakerCooldown,
		OnBreakerChange: collector.BreakerStateChanged,
	})
	source := telemetry.NewModeSource(acc, live, telemetry.NewDemoSource(acc, sensors, time.Now().UnixNano()))

	m := monitor.New(source, jobs, acc, log.Named("monitor"), monitor.Options{
		Settle:   cfg.Settle,
		Recorder: collector,
	})
	defer m.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		IntervalMs:        int64(s.Interval),
		TimeBeforeAlertMs: int64(s.TimeBeforeAlert),
		SettleMs:          cfg.Settle.Milliseconds(),
		HeartbeatMs:       cfg.MQTT.Heartbeat.Milliseconds(),
		Broker:            cfg.MQTT.Broker,
		HTTPAddr:          cfg.HTTP,
		StoreBackend:      cfg.Store.Backend,
		DemoMode:          s.DemoMode,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	unfollow := tracker.Follow(m, jobs, acc, log.Named("status"))
	defer unfollow()

	var (
		publisher  mqtt.Publisher
		mqttStatus mqtt.ConnectionStatus
	)
	if cfg.MQTT.Broker != "" {
		p, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Log:      log,
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer p.Close()
		publisher, mqttStatus = p, p

		detach := mqtt.Attach(m, p, log.Named("mqtt"), time.Now)
		defer detach()

		unsub := m.SnapshotProcessed.Subscribe(func(monitor.TickReport) {
			tracker.SetMQTTConnected(p.IsConnected())
		})
		defer unsub()
	}

	if cfg.Influx.URL != "" {
		sink, closeSink := influx.Open(influx.Options{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, log)
		defer closeSink()
		detach := sink.Attach(m)
		defer detach()
	}

	publishSystemEvent(publisher, mqttStatus, tracker, log, time.Now(), "STARTUP", "")

	fatal := make(chan error, 2)

	if cfg.HTTP != "" {
		srv := web.New(cfg.HTTP, web.Deps{
			Tracker:    tracker,
			Monitor:    m,
			Jobs:       jobs,
			Sensors:    sensors,
			Settings:   acc,
			Controller: live,
			Metrics:    collector.Handler(),
			Log:        log,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fatal <- fmt.Errorf("http server: %w", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			srv.Shutdown(sctx)
		}()
		log.Info("http server listening", zap.String("addr", cfg.HTTP))
	}

	if cfg.GPIO.Enabled {
		reader, err := gpio.NewRealReader(cfg.GPIO.Chip, cfg.GPIO.PinForceOn, cfg.GPIO.PinForceOff)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer reader.Close()
		watcher := gpio.NewWatcher(reader, m.SetOverride, log.Named("gpio"))
		ticker := time.NewTicker(cfg.GPIO.Poll)
		defer ticker.Stop()
		go watcher.Run(ctx, ticker.C)
	}

	loop := scheduler.New(m.Tick, pollInterval(acc), m.ShouldPoll, log.Named("scheduler"))
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fatal <- err
		}
	}()

	log.Info("started",
		zap.String("version", version),
		zap.String("store", cfg.Store.Backend),
		zap.Duration("interval", s.PollInterval()),
		zap.Bool("demo", s.DemoMode),
		zap.String("broker", cfg.MQTT.Broker))

	var heartbeat <-chan time.Time
	if cfg.MQTT.Heartbeat > 0 {
		hb := time.NewTicker(cfg.MQTT.Heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	err = runLoop(publisher, mqttStatus, tracker, log, time.Now, heartbeat, sigCh, fatal)
	cancel()
	return err
}

// pollInterval reads the polling interval from the settings before every
// sleep, so interval changes apply from the next cycle.
func pollInterval(acc *settings.Accessor) func(ctx context.Context) time.Duration {
	def := settings.Defaults().PollInterval()
	return func(ctx context.Context) time.Duration {
		s, err := acc.Get(ctx)
		if err != nil {
			return def
		}
		return s.PollInterval()
	}
}

// runLoop publishes heartbeats until a signal or a fatal error arrives, then
// publishes the shutdown event. publisher may be nil when MQTT is disabled.
func runLoop(publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, log *zap.Logger, now func() time.Time, heartbeat <-chan time.Time, sig <-chan os.Signal, fatal <-chan error) error {
	for {
		select {
		case s := <-sig:
			log.Info("shutting down", zap.String("signal", s.String()))
			publishSystemEvent(publisher, mqttStatus, tracker, log, now(), "SHUTDOWN", signalName(s))
			return nil

		case err := <-fatal:
			log.Error("fatal error, shutting down", zap.Error(err))
			publishSystemEvent(publisher, mqttStatus, tracker, log, now(), "SHUTDOWN", "ERROR")
			return err

		case <-heartbeat:
			if net := readNetworkInfo(); net != nil {
				tracker.SetNetwork(net)
			}
			snap := tracker.Snapshot()
			log.Info("heartbeat",
				zap.Duration("uptime", snap.Uptime()),
				zap.String("pump", string(snap.Pump.Effective)),
				zap.Int("opened", snap.Counts.Opened),
				zap.Int("triggered", snap.Counts.Triggered),
				zap.Int("closed", snap.Counts.Closed))
			publishSystemEvent(publisher, mqttStatus, tracker, log, now(), "HEARTBEAT", "")
		}
	}
}

// publishSystemEvent sends a lifecycle event carrying the full status
// snapshot. STARTUP and SHUTDOWN are retained.
func publishSystemEvent(publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, log *zap.Logger, at time.Time, event, reason string) {
	if publisher == nil {
		return
	}
	if mqttStatus != nil {
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}
	snap := tracker.Snapshot()
	se := mqtt.SystemEvent{
		Timestamp:  at,
		Event:      event,
		Reason:     reason,
		Retained:   event != "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := publisher.PublishSystem(se); err != nil {
		log.Warn("system event publish failed", zap.String("event", event), zap.Error(err))
		return
	}
	log.Debug("published system event", zap.String("event", event))
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}
