// Package config loads the daemon configuration.
//
// Values are layered: built-in defaults, then the YAML file, then a .env
// file in the working directory, then NOZZLEFLOW_* environment variables.
// Command-line flags are applied by the caller on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the daemon configuration.
type Config struct {
	HTTP  string      `yaml:"http"`
	Log   LogConfig   `yaml:"log"`
	Store StoreConfig `yaml:"store"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	GPIO  GPIOConfig  `yaml:"gpio"`

	Influx     InfluxConfig     `yaml:"influx"`
	Controller ControllerConfig `yaml:"controller"`

	// Settle is how long the pump runs before readings are evaluated.
	Settle time.Duration `yaml:"settle"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type StoreConfig struct {
	Backend     string      `yaml:"backend"`
	Path        string      `yaml:"path"`
	Redis       RedisConfig `yaml:"redis"`
	PostgresDSN string      `yaml:"postgres_dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type MQTTConfig struct {
	// Broker is the broker URL. Empty disables MQTT.
	Broker    string        `yaml:"broker"`
	ClientID  string        `yaml:"client_id"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type GPIOConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Chip        string        `yaml:"chip"`
	PinForceOn  int           `yaml:"pin_force_on"`
	PinForceOff int           `yaml:"pin_force_off"`
	Poll        time.Duration `yaml:"poll"`
}

type InfluxConfig struct {
	// URL is the InfluxDB server. Empty disables the sink.
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type ControllerConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// BreakerFailures consecutive failures open the circuit breaker.
	BreakerFailures uint32 `yaml:"breaker_failures"`
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: ":8080",
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Store: StoreConfig{
			Backend: BackendFile,
			Path:    "nozzleflow.json",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "nozzleflow:"},
		},
		MQTT: MQTTConfig{
			ClientID:  "nozzleflow",
			Heartbeat: 15 * time.Minute,
		},
		GPIO: GPIOConfig{
			Chip:        "gpiochip0",
			PinForceOn:  20,
			PinForceOff: 21,
			Poll:        100 * time.Millisecond,
		},
		Controller: ControllerConfig{
			Timeout:         5 * time.Second,
			BreakerFailures: 3,
			BreakerCooldown: 10 * time.Second,
		},
		Settle: 5 * time.Second,
	}
}

// Load builds the configuration. An empty path skips the YAML file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"NOZZLEFLOW_HTTP":           &cfg.HTTP,
		"NOZZLEFLOW_LOG_LEVEL":      &cfg.Log.Level,
		"NOZZLEFLOW_LOG_FORMAT":     &cfg.Log.Format,
		"NOZZLEFLOW_LOG_FILE":       &cfg.Log.File,
		"NOZZLEFLOW_STORE_BACKEND":  &cfg.Store.Backend,
		"NOZZLEFLOW_STORE_PATH":     &cfg.Store.Path,
		"NOZZLEFLOW_REDIS_ADDR":     &cfg.Store.Redis.Addr,
		"NOZZLEFLOW_REDIS_PASSWORD": &cfg.Store.Redis.Password,
		"NOZZLEFLOW_POSTGRES_DSN":   &cfg.Store.PostgresDSN,
		"NOZZLEFLOW_BROKER":         &cfg.MQTT.Broker,
		"NOZZLEFLOW_INFLUX_URL":     &cfg.Influx.URL,
		"NOZZLEFLOW_INFLUX_TOKEN":   &cfg.Influx.Token,
		"NOZZLEFLOW_INFLUX_ORG":     &cfg.Influx.Org,
		"NOZZLEFLOW_INFLUX_BUCKET":  &cfg.Influx.Bucket,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("NOZZLEFLOW_GPIO_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NOZZLEFLOW_GPIO_ENABLED: %w", err)
		}
		cfg.GPIO.Enabled = b
	}
	if v, ok := os.LookupEnv("NOZZLEFLOW_HEARTBEAT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NOZZLEFLOW_HEARTBEAT: %w", err)
		}
		cfg.MQTT.Heartbeat = d
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	var problems []string

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the file backend")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			problems = append(problems, "store.redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			problems = append(problems, "store.postgres_dsn is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}

	if c.Controller.Timeout <= 0 {
		problems = append(problems, "controller.timeout must be positive")
	}
	if c.Settle <= 0 {
		problems = append(problems, "settle must be positive")
	}
	if c.MQTT.Heartbeat < 0 {
		problems = append(problems, "mqtt.heartbeat must not be negative")
	}
	if c.GPIO.Enabled {
		if c.GPIO.PinForceOn == c.GPIO.PinForceOff {
			problems = append(problems, "gpio.pin_force_on and gpio.pin_force_off must differ")
		}
		if c.GPIO.Poll <= 0 {
			problems = append(problems, "gpio.poll must be positive")
		}
	}
	if c.Influx.URL != "" && c.Influx.Bucket == "" {
		problems = append(problems, "influx.bucket is required when influx.url is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
