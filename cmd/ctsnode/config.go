package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/clustertasks/pkg/blob"
	"github.com/dmitrymomot/clustertasks/pkg/db"
	"github.com/dmitrymomot/clustertasks/pkg/logger"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/mysql"
	"github.com/dmitrymomot/clustertasks/pkg/provider/sqlite"
	"github.com/dmitrymomot/clustertasks/pkg/redis"
)

// Storage backends.
const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendMySQL    = "mysql"
	backendSQLite   = "sqlite"
)

// Body offload targets.
const (
	offloadNone  = ""
	offloadRedis = "redis"
	offloadS3    = "s3"
)

var (
	ErrUnknownBackend = errors.New("ctsnode: unknown backend")
	ErrUnknownOffload = errors.New("ctsnode: unknown offload target")
	ErrInvalidConfig  = errors.New("ctsnode: invalid configuration")
)

// Config is the node configuration. Defaults and environment variables are
// applied first, then the YAML file named by CTS_CONFIG overrides them.
type Config struct {
	Log      logger.Config       `yaml:"log"`
	Sentry   logger.SentryConfig `yaml:"sentry"`
	Postgres db.Config           `yaml:"postgres"`
	MySQL    mysql.Config        `yaml:"mysql"`
	SQLite   sqlite.Config       `yaml:"sqlite"`
	Redis    redis.Config        `yaml:"redis"`
	S3       blob.S3Config       `yaml:"s3"`

	Backend       string `env:"CTS_BACKEND" envDefault:"memory" yaml:"backend"`
	HTTPAddr      string `env:"CTS_HTTP_ADDR" envDefault:":8080" yaml:"http_addr"`
	StalePolicy   string `env:"CTS_STALE_POLICY" envDefault:"recover" yaml:"stale_policy"`
	FailurePolicy string `env:"CTS_FAILURE_POLICY" envDefault:"finish" yaml:"failure_policy"`
	Offload       string `env:"CTS_OFFLOAD" yaml:"offload"` // "", redis or s3

	PollInterval      time.Duration `env:"CTS_POLL_INTERVAL" yaml:"poll_interval"`
	GCInterval        time.Duration `env:"CTS_GC_INTERVAL" yaml:"gc_interval"`
	FinishedRetention time.Duration `env:"CTS_FINISHED_RETENTION" envDefault:"1m" yaml:"finished_retention"`
	ShutdownTimeout   time.Duration `env:"CTS_SHUTDOWN_TIMEOUT" envDefault:"30s" yaml:"shutdown_timeout"`
	OffloadTTL        time.Duration `env:"CTS_OFFLOAD_TTL" envDefault:"168h" yaml:"offload_ttl"`

	// Heartbeat is the demo scheduled processor. A cron expression wins over the interval.
	HeartbeatInterval time.Duration `env:"CTS_HEARTBEAT_INTERVAL" envDefault:"1m" yaml:"heartbeat_interval"`
	HeartbeatCron     string        `env:"CTS_HEARTBEAT_CRON" yaml:"heartbeat_cron"`

	OffloadThreshold int `env:"CTS_OFFLOAD_THRESHOLD" envDefault:"65536" yaml:"offload_threshold"`
	EchoConcurrency  int `env:"CTS_ECHO_CONCURRENCY" envDefault:"4" yaml:"echo_concurrency"`
}

// loadConfig reads defaults and environment variables, then overlays the
// YAML file at path when path is not empty.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case backendMemory, backendPostgres, backendMySQL, backendSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	switch c.Offload {
	case offloadNone, offloadRedis, offloadS3:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOffload, c.Offload)
	}

	if c.StalePolicy != "recover" && c.StalePolicy != "fail" {
		return fmt.Errorf("%w: stale policy %q", ErrInvalidConfig, c.StalePolicy)
	}
	if c.FailurePolicy != "finish" && c.FailurePolicy != "leave_running" {
		return fmt.Errorf("%w: failure policy %q", ErrInvalidConfig, c.FailurePolicy)
	}
	if c.Offload != offloadNone && c.OffloadThreshold <= 0 {
		return fmt.Errorf("%w: offload threshold must be positive", ErrInvalidConfig)
	}
	if c.EchoConcurrency < 1 {
		return fmt.Errorf("%w: echo concurrency must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// settings returns the provider policy knobs.
func (c Config) settings() provider.Settings {
	s := provider.DefaultSettings()
	s.StalePolicy = provider.ParseStalePolicy(c.StalePolicy)
	if c.FinishedRetention > 0 {
		s.FinishedRetention = c.FinishedRetention
	}
	return s
}
