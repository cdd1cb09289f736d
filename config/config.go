// Package config loads omniflow settings from omniflow.yaml and OMNIFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/omniflow/scheduler"
	"github.com/songzhibin97/omniflow/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. OMNIFLOW_STORAGE_DRIVER.
const EnvPrefix = "OMNIFLOW"

// Config holds the configuration for the application.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Storage struct {
		// Driver is one of memory, redis, postgres, sqlite.
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"storage"`
	Queue struct {
		// Driver is one of memory, redis.
		Driver   string `mapstructure:"driver"`
		Key      string `mapstructure:"key"`
		Capacity int    `mapstructure:"capacity"`
	} `mapstructure:"queue"`
	Worker struct {
		Concurrency int           `mapstructure:"concurrency"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		BackOff     time.Duration `mapstructure:"backoff"`
		MaxBackOff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"worker"`
	Engine struct {
		Branching     bool          `mapstructure:"branching"`
		MachineID     uint16        `mapstructure:"machine_id"`
		ActionTimeout time.Duration `mapstructure:"action_timeout"`
		HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	} `mapstructure:"engine"`
	Gateway struct {
		BaseURL string `mapstructure:"base_url"`
		Token   string `mapstructure:"token"`
	} `mapstructure:"gateway"`
	API struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"api"`
	Retention struct {
		// MaxAge is how long finished runs are kept; zero keeps them forever.
		MaxAge   time.Duration `mapstructure:"max_age"`
		Schedule string        `mapstructure:"schedule"`
	} `mapstructure:"retention"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
	Schedules []scheduler.Entry `mapstructure:"schedules"`
}

// Every key needs a default, even an empty one, for AutomaticEnv to see it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.key", "omniflow:jobs")
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff", "1s")
	v.SetDefault("worker.max_backoff", "1m")
	v.SetDefault("engine.branching", false)
	v.SetDefault("engine.machine_id", 1)
	v.SetDefault("engine.action_timeout", "30s")
	v.SetDefault("engine.http_timeout", "30s")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.token", "")
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("retention.max_age", "720h")
	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("telemetry.service_name", "omniflow")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// Load reads the configuration. When path is empty, omniflow.yaml is
// searched for in the working directory and ./config; a missing file is
// not an error. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("omniflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Gateway.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Gateway.BaseURL), "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "redis":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown queue.driver %q", c.Queue.Driver))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("worker.max_attempts must be at least 1"))
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, errors.New("retention.max_age must not be negative"))
	} else if c.Retention.MaxAge > 0 {
		if _, err := scheduler.ParseSpec(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
