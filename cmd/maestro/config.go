package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/scheduler"
)

// Config holds all maestro configuration.
// Priority: flags > MAESTRO_* env vars > settings file > defaults.
type Config struct {
	DBPath              string        `mapstructure:"db_path" validate:"required"`
	LogLevel            string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat           string        `mapstructure:"log_format" validate:"oneof=text json"`
	PoolSize            int           `mapstructure:"pool_size" validate:"gte=1"`
	DefaultConcurrency  int           `mapstructure:"default_concurrency" validate:"gte=0"`
	TickInterval        time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout" validate:"gtfield=HeartbeatInterval"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout" validate:"gt=0"`
	DispatchRate        float64       `mapstructure:"dispatch_rate" validate:"gte=0"`
	DispatchBurst       int           `mapstructure:"dispatch_burst" validate:"gte=0"`
	MetricsAddr         string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	Isolation           string        `mapstructure:"isolation" validate:"oneof=process group"`
	WorkerTimeout       time.Duration `mapstructure:"worker_timeout" validate:"gte=0"`

	Retry   RetryConfig   `mapstructure:"retry"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// RetryConfig is the engine-wide retry policy; graphs override it per task.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	Jitter      float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// ArchiveConfig drives the background archiver started by serve.
type ArchiveConfig struct {
	Schedule  string        `mapstructure:"schedule" validate:"required"`
	Retention time.Duration `mapstructure:"retention" validate:"gt=0"`
	Vacuum    bool          `mapstructure:"vacuum"`
}

var configValidate = validator.New()

func maestroDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".maestro")
}

func setDefaults(v *viper.Viper) {
	retry := engine.DefaultRetrySettings()

	v.SetDefault("db_path", filepath.Join(maestroDir(), "maestro.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", engine.DefaultPoolSize)
	v.SetDefault("default_concurrency", 0)
	v.SetDefault("tick_interval", engine.DefaultTickInterval)
	v.SetDefault("heartbeat_interval", engine.DefaultHeartbeatInterval)
	v.SetDefault("heartbeat_timeout", engine.DefaultHeartbeatTimeout)
	v.SetDefault("compensation_timeout", engine.DefaultCompensationTimeout)
	v.SetDefault("dispatch_rate", 0.0)
	v.SetDefault("dispatch_burst", 1)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("isolation", "group")
	v.SetDefault("worker_timeout", time.Duration(0))

	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.base_delay", retry.BaseDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)
	v.SetDefault("retry.jitter", retry.Jitter)

	v.SetDefault("archive.schedule", scheduler.DefaultSchedule)
	v.SetDefault("archive.retention", scheduler.DefaultRetention)
	v.SetDefault("archive.vacuum", false)
}

// flagKeys maps persistent flag names to configuration keys.
var flagKeys = map[string]string{
	"db":           "db_path",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"pool-size":    "pool_size",
	"metrics-addr": "metrics_addr",
	"isolation":    "isolation",
}

// loadConfig layers defaults, the settings file, MAESTRO_* env vars and any
// flags set on the command line, then validates the result. An explicit
// configPath must exist; the default ~/.maestro/settings.{yaml,json} is
// optional.
func loadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(maestroDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hooks); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := configValidate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// dsn turns a filesystem path into a libSQL connection string.
func (c *Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.HasPrefix(c.DBPath, ":memory:") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

func (c *Config) engineConfig() engine.Config {
	return engine.Config{
		PoolSize:            c.PoolSize,
		DefaultConcurrency:  c.DefaultConcurrency,
		TickInterval:        c.TickInterval,
		HeartbeatInterval:   c.HeartbeatInterval,
		HeartbeatTimeout:    c.HeartbeatTimeout,
		CompensationTimeout: c.CompensationTimeout,
		DispatchRate:        c.DispatchRate,
		DispatchBurst:       c.DispatchBurst,
		Retry: engine.RetrySettings{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			Jitter:      c.Retry.Jitter,
		},
	}
}

func (c *Config) archiverConfig() scheduler.Config {
	return scheduler.Config{
		Schedule:  c.Archive.Schedule,
		Retention: c.Archive.Retention,
		Vacuum:    c.Archive.Vacuum,
	}
}
