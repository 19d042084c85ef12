// Package config loads daemon configuration from an optional YAML file and
// THSR_-prefixed environment variables, the latter taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Runner    RunnerConfig    `mapstructure:"runner"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=trace debug info warn error"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=sqlite bolt memory"`
	Path    string `mapstructure:"path" validate:"required_unless=Backend memory"`
}

type SchedulerConfig struct {
	Tick            time.Duration `mapstructure:"tick" validate:"required,min=1s"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout" validate:"required,min=10s"`
	MaxWorkers      int           `mapstructure:"max_workers" validate:"required,min=1"`
	ConflictRetries int           `mapstructure:"conflict_retries" validate:"min=1"`
}

type WatchdogConfig struct {
	Interval   time.Duration `mapstructure:"interval" validate:"required,min=1s"`
	StallAfter time.Duration `mapstructure:"stall_after" validate:"required,min=1s"`
}

type RunnerConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"required,min=10s"`
}

// Load reads configuration, applying defaults, then an optional config file
// (path may be empty to look for config.yaml in the working directory),
// then environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "thsrsniper.db")
	v.SetDefault("scheduler.tick", 30*time.Second)
	v.SetDefault("scheduler.attempt_timeout", 5*time.Minute)
	v.SetDefault("scheduler.max_workers", 4)
	v.SetDefault("scheduler.conflict_retries", 3)
	v.SetDefault("watchdog.interval", time.Minute)
	v.SetDefault("watchdog.stall_after", 3*time.Minute)
	v.SetDefault("runner.base_url", "http://localhost:8090")
	v.SetDefault("runner.timeout", 5*time.Minute)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("THSR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
