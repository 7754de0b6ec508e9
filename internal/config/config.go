// Package config loads service configuration from YAML with sane
// defaults for every knob.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// TaskConfig declares a scheduled task built from a registered handler
// type.
type TaskConfig struct {
	ID         string                 `mapstructure:"id"`
	Schedule   string                 `mapstructure:"schedule"`
	Type       string                 `mapstructure:"type"`
	Timezone   string                 `mapstructure:"timezone"`
	RunOnStart bool                   `mapstructure:"run_on_start"`
	Payload    map[string]interface{} `mapstructure:"payload"`
}

// Config is the full service configuration
type Config struct {
	App struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"app"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	Scheduler struct {
		MaxTasks        int    `mapstructure:"max_tasks"`
		DefaultTimezone string `mapstructure:"default_timezone"`
	} `mapstructure:"scheduler"`

	History struct {
		Enabled   bool          `mapstructure:"enabled"`
		Path      string        `mapstructure:"path"`
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"history"`

	NATS struct {
		Enabled        bool          `mapstructure:"enabled"`
		URL            string        `mapstructure:"url"`
		MaxReconnects  int           `mapstructure:"max_reconnects"`
		ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"nats"`

	Metrics struct {
		Enabled          bool          `mapstructure:"enabled"`
		Interval         time.Duration `mapstructure:"interval"`
		FailureThreshold int           `mapstructure:"failure_threshold"`
	} `mapstructure:"metrics"`

	Tasks []TaskConfig `mapstructure:"tasks"`
}

// Load reads configuration from the given YAML file. An empty path loads
// defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "task-scheduler")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("scheduler.max_tasks", 100)
	v.SetDefault("scheduler.default_timezone", "UTC")
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "run_history.db")
	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.interval", 30*time.Second)
	v.SetDefault("metrics.failure_threshold", 3)
}
