// Package config provides configuration management for llguard using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultTimeWindow          = 60 * time.Second
	defaultStallCountThreshold = 5
	defaultStallRatioThreshold = 0.1

	defaultTransportTimeout = 20 * time.Second
	defaultRetryDelay       = 1 * time.Second
	defaultMaxRetryDelay    = 8 * time.Second
	defaultMaxRetries       = 3

	defaultDiagListen   = "127.0.0.1:9410"
	defaultPollInterval = 2 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Failover  FailoverConfig  `mapstructure:"failover"`
	Transport TransportConfig `mapstructure:"transport"`
	Diag      DiagConfig      `mapstructure:"diag"`
	Watch     WatchConfig     `mapstructure:"watch"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FailoverConfig holds the low-latency failover thresholds.
type FailoverConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// TimeWindow bounds stall statistics to recent history.
	TimeWindow time.Duration `mapstructure:"time_window"`
	// StallCountThreshold is the stall count that abandons low-latency
	// mode immediately.
	StallCountThreshold int `mapstructure:"stall_count_threshold"`
	// StallRatioThreshold is the stalled window fraction that abandons
	// low-latency mode, in (0, 1].
	StallRatioThreshold float64 `mapstructure:"stall_ratio_threshold"`
}

// TransportConfig holds the resilient loader configuration.
type TransportConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	MaxRetries    int           `mapstructure:"max_retries"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// DiagConfig holds the diagnostics HTTP server configuration.
type DiagConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// WatchConfig holds the stream-watching configuration.
type WatchConfig struct {
	// URL is the multivariant or media playlist to watch.
	URL string `mapstructure:"url"`
	// PollInterval is the media playlist refresh interval.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")

	v.SetDefault("failover.enabled", true)
	v.SetDefault("failover.time_window", defaultTimeWindow)
	v.SetDefault("failover.stall_count_threshold", defaultStallCountThreshold)
	v.SetDefault("failover.stall_ratio_threshold", defaultStallRatioThreshold)

	v.SetDefault("transport.timeout", defaultTransportTimeout)
	v.SetDefault("transport.retry_delay", defaultRetryDelay)
	v.SetDefault("transport.max_retry_delay", defaultMaxRetryDelay)
	v.SetDefault("transport.max_retries", defaultMaxRetries)
	v.SetDefault("transport.user_agent", "llguard/1.0")

	v.SetDefault("diag.enabled", true)
	v.SetDefault("diag.listen", defaultDiagListen)

	v.SetDefault("watch.url", "")
	v.SetDefault("watch.poll_interval", defaultPollInterval)
}

// Load unmarshals and validates the configuration from the viper instance.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Failover.TimeWindow <= 0 {
		errs = append(errs, fmt.Errorf("failover.time_window must be positive, got %s", c.Failover.TimeWindow))
	}
	if c.Failover.StallCountThreshold <= 0 {
		errs = append(errs, fmt.Errorf("failover.stall_count_threshold must be positive, got %d", c.Failover.StallCountThreshold))
	}
	if c.Failover.StallRatioThreshold <= 0 || c.Failover.StallRatioThreshold > 1 {
		errs = append(errs, fmt.Errorf("failover.stall_ratio_threshold must be in (0, 1], got %g", c.Failover.StallRatioThreshold))
	}
	if c.Transport.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("transport.timeout must be positive, got %s", c.Transport.Timeout))
	}
	if c.Transport.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transport.max_retries must not be negative, got %d", c.Transport.MaxRetries))
	}
	if c.Transport.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("transport.retry_delay must be positive, got %s", c.Transport.RetryDelay))
	}
	if c.Transport.MaxRetryDelay < c.Transport.RetryDelay {
		errs = append(errs, errors.New("transport.max_retry_delay must not be below transport.retry_delay"))
	}
	if c.Watch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("watch.poll_interval must be positive, got %s", c.Watch.PollInterval))
	}

	return errors.Join(errs...)
}
