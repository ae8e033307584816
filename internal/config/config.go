// Package config defines the agent configuration and its loaders.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent     AgentConfig       `mapstructure:"agent" yaml:"agent"`
	API       APIConfig         `mapstructure:"api" yaml:"api"`
	Dispatch  DispatchConfig    `mapstructure:"dispatch" yaml:"dispatch"`
	Telemetry TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	Tenants   map[string]string `mapstructure:"tenants" yaml:"tenants"`
}

// AgentConfig carries process-level settings.
type AgentConfig struct {
	// WorkDir is where downloaded export files are written.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`

	HealthAddr  string `mapstructure:"health_addr" yaml:"health_addr"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`

	// BootstrapDepartment, when set, seeds a demo case under that
	// department on startup, uploading the sample file at BootstrapSample.
	BootstrapDepartment string `mapstructure:"bootstrap_department" yaml:"bootstrap_department"`
	BootstrapSample     string `mapstructure:"bootstrap_sample" yaml:"bootstrap_sample"`
}

// APIConfig carries the cloud API connection settings. ClientID and
// ClientSecret are required; a missing credential fails construction before
// the dispatch loop ever starts.
type APIConfig struct {
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	TokenURL     string `mapstructure:"token_url" yaml:"token_url"`
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`

	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// DispatchConfig tunes the heartbeat engine.
type DispatchConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
	AckTimeout     time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint      string  `mapstructure:"endpoint" yaml:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" yaml:"sampling_ratio"`
	Insecure      bool    `mapstructure:"insecure" yaml:"insecure"`
}

// Validate checks the settings the agent cannot run without.
func (c *Config) Validate() error {
	switch {
	case c.API.BaseURL == "":
		return fmt.Errorf("config: api.base_url is required")
	case c.API.TokenURL == "":
		return fmt.Errorf("config: api.token_url is required")
	case c.API.ClientID == "":
		return fmt.Errorf("config: api.client_id is required")
	case c.API.ClientSecret == "":
		return fmt.Errorf("config: api.client_secret is required")
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("config: at least one tenant mapping is required")
	}
	return nil
}
