// Package fileloader loads the agent configuration from a yaml file with
// environment variable overrides.
package fileloader

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/casevault/agent/internal/config"
)

// FileLoader loads configuration from a yaml file, applying defaults and
// CASEVAULT_* environment overrides (CASEVAULT_API_CLIENT_SECRET overrides
// api.client_secret, and so on). It implements the config.Loader interface.
type FileLoader struct {
	path string
}

// NewFileLoader creates a loader for the given file path. An empty path
// loads defaults and environment overrides only, which is enough for fully
// env-configured deployments.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration. Validation is left to the caller
// so partial configs can still be inspected.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()

	v.SetDefault("agent.work_dir", "./work")
	v.SetDefault("agent.health_addr", ":4000")
	v.SetDefault("agent.metrics_addr", ":4010")
	v.SetDefault("api.requests_per_second", 10.0)
	v.SetDefault("api.burst", 20)
	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("dispatch.interval", 10*time.Minute)
	v.SetDefault("dispatch.handler_timeout", time.Minute)
	v.SetDefault("dispatch.ack_timeout", 30*time.Second)
	v.SetDefault("telemetry.sampling_ratio", 0.05)

	v.SetEnvPrefix("CASEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so every
	// key without a default must be bound explicitly or it is invisible to
	// Unmarshal in an env-only deployment.
	for _, key := range []string{
		"agent.bootstrap_department",
		"agent.bootstrap_sample",
		"api.base_url",
		"api.token_url",
		"api.client_id",
		"api.client_secret",
		"telemetry.enabled",
		"telemetry.endpoint",
		"telemetry.insecure",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// The tenant mapping is structured, so it cannot ride through a bound
	// scalar key. CASEVAULT_TENANTS carries it as department=id pairs.
	if len(cfg.Tenants) == 0 {
		tenants, err := parseTenants(os.Getenv("CASEVAULT_TENANTS"))
		if err != nil {
			return nil, err
		}
		cfg.Tenants = tenants
	}

	return &cfg, nil
}

// parseTenants parses a comma-separated list of department=tenant pairs, e.g.
// "claims=tenant-1,legal=tenant-2". An empty value yields no tenants.
func parseTenants(value string) (map[string]string, error) {
	if value == "" {
		return nil, nil
	}

	tenants := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		department, tenantID, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || department == "" || tenantID == "" {
			return nil, fmt.Errorf("invalid tenant mapping %q, want department=id", pair)
		}
		tenants[department] = tenantID
	}
	return tenants, nil
}
