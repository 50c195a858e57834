package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: map[string]AgentSpec{},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18811,
		},
		Database: DatabaseConfig{
			Mode: "standalone",
			Path: "~/.barker/barker.db",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "barker",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars. A missing
// file is not an error; barker can run entirely from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("BARKER_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("BARKER_HOST", &c.Gateway.Host)
	if v := os.Getenv("BARKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Auto-enable the admin server when a token arrives via env.
	if c.Gateway.Token != "" {
		c.Gateway.Enabled = true
	}

	// Database
	envStr("BARKER_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("BARKER_MODE", &c.Database.Mode)
	envStr("BARKER_DB_PATH", &c.Database.Path)

	// Telemetry
	envStr("BARKER_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("BARKER_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("BARKER_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("BARKER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BARKER_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("BARKER_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("BARKER_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("BARKER_TSNET_DIR", &c.Tailscale.StateDir)

	// Bot tokens come from the environment only.
	for id := range c.Agents {
		spec := c.Agents[id]
		spec.resolveToken(id)
		c.Agents[id] = spec
	}
}

// Save writes the config to a JSON file. Secret fields carry json:"-"
// tags, so tokens and DSNs never reach disk.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
