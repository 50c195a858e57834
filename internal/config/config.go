package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/barkerhq/barker/internal/session"
)

// Config is the root configuration for the barker daemon.
type Config struct {
	Agents    map[string]AgentSpec `json:"agents,omitempty"`
	Gateway   GatewayConfig        `json:"gateway"`
	Database  DatabaseConfig       `json:"database,omitempty"`
	Launch    LaunchConfig         `json:"launch,omitempty"`
	Telemetry TelemetryConfig      `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig      `json:"tailscale,omitempty"`
}

// GatewayConfig configures the admin HTTP/WebSocket server.
// Token is NEVER read from the config file, only from env
// BARKER_GATEWAY_TOKEN. Setting the token enables the gateway.
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Token   string `json:"-"` // from env BARKER_GATEWAY_TOKEN only
}

// Addr returns the gateway listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file, only from
// env BARKER_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default, SQLite) or "managed" (Postgres)
	Path        string `json:"path,omitempty"` // SQLite file (default ~/.barker/barker.db)
	PostgresDSN string `json:"-"`              // from env BARKER_POSTGRES_DSN only
}

// IsManaged reports whether the daemon runs against Postgres.
func (d DatabaseConfig) IsManaged() bool {
	return d.Mode == "managed" && d.PostgresDSN != ""
}

// LaunchConfig bounds the session launch protocol. Durations are Go
// duration strings; zero values fall back to the built-in policy.
type LaunchConfig struct {
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	StepTimeout      string `json:"step_timeout,omitempty"`
	InitialBackoff   string `json:"initial_backoff,omitempty"`
	ClaimCooldown    string `json:"claim_cooldown,omitempty"`
	ConflictCooldown string `json:"conflict_cooldown,omitempty"`
}

// ToPolicy converts LaunchConfig to a session.LaunchPolicy with defaults
// applied. Unparseable durations keep the default.
func (lc LaunchConfig) ToPolicy() session.LaunchPolicy {
	p := session.DefaultLaunchPolicy()
	if lc.MaxAttempts > 0 {
		p.MaxAttempts = lc.MaxAttempts
	}
	dur := func(s string, dst *time.Duration) {
		if s == "" {
			return
		}
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			*dst = d
		}
	}
	dur(lc.StepTimeout, &p.StepTimeout)
	dur(lc.InitialBackoff, &p.InitialBackoff)
	dur(lc.ClaimCooldown, &p.ClaimCooldown)
	dur(lc.ConflictCooldown, &p.ConflictCooldown)
	return p
}

// TelemetryConfig configures OTLP trace export. Disabled by default.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local collectors)
	ServiceName string            `json:"service_name,omitempty"` // default "barker"
	Headers     map[string]string `json:"headers,omitempty"`      // extra OTLP headers
}

// TailscaleConfig configures the optional tsnet listener for the admin
// gateway. Requires building with -tags tsnet. Auth key from env only
// (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env BARKER_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// Hash returns a short digest of the config for change detection. Secret
// fields are excluded from marshalling, so they never influence the
// hash; the watcher uses it to skip no-op reloads.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// SessionAgents returns the enabled agents as launch configs, sorted by
// ID, with tokens resolved from the environment. Call Validate first;
// this does not re-check launchability.
func (c *Config) SessionAgents() []session.AgentConfig {
	out := make([]session.AgentConfig, 0, len(c.Agents))
	for id, spec := range c.Agents {
		if !spec.Enabled {
			continue
		}
		out = append(out, spec.toSession(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
