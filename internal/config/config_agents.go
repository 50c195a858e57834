package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/adhocore/gronx"

	"github.com/barkerhq/barker/internal/command"
	"github.com/barkerhq/barker/internal/session"
)

// AgentSpec declares one bot agent in the config file, keyed by agent ID
// in Config.Agents. The bot token is NEVER read from the file, only
// from the environment (TokenEnv if set, otherwise the conventional
// BARKER_AGENT_<ID>_TOKEN variable).
type AgentSpec struct {
	Name       string `json:"name,omitempty"`        // display name (defaults to the agent ID)
	Platform   string `json:"platform"`              // "telegram", "discord", "memory"
	Template   string `json:"template"`              // "poll", "giveaway", "qa", "analytics"
	Channel    string `json:"channel"`               // platform channel reference the agent serves
	Enabled    bool   `json:"enabled"`               // disabled agents are kept in config but never launched
	DigestCron string `json:"digest_cron,omitempty"` // analytics only: digest schedule (default hourly)
	TokenEnv   string `json:"token_env,omitempty"`   // override env var name for the bot token
	Token      string `json:"-"`                     // from env only, resolved at load time
}

var knownPlatforms = map[string]bool{
	"telegram": true,
	"discord":  true,
	"memory":   true,
}

// TokenEnvName returns the conventional env var holding the bot token
// for the given agent ID, e.g. "poll-bot" -> BARKER_AGENT_POLL_BOT_TOKEN.
func TokenEnvName(id string) string {
	up := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
	return "BARKER_AGENT_" + up + "_TOKEN"
}

// resolveToken fills Token from the environment. TokenEnv wins when set.
func (a *AgentSpec) resolveToken(id string) {
	if a.TokenEnv != "" {
		if v := os.Getenv(a.TokenEnv); v != "" {
			a.Token = v
			return
		}
	}
	if v := os.Getenv(TokenEnvName(id)); v != "" {
		a.Token = v
	}
}

// tokenEnvFor names the env var the agent's token is expected in, for
// error messages.
func (a *AgentSpec) tokenEnvFor(id string) string {
	if a.TokenEnv != "" {
		return a.TokenEnv
	}
	return TokenEnvName(id)
}

// toSession converts the spec to a launchable agent config.
func (a AgentSpec) toSession(id string) session.AgentConfig {
	name := a.Name
	if name == "" {
		name = id
	}
	return session.AgentConfig{
		ID:         id,
		Name:       name,
		Platform:   a.Platform,
		Credential: a.Token,
		ChannelRef: a.Channel,
		Template:   a.Template,
		DigestCron: a.DigestCron,
	}
}

// Validate checks every enabled agent for launchability. Disabled agents
// are skipped so a half-written entry does not block startup.
func (c *Config) Validate() error {
	for id, spec := range c.Agents {
		if !spec.Enabled {
			continue
		}
		if !knownPlatforms[spec.Platform] {
			return fmt.Errorf("agent %s: unknown platform %q", id, spec.Platform)
		}
		if !command.ValidTemplate(spec.Template) {
			return fmt.Errorf("agent %s: unknown template %q", id, spec.Template)
		}
		if spec.Channel == "" {
			return fmt.Errorf("agent %s: channel is required", id)
		}
		if spec.Token == "" {
			return fmt.Errorf("agent %s: no bot token, set %s", id, spec.tokenEnvFor(id))
		}
		if spec.Template == command.TemplateAnalytics && spec.DigestCron != "" {
			if !gronx.New().IsValid(spec.DigestCron) {
				return fmt.Errorf("agent %s: invalid digest_cron %q", id, spec.DigestCron)
			}
		}
	}
	return nil
}
