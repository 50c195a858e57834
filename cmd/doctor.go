package cmd

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/internal/store/pg"
	"github.com/barkerhq/barker/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("barker doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.IsManaged() {
		fmt.Printf("    %-10s managed\n", "Mode:")
		db, dbErr := pg.OpenDB(cfg.Database.PostgresDSN)
		if dbErr != nil {
			fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else {
			defer db.Close()
			s := pg.CheckSchema(db)
			switch {
			case s.Dirty:
				fmt.Printf("    %-10s v%d (DIRTY, run: barker migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
			case s.Compatible:
				fmt.Printf("    %-10s v%d (up to date)\n", "Schema:", s.CurrentVersion)
			case s.CurrentVersion > s.RequiredVersion:
				fmt.Printf("    %-10s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
			default:
				fmt.Printf("    %-10s v%d (run: barker migrate up)\n", "Schema:", s.CurrentVersion)
			}
		}
	} else {
		path := config.ExpandHome(cfg.Database.Path)
		fmt.Printf("    %-10s standalone\n", "Mode:")
		fmt.Printf("    %-10s %s", "Path:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (will be created on first run)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("  Agents:")
	if len(cfg.Agents) == 0 {
		fmt.Println("    (none configured)")
	}
	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("    %-16s %s\n", id+":", describeAgent(id, cfg.Agents[id]))
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	if cfg.Gateway.Enabled {
		fmt.Printf("    %-10s %s\n", "Addr:", cfg.Gateway.Addr())
		fmt.Printf("    %-10s %s\n", "Token:", maskSecret(cfg.Gateway.Token))
	} else {
		fmt.Println("    disabled (set BARKER_GATEWAY_TOKEN to enable)")
	}
	if cfg.Tailscale.Hostname != "" {
		fmt.Printf("    %-10s %s\n", "Tailnet:", cfg.Tailscale.Hostname)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// describeAgent summarizes one agent's config health on a single line.
func describeAgent(id string, spec config.AgentSpec) string {
	if !spec.Enabled {
		return "disabled"
	}

	desc := fmt.Sprintf("%s/%s in %s", spec.Platform, spec.Template, spec.Channel)
	if spec.Channel == "" {
		desc = fmt.Sprintf("%s/%s, NO CHANNEL", spec.Platform, spec.Template)
	}

	if spec.Token == "" {
		envName := spec.TokenEnv
		if envName == "" {
			envName = config.TokenEnvName(id)
		}
		return desc + fmt.Sprintf(", token MISSING (set %s)", envName)
	}
	return desc + ", token " + maskSecret(spec.Token)
}

// maskSecret shows enough of a secret to recognize it without leaking it.
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) < 12 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
