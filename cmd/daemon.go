package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/barkerhq/barker/internal/bus"
	"github.com/barkerhq/barker/internal/campaign"
	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/internal/gateway"
	"github.com/barkerhq/barker/internal/gateway/methods"
	httpapi "github.com/barkerhq/barker/internal/http"
	"github.com/barkerhq/barker/internal/platform"
	"github.com/barkerhq/barker/internal/platform/discord"
	platmem "github.com/barkerhq/barker/internal/platform/memory"
	"github.com/barkerhq/barker/internal/platform/telegram"
	"github.com/barkerhq/barker/internal/session"
	"github.com/barkerhq/barker/internal/store"
	"github.com/barkerhq/barker/internal/store/pg"
	"github.com/barkerhq/barker/internal/store/sqlite"
	"github.com/barkerhq/barker/internal/tracing"
	"github.com/barkerhq/barker/pkg/protocol"
)

func runDaemon() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Load config
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// First run: no config file yet. Docker and CI deploys set
	// BARKER_GATEWAY_TOKEN and skip the wizard; everyone else gets it.
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		if canAutoOnboard() {
			if runAutoOnboard(cfgPath) {
				cfg, _ = config.Load(cfgPath)
			} else {
				os.Exit(1)
			}
		} else {
			fmt.Println("No configuration found. Starting setup wizard...")
			fmt.Println()
			runOnboard()
			return
		}
	}

	if dryRun {
		applyDryRun(cfg)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		if strings.Contains(err.Error(), "no bot token") {
			// Tokens live in the environment, so a fresh shell is the
			// usual culprit.
			envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
			fmt.Println()
			fmt.Println("Bot tokens are read from the environment, never from config.json.")
			fmt.Println()
			fmt.Printf("  source %s && barker\n", envPath)
			fmt.Println()
			fmt.Println("Or re-run the setup wizard:  barker onboard")
		}
		os.Exit(1)
	}

	slog.Info("barker starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"config", cfgPath,
	)
	if dryRun {
		slog.Info("dry run, agents rehearse on the in-memory platform")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	msgBus := bus.New()
	campaigns := campaign.NewService(stores.Campaigns, campaign.NewResolver(), msgBus)

	// The memory platform is the in-process one used for rehearsals;
	// declaring an agent on it needs no credentials that leave the box.
	connectors := []platform.Connector{
		telegram.NewConnector(os.Getenv("BARKER_TELEGRAM_PROXY")),
		discord.NewConnector(),
		platmem.NewConnector(),
	}

	registry := session.NewRegistry(session.Config{
		Stores:     stores,
		Campaigns:  campaigns,
		Events:     msgBus,
		Connectors: connectors,
		Policy:     cfg.Launch.ToPolicy(),
	})

	// The gateway handlers and the config watcher both read the live
	// config through this lock, so reloads reach them without restarts.
	var cfgMu sync.RWMutex
	current := cfg
	agentsFn := func() []session.AgentConfig {
		cfgMu.RLock()
		defer cfgMu.RUnlock()
		return current.SessionAgents()
	}

	// Bring up the configured agents. Launches retry with backoff, so
	// this runs off the main path and the gateway serves immediately.
	go registry.Reconcile(ctx, cfg.SessionAgents())

	var server *gateway.Server
	if cfg.Gateway.Enabled {
		server = gateway.NewServer(cfg, msgBus, registry)
		server.SetAgentsHandler(httpapi.NewAgentsHandler(registry, campaigns, agentsFn, cfg.Gateway.Token))
		server.SetStatusHandler(httpapi.NewStatusHandler(registry, cfg.Gateway.Token, Version))
		methods.NewAgentMethods(registry, agentsFn).Register(server.Router())
		methods.NewCampaignMethods(campaigns).Register(server.Router())
	}

	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			if dryRun {
				applyDryRun(next)
			}
			cfgMu.Lock()
			current = next
			cfgMu.Unlock()
			registry.Reconcile(ctx, next.SessionAgents())
		})
		if err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	// Graceful shutdown: announce, stop every session (releasing the
	// credential claims), then let the server drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("graceful shutdown initiated", "signal", sig.String())
			if server != nil {
				server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := registry.StopAll(stopCtx); err != nil {
				slog.Warn("stop all agents", "error", err)
			}
			stopCancel()
			cancel()
		case <-ctx.Done():
		}
	}()

	if server == nil {
		slog.Info("gateway disabled, set BARKER_GATEWAY_TOKEN to enable the admin API")
		<-ctx.Done()
		return
	}

	tsCleanup := initTailscale(ctx, cfg, server)
	defer tsCleanup()
	if cfg.Tailscale.Hostname != "" {
		slog.Info("local gateway stays on loopback", "addr", cfg.Gateway.Addr())
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway server error", "error", err)
		os.Exit(1)
	}
}

// applyDryRun rewires every agent onto the in-memory platform so flows
// can be rehearsed without live credentials or real channels. Distinct
// placeholder tokens keep the credential guard out of the way.
func applyDryRun(cfg *config.Config) {
	for id, spec := range cfg.Agents {
		spec.Platform = "memory"
		if spec.Token == "" {
			spec.Token = "dry-run:" + id
		}
		cfg.Agents[id] = spec
	}
}

// openStores opens the configured store backend. Managed mode refuses
// to run against a schema the binary does not understand.
func openStores(cfg *config.Config) (*store.Stores, func() error, error) {
	if cfg.Database.IsManaged() {
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if st := pg.CheckSchema(db); !st.Compatible {
			fmt.Print(pg.FormatSchemaError(st))
			db.Close()
			return nil, nil, fmt.Errorf("schema version %d, binary requires %d", st.CurrentVersion, st.RequiredVersion)
		}
		slog.Info("database ready", "mode", "managed")
		return pg.NewStores(db), db.Close, nil
	}

	path := config.ExpandHome(cfg.Database.Path)
	st, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	slog.Info("database ready", "mode", "standalone", "path", path)
	return st.Stores(), st.Close, nil
}
