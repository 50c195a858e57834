//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/internal/gateway"
)

// initTailscale joins the tailnet and serves the gateway there, next to
// the loopback listener. The returned cleanup leaves the tailnet.
func initTailscale(ctx context.Context, cfg *config.Config, srv *gateway.Server) func() {
	if cfg.Tailscale.Hostname == "" {
		return func() {}
	}

	stateDir := config.ExpandHome(cfg.Tailscale.StateDir)
	if stateDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		stateDir = filepath.Join(base, "tsnet-barker")
	}

	ts := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       stateDir,
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
		Logf:      func(string, ...any) {}, // tsnet logs are noisy
	}

	var ln net.Listener
	var err error
	if cfg.Tailscale.EnableTLS {
		ln, err = ts.ListenTLS("tcp", ":443")
	} else {
		ln, err = ts.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "error", err)
		ts.Close()
		return func() {}
	}

	slog.Info("gateway joined tailnet",
		"hostname", cfg.Tailscale.Hostname,
		"tls", cfg.Tailscale.EnableTLS,
		"ephemeral", cfg.Tailscale.Ephemeral,
	)

	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			slog.Warn("tailnet serve stopped", "error", err)
		}
	}()

	return func() { ts.Close() }
}
