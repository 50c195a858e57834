//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"

	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/internal/gateway"
)

// initTailscale is a no-op unless the binary is built with -tags tsnet.
func initTailscale(ctx context.Context, cfg *config.Config, srv *gateway.Server) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this binary was built without tsnet support",
			"hint", "rebuild with: go build -tags tsnet")
	}
	return func() {}
}
