package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/internal/platform"
	"github.com/barkerhq/barker/internal/platform/discord"
	platmem "github.com/barkerhq/barker/internal/platform/memory"
	"github.com/barkerhq/barker/internal/platform/telegram"
)

// verifyAgentTokens probes each agent's credential against its platform
// and checks the bot can reach its channel. Failures are reported but
// never abort setup; the owner may be writing down a token that goes
// live later.
func verifyAgentTokens(cfg *config.Config, tokens map[string]string) {
	connectors := map[string]platform.Connector{
		"telegram": telegram.NewConnector(os.Getenv("BARKER_TELEGRAM_PROXY")),
		"discord":  discord.NewConnector(),
		"memory":   platmem.NewConnector(),
	}

	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		spec := cfg.Agents[id]
		connector, ok := connectors[spec.Platform]
		token := tokens[id]
		if !ok || token == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := connector.Connect(ctx, token)
		if err != nil {
			cancel()
			if errors.Is(err, platform.ErrUnauthorized) {
				fmt.Printf("    %s: FAILED (credential rejected, check %s)\n", id, config.TokenEnvName(id))
			} else {
				fmt.Printf("    %s: WARNING (%v)\n", id, err)
			}
			continue
		}

		channelID, chanErr := conn.VerifyChannel(ctx, spec.Channel)
		conn.Disconnect(ctx)
		cancel()

		if chanErr != nil {
			fmt.Printf("    %s: token OK (bot %s), but channel %s is unreachable: %v\n",
				id, conn.BotName(), spec.Channel, chanErr)
			continue
		}
		fmt.Printf("    %s: OK (bot %s, channel %s)\n", id, conn.BotName(), channelID)
	}
}
