package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/internal/store"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List configured agents and their last known state",
		RunE:  runAgentsList,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured agents and their last known state",
			RunE:  runAgentsList,
		},
		agentsSetEnabledCmd("enable", true),
		agentsSetEnabledCmd("disable", false),
	)
	return cmd
}

// agentsSetEnabledCmd flips an agent's enabled flag in config.json. A
// running daemon picks the change up through the config watcher, so
// disable stops the session and enable launches it without a restart.
func agentsSetEnabledCmd(verb string, enabled bool) *cobra.Command {
	short := "Enable an agent"
	if !enabled {
		short = "Disable an agent and stop its session"
	}
	return &cobra.Command{
		Use:   verb + " <agent-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			spec, ok := cfg.Agents[id]
			if !ok {
				return fmt.Errorf("unknown agent %q (see: barker agents)", id)
			}
			if spec.Enabled == enabled {
				fmt.Printf("Agent %s is already %sd.\n", id, verb)
				return nil
			}
			spec.Enabled = enabled
			cfg.Agents[id] = spec
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Agent %s %sd. A running daemon applies the change on config reload.\n", id, verb)
			return nil
		},
	}
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	records, err := stores.Agents.ListAgents(context.Background())
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	byID := make(map[string]store.AgentRecord, len(records))
	for _, rec := range records {
		byID[rec.AgentID] = rec
	}

	// Config decides what should exist; the store remembers what ran.
	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rows [][]string
	for _, id := range ids {
		spec := cfg.Agents[id]
		state, channelID := "never ran", ""
		if rec, ok := byID[id]; ok {
			state, channelID = rec.State, rec.ChannelID
			delete(byID, id)
		}
		enabled := "yes"
		if !spec.Enabled {
			enabled = "no"
		}
		rows = append(rows, []string{id, spec.Platform, spec.Template, spec.Channel, enabled, state, channelID})
	}

	// Agents that ran before but left the config.
	leftoverIDs := make([]string, 0, len(byID))
	for id := range byID {
		leftoverIDs = append(leftoverIDs, id)
	}
	sort.Strings(leftoverIDs)
	for _, id := range leftoverIDs {
		rec := byID[id]
		rows = append(rows, []string{id, rec.Platform, rec.Template, rec.ChannelRef, "removed", rec.State, rec.ChannelID})
	}

	if len(rows) == 0 {
		fmt.Println("No agents configured. Run: barker onboard")
		return nil
	}

	fmt.Print(renderTable(
		[]string{"AGENT", "PLATFORM", "TEMPLATE", "CHANNEL", "ENABLED", "STATE", "CHANNEL ID"},
		rows,
	))
	return nil
}

// renderTable pads with runewidth so CJK agent names and campaign
// questions line up.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			if i == len(cells)-1 {
				b.WriteString(cell)
				continue
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]))
		}
		b.WriteString("\n")
	}
	writeRow(headers)
	for _, row := range rows {
		writeRow(row)
	}
	return b.String()
}
