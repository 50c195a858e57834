package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/internal/store"
)

func campaignsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "campaigns <agent-id>",
		Short: "List an agent's campaigns, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCampaignsList(args[0], limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max campaigns to show")
	return cmd
}

func runCampaignsList(agentID string, limit int) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	list, err := stores.Campaigns.ListCampaigns(context.Background(), agentID, limit)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	if len(list) == 0 {
		fmt.Printf("No campaigns for agent %s.\n", agentID)
		return nil
	}

	rows := make([][]string, 0, len(list))
	for _, c := range list {
		rows = append(rows, []string{
			strconv.FormatInt(c.ID, 10),
			string(c.Kind),
			campaignState(c),
			campaignSubject(c),
			c.ClosesAt.Local().Format("2006-01-02 15:04"),
			campaignResult(c),
		})
	}

	fmt.Print(renderTable(
		[]string{"ID", "KIND", "STATE", "SUBJECT", "CLOSES", "RESULT"},
		rows,
	))
	return nil
}

func campaignState(c store.Campaign) string {
	if c.Closed {
		return "resolved"
	}
	if remaining := time.Until(c.ClosesAt); remaining > 0 {
		return "open (" + remaining.Round(time.Minute).String() + ")"
	}
	return "closing"
}

func campaignSubject(c store.Campaign) string {
	subject := c.Question
	if c.Kind == store.KindGiveaway {
		subject = c.Prize
	}
	return runewidth.Truncate(subject, 40, "...")
}

func campaignResult(c store.Campaign) string {
	if !c.Closed {
		return ""
	}
	switch c.Kind {
	case store.KindGiveaway:
		if c.WinnerName != "" {
			return "winner: " + c.WinnerName
		}
		return "no entries"
	case store.KindPoll:
		if len(c.Counts) == 0 {
			return "no votes"
		}
		parts := make([]string, len(c.Counts))
		for i, n := range c.Counts {
			parts[i] = strconv.Itoa(n)
		}
		return "votes: " + strings.Join(parts, "/")
	}
	return ""
}
