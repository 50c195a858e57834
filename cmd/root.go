package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/barkerhq/barker/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/barkerhq/barker/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "barker",
	Short: "Barker keeps broadcast-channel bots alive",
	Long: "Barker runs automated bots in broadcast channels: polls, giveaways, Q&A and\n" +
		"analytics digests. It owns the whole session lifecycle: launching with retry\n" +
		"and backoff, guarding bot credentials against double use, routing commands,\n" +
		"and resolving scheduled campaigns even across restarts.",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $BARKER_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "run every agent on the in-memory platform (no live connections)")

	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(campaignsCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("barker %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("BARKER_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
