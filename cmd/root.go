package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworld/agentworld/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/agentworld/agentworld/cmd.Version=v1.0.0"
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "agentworld",
	Short: "Agent World — multi-agent conversation runtime",
	Long:  "Agent World runs persistent worlds of LLM-backed agents behind a WebSocket gateway: mention routing, tool execution with approval, skills, and replayable event streams.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(skillsCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentworld %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
