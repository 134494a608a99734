// Package cli implements the fleetgate command line.
package cli

import (
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/fleetgate/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/fleetgate/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"   __ _           _              _\n" +
		"  / _| | ___  ___| |_ __ _  __ _| |_ ___\n" +
		" | |_| |/ _ \\/ _ \\ __/ _` |/ _` | __/ _ \\\n" +
		" |  _| |  __/  __/ || (_| | (_| | ||  __/\n" +
		" |_| |_|\\___|\\___|\\__\\__, |\\__,_|\\__\\___|\n" +
		"                     |___/\n"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "fleetgate",
		Short:         "fleetgate - one gateway for a fleet of agent runtimes",
		Long:          color.CyanString(logo) + "\nRoutes chat sessions to registered agent instances over HTTP, WebSocket and Kafka.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				setupLogging(logLevel)
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")

	root.AddCommand(
		newVersionCmd(),
		newStatusCmd(),
		newServeCmd(),
		newInstancesCmd(),
		newSessionsCmd(),
		newAuditCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig loads the configuration and applies its log level unless the
// --log-level flag already set one.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f == nil || !f.Changed {
		setupLogging(cfg.Logging.Level)
	}
	return cfg, nil
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
