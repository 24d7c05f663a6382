package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	cfg               *config.Config
	telemetryShutdown telemetry.Shutdown
)

var rootCmd = &cobra.Command{
	Use:   "callcoach",
	Short: "Per-caller personalization pipeline for a recurring voice agent",
	Long:  "Analyzes completed calls against compiled analysis specs, maintains caller personality, memories and goals, and composes the next call's system prompt.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry, version)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		telemetryShutdown = shutdown

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if telemetryShutdown != nil {
			if err := telemetryShutdown(context.Background()); err != nil {
				zap.L().Warn("telemetry: shutdown failed", zap.Error(err))
			}
		}
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
