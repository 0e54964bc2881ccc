package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hotosm/tm-mirror/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tm-mirror",
	Short: "Incrementally mirror the Tasking Manager project catalog into object storage",
	Long: "Lists projects from the Tasking Manager API, fetches the ones that changed since the last run, " +
		"and publishes per-project documents, a merged GeoJSON collection, PMTiles and a summary index.",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	RunE: runMirror,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("tm-mirror failed", zap.Error(err))
		_ = zap.L().Sync()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
