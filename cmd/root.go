package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "mf-intel",
	Short: "Austin multifamily market ingestion and reconciliation",
	Long:  "Pulls permit, vendor submarket and legacy warehouse data, reconciles it into one fact per submarket, quarter and metric, and publishes immutable numbered dataset versions.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
