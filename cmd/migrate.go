package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply dataset store schema migrations",
	Long:  "Applies all pending SQL migrations to the configured postgres or sqlite store in lexicographic order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
