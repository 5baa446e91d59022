package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mf-intel/internal/geo"
)

var crosswalkCmd = &cobra.Command{
	Use:   "crosswalk",
	Short: "Manage the submarket crosswalk",
	Long:  "The crosswalk maps parcel coordinates, zip codes and vendor names onto canonical submarket keys.",
}

var crosswalkLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Store the crosswalk in Postgres",
	Long: `Reads crosswalk.path (or the built-in Austin table) and, when set,
boundaries from crosswalk.shapefile, then upserts them into the
crosswalk tables so every process can use crosswalk.from_db.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("read"); err != nil {
			return err
		}
		if cfg.Store.Driver != "postgres" {
			return eris.New("crosswalk load: needs the postgres store driver")
		}

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.migrate(ctx); err != nil {
			return eris.Wrap(err, "crosswalk load: migrate")
		}
		cw, err := env.loadCrosswalk(ctx, false)
		if err != nil {
			return err
		}
		n, err := geo.NewStore(env.pool).Save(ctx, cw)
		if err != nil {
			return eris.Wrap(err, "crosswalk load")
		}

		fmt.Printf("Stored %d submarkets (%d rows)\n", len(cw.Submarkets()), n)
		return nil
	},
}

func init() {
	crosswalkCmd.AddCommand(crosswalkLoadCmd)
	rootCmd.AddCommand(crosswalkCmd)
}
