package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/model"
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Inspect published dataset versions",
}

var versionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dataset versions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("read"); err != nil {
			return err
		}
		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.writer.List(ctx)
		if err != nil {
			return eris.Wrap(err, "versions list")
		}
		if len(list) == 0 {
			zap.L().Info("no versions committed, run 'cycle run' to publish one")
			return nil
		}
		formatVersions(os.Stdout, list)
		return nil
	},
}

var versionsShowCmd = &cobra.Command{
	Use:   "show <number|latest>",
	Short: "Show the facts in one dataset version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("read"); err != nil {
			return err
		}
		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		v, err := env.writer.Read(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "versions show")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		formatFacts(os.Stdout, v)
		return nil
	},
}

func init() {
	versionsShowCmd.Flags().Bool("json", false, "print the version as JSON")
	versionsCmd.AddCommand(versionsListCmd, versionsShowCmd)
	rootCmd.AddCommand(versionsCmd)
}

// formatVersions writes a tabular list of version summaries to out.
func formatVersions(out io.Writer, list []model.DatasetVersion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tCOMMITTED\tFACTS\tCYCLE\tCHECKSUM")
	_, _ = fmt.Fprintln(w, "-------\t---------\t-----\t-----\t--------")
	for _, v := range list {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			v.Number,
			v.CommittedAt.UTC().Format("2006-01-02 15:04:05"),
			v.FactCount,
			v.CycleID,
			truncate(v.Checksum, 15),
		)
	}
	_ = w.Flush()
}

// formatFacts writes a version header and one row per fact to out.
func formatFacts(out io.Writer, v *model.DatasetVersion) {
	_, _ = fmt.Fprintf(out, "Version %d committed %s by cycle %s (%d facts)\n",
		v.Number, v.CommittedAt.UTC().Format("2006-01-02 15:04:05"), v.CycleID, v.FactCount)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "GEOGRAPHY\tPERIOD\tMETRIC\tVALUE\tSOURCE\tCONFIDENCE\tCONFLICT")
	_, _ = fmt.Fprintln(w, "---------\t------\t------\t-----\t------\t----------\t--------")
	for _, f := range v.Facts {
		conflict := ""
		if f.Conflict != nil {
			conflict = fmt.Sprintf("%.1f%% > %.1f%%", f.Conflict.MaxDeviation*100, f.Conflict.Tolerance*100)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.Key.GeographyKey,
			f.Key.Period,
			f.Key.Metric,
			f.Value.String(),
			f.WinningSource,
			f.Confidence,
			conflict,
		)
	}
	_ = w.Flush()
}
