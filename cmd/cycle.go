package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/cycle"
	"github.com/sells-group/mf-intel/internal/model"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run and inspect refresh cycles",
	Long:  "A refresh cycle fetches every source, normalizes, reconciles, and commits one new dataset version.",
}

var cycleRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one refresh cycle now",
	Long: `Run one refresh cycle and commit a new dataset version.

A source that stays unavailable after its retries is skipped and the cycle
commits from the others. Use --dry-run to reconcile without publishing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("cycle"); err != nil {
			return err
		}
		opts, dryRun, err := parseRunOpts(cmd)
		if err != nil {
			return err
		}

		env, err := openEnv(ctx, dryRun)
		if err != nil {
			return err
		}
		defer env.Close()

		if !dryRun {
			if err := env.migrate(ctx); err != nil {
				return eris.Wrap(err, "cycle run: migrate")
			}
		}

		runner, err := env.buildRunner(ctx)
		if err != nil {
			return err
		}

		rep, err := runner.Run(ctx, opts)
		if rep != nil {
			formatReport(os.Stdout, rep)
		}
		if err != nil {
			return eris.Wrap(err, "cycle run")
		}
		return nil
	},
}

var cycleScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run a refresh cycle every day",
	Long:  "Blocks and runs one cycle per day at schedule.hour in schedule.timezone, catching up on start if today's cycle has not committed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("cycle"); err != nil {
			return err
		}
		loc, err := time.LoadLocation(cfg.Schedule.Timezone)
		if err != nil {
			return eris.Wrapf(err, "cycle schedule: timezone %q", cfg.Schedule.Timezone)
		}

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.migrate(ctx); err != nil {
			return eris.Wrap(err, "cycle schedule: migrate")
		}
		runner, err := env.buildRunner(ctx)
		if err != nil {
			return err
		}

		s := &cycle.Scheduler{Runner: runner, Hour: cfg.Schedule.Hour, Location: loc}
		zap.L().Info("scheduler started",
			zap.Int("hour", cfg.Schedule.Hour),
			zap.String("timezone", loc.String()),
		)
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return eris.Wrap(err, "cycle schedule")
		}
		zap.L().Info("scheduler stopped")
		return nil
	},
}

var cycleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent refresh cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("read"); err != nil {
			return err
		}
		if cfg.Store.Driver != "postgres" {
			return eris.New("cycle status: the cycle log is kept in postgres only")
		}

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := env.recorder.List(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "cycle status")
		}
		if len(entries) == 0 {
			zap.L().Info("no cycles found, run 'cycle run' to start one")
			return nil
		}
		formatCycleEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	cycleRunCmd.Flags().String("sources", "", "comma-separated sources (permit_portal,vendor_submarket,warehouse_snapshot)")
	cycleRunCmd.Flags().String("from", "", "first quarter to ingest (e.g., 2024-Q1)")
	cycleRunCmd.Flags().String("to", "", "last quarter to ingest (e.g., 2024-Q4)")
	cycleRunCmd.Flags().Bool("dry-run", false, "reconcile without publishing a version")
	cycleStatusCmd.Flags().Int("limit", 20, "number of cycles to show")

	cycleCmd.AddCommand(cycleRunCmd, cycleScheduleCmd, cycleStatusCmd)
	rootCmd.AddCommand(cycleCmd)
}

// parseRunOpts extracts cycle.RunOpts from the cobra command flags.
func parseRunOpts(cmd *cobra.Command) (cycle.RunOpts, bool, error) {
	sourcesStr, _ := cmd.Flags().GetString("sources")
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	var opts cycle.RunOpts
	if sourcesStr != "" {
		for _, s := range strings.Split(sourcesStr, ",") {
			id, err := model.ParseSourceID(strings.TrimSpace(s))
			if err != nil {
				return cycle.RunOpts{}, false, err
			}
			opts.Sources = append(opts.Sources, id)
		}
	}

	if fromStr != "" {
		p, err := model.ParsePeriod(fromStr)
		if err != nil {
			return cycle.RunOpts{}, false, eris.Wrap(err, "--from")
		}
		opts.Range.From = p
	}
	if toStr != "" {
		p, err := model.ParsePeriod(toStr)
		if err != nil {
			return cycle.RunOpts{}, false, eris.Wrap(err, "--to")
		}
		opts.Range.To = p
	}
	if !opts.Range.From.IsZero() && !opts.Range.To.IsZero() && opts.Range.To.Before(opts.Range.From) {
		return cycle.RunOpts{}, false, eris.Errorf("--from %s is after --to %s", fromStr, toStr)
	}

	return opts, dryRun, nil
}

// formatReport writes a cycle summary and per-source table to out.
func formatReport(out io.Writer, rep *cycle.Report) {
	state := string(rep.State)
	if rep.State == cycle.StateCommitted && rep.Degraded() {
		state += " (degraded)"
	}
	_, _ = fmt.Fprintf(out, "Cycle %s: %s\n", rep.CycleID, state)
	if rep.Version != nil {
		_, _ = fmt.Fprintf(out, "Version %d (%d facts, checksum %s)\n", rep.Version.Number, rep.Version.FactCount, truncate(rep.Version.Checksum, 12))
	}
	_, _ = fmt.Fprintf(out, "Records %d, facts %d, conflicts %d\n", rep.Records, rep.Facts, rep.Conflicts)
	if rep.Err != nil {
		_, _ = fmt.Fprintf(out, "Error: %v\n", rep.Err)
	}

	ids := make([]string, 0, len(rep.Sources))
	for id := range rep.Sources {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATUS\tFETCHED\tNORMALIZED\tFILTERED\tMISMATCHES\tERROR")
	_, _ = fmt.Fprintln(w, "------\t------\t-------\t----------\t--------\t----------\t-----")
	for _, id := range ids {
		sr := rep.Sources[model.SourceID(id)]
		status := "ok"
		if sr.Unavailable {
			status = "unavailable"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			id, status, sr.Fetched, sr.Normalized, sr.Filtered, sr.SchemaMismatches, truncate(sr.Error, 60))
	}
	_ = w.Flush()
}

// formatCycleEntries writes a tabular representation of cycle log entries to out.
func formatCycleEntries(out io.Writer, entries []cycle.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CYCLE\tSTATE\tSTARTED\tDURATION\tVERSION\tFACTS\tCONFLICTS\tERROR")
	_, _ = fmt.Fprintln(w, "-----\t-----\t-------\t--------\t-------\t-----\t---------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		version := "-"
		if e.Version != nil {
			version = fmt.Sprintf("%d", *e.Version)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.CycleID,
			e.State,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			version,
			e.Facts,
			e.Conflicts,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
