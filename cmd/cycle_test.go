package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mf-intel/internal/cycle"
	"github.com/sells-group/mf-intel/internal/model"
)

// newRunFlagsCmd creates a fresh cobra.Command with the same flags as
// cycleRunCmd, so tests don't share mutable flag state.
func newRunFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test-run"}
	cmd.Flags().String("sources", "", "")
	cmd.Flags().String("from", "", "")
	cmd.Flags().String("to", "", "")
	cmd.Flags().Bool("dry-run", false, "")
	return cmd
}

func TestParseRunOpts_Defaults(t *testing.T) {
	opts, dryRun, err := parseRunOpts(newRunFlagsCmd())
	require.NoError(t, err)
	assert.Nil(t, opts.Sources)
	assert.True(t, opts.Range.From.IsZero())
	assert.True(t, opts.Range.To.IsZero())
	assert.False(t, dryRun)
}

func TestParseRunOpts_AllFlags(t *testing.T) {
	cmd := newRunFlagsCmd()
	require.NoError(t, cmd.Flags().Set("sources", "permit_portal, warehouse_snapshot"))
	require.NoError(t, cmd.Flags().Set("from", "2024-q1"))
	require.NoError(t, cmd.Flags().Set("to", "2024-Q4"))
	require.NoError(t, cmd.Flags().Set("dry-run", "true"))

	opts, dryRun, err := parseRunOpts(cmd)
	require.NoError(t, err)
	assert.Equal(t, []model.SourceID{model.SourcePermitPortal, model.SourceWarehouseSnapshot}, opts.Sources)
	assert.Equal(t, "2024-Q1", opts.Range.From.Key())
	assert.Equal(t, "2024-Q4", opts.Range.To.Key())
	assert.True(t, dryRun)
}

func TestParseRunOpts_Invalid(t *testing.T) {
	tests := []struct {
		name, flag, value, want string
	}{
		{"unknown source", "sources", "permit_portal,costar", "unknown source"},
		{"bad from", "from", "2024-Q5", "--from"},
		{"bad to", "to", "Q3-2024", "--to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRunFlagsCmd()
			require.NoError(t, cmd.Flags().Set(tt.flag, tt.value))
			_, _, err := parseRunOpts(cmd)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRunOpts_InvertedRange(t *testing.T) {
	cmd := newRunFlagsCmd()
	require.NoError(t, cmd.Flags().Set("from", "2024-Q4"))
	require.NoError(t, cmd.Flags().Set("to", "2024-Q1"))

	_, _, err := parseRunOpts(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is after")
}

func TestFormatReport_Committed(t *testing.T) {
	rep := &cycle.Report{
		CycleID:   "cycle-1",
		State:     cycle.StateCommitted,
		Records:   40,
		Facts:     31,
		Conflicts: 2,
		Version:   &model.DatasetVersion{Number: 7, FactCount: 31, Checksum: "0123456789abcdef0123"},
		Sources: map[model.SourceID]*cycle.SourceReport{
			model.SourcePermitPortal:    {Fetched: 120, Normalized: 118, Filtered: 1, SchemaMismatches: 1},
			model.SourceVendorSubmarket: {Unavailable: true, Error: "source vendor_submarket unavailable: 503"},
		},
	}

	var buf bytes.Buffer
	formatReport(&buf, rep)
	out := buf.String()

	assert.Contains(t, out, "Cycle cycle-1: committed (degraded)")
	assert.Contains(t, out, "Version 7 (31 facts, checksum 012345678...)")
	assert.Contains(t, out, "conflicts 2")
	assert.Contains(t, out, "unavailable")
	assert.Less(t, strings.Index(out, "permit_portal"), strings.Index(out, "vendor_submarket"), "sources are sorted")
}

func TestFormatReport_Failed(t *testing.T) {
	rep := &cycle.Report{
		CycleID: "cycle-2",
		State:   cycle.StateFailed,
		Err:     errors.New("cycle: every source unavailable"),
		Sources: map[model.SourceID]*cycle.SourceReport{},
	}

	var buf bytes.Buffer
	formatReport(&buf, rep)
	assert.Contains(t, buf.String(), "Error: cycle: every source unavailable")
	assert.NotContains(t, buf.String(), "Version")
}

func TestFormatCycleEntries(t *testing.T) {
	started := time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)
	completed := started.Add(4 * time.Minute)
	version := int64(12)

	var buf bytes.Buffer
	formatCycleEntries(&buf, []cycle.Entry{
		{CycleID: "a", State: cycle.StateCommitted, StartedAt: started, CompletedAt: &completed, Version: &version, Facts: 31},
		{CycleID: "b", State: cycle.StateFetching, StartedAt: started},
		{CycleID: "c", State: cycle.StateFailed, StartedAt: started, Error: strings.Repeat("x", 100)},
	})
	out := buf.String()

	assert.Contains(t, out, "CYCLE")
	assert.Contains(t, out, "2025-01-15 06:00")
	assert.Contains(t, out, "4m0s")
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "fetching")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, strings.Repeat("x", 100))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly10!", truncate("exactly10!", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
