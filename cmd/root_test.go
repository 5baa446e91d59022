package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func names(cmd *cobra.Command) map[string]bool {
	out := make(map[string]bool)
	for _, c := range cmd.Commands() {
		out[c.Name()] = true
	}
	return out
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	got := names(rootCmd)
	for _, name := range []string{"migrate", "cycle", "versions", "crosswalk", "serve"} {
		assert.True(t, got[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "mf-intel", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCycleCommand_HasSubcommands(t *testing.T) {
	got := names(cycleCmd)
	for _, name := range []string{"run", "schedule", "status"} {
		assert.True(t, got[name], "cycle should have subcommand %q", name)
	}
}

func TestVersionsCommand_HasSubcommands(t *testing.T) {
	got := names(versionsCmd)
	assert.True(t, got["list"])
	assert.True(t, got["show"])
}

func TestCycleRunCommand_Flags(t *testing.T) {
	for _, flagName := range []string{"sources", "from", "to", "dry-run"} {
		flag := cycleRunCmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "cycle run should have --%s flag", flagName)
	}
}

func TestCycleStatusCommand_Flags(t *testing.T) {
	flag := cycleStatusCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestVersionsShow_RequiresRef(t *testing.T) {
	require.NotNil(t, versionsShowCmd.Args)
	assert.Error(t, versionsShowCmd.Args(versionsShowCmd, nil))
	assert.NoError(t, versionsShowCmd.Args(versionsShowCmd, []string{"latest"}))
}
