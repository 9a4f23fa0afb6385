package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vdibrokerd",
		Short: "VDI broker - virtual desktop lifecycle orchestration",
		Long: `vdibrokerd orchestrates the lifecycle of virtual desktop machines on
hypervisor back-ends.

Each managed machine is driven by a persisted operation queue (create,
start, suspend, stop, delete) that survives restarts, and machines that
can no longer be torn down inline are reclaimed in the background by the
deferred deletion reconciler.

Features:
  - Operation queue engine with resumable per-machine state
  - Deferred deletion with retry budgets and rate limiting
  - L1/L2 cache pre-provisioning for instant assignment
  - Proxmox VE back-end support
  - OPA-based deployment admission policies`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vdibroker.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}
