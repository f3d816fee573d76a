package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/receiptsync/internal/engine"
)

// RecoverResult is the output of the recover command.
type RecoverResult struct {
	engine.RecoveryReport
	// Remaining is the number of tasks still waiting for their message.
	Remaining int `json:"remaining"`
}

func (r RecoverResult) String() string {
	return describeRecovery(r.RecoveryReport) + "\n" +
		pluralize(r.Remaining, "task") + " still pending"
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run the startup recovery sweep and report",
		Long: `Run the startup recovery sweep once without consuming any input.

Every pending task has its attempt counter bumped; tasks over the attempt
limit and tasks that no longer decode are dropped; processed tombstones
past retention are pruned. The rest are re-applied against the messages
already in the database.

Exit codes:
  0 - Sweep completed
  1 - Sweep failed
  2 - Command error (bad config, database not found, etc.)

Examples:
  receiptsync recover --db ./receiptsync.db
  receiptsync recover --config receiptsync.yml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
	return cmd
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := openRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.close()

	report, err := rt.recover(ctx)
	if err != nil {
		return err
	}
	remaining, err := rt.store.CountSyncTasks(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count tasks", err)
	}

	return newFormatter(cmd, opts).Success(RecoverResult{RecoveryReport: report, Remaining: remaining})
}
