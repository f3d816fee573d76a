package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <signals.jsonl|->",
		Short: "Ingest a batch of signals and exit",
		Long: `Run the startup recovery sweep, ingest every record in the file, wait
for the engine to go idle, and report what happened.

Signals whose target message is not known yet stay pending in the
database; a later run or ingest applies them when the message arrives.
Outbound requests stay queued in the outbox for the next run.

Exit codes:
  0 - Every line was recorded (accepted, duplicate, rejected, or bad)
  1 - Ingestion stopped early; replay the file
  2 - Command error (bad config, database not found, etc.)

Examples:
  receiptsync ingest --db ./receiptsync.db signals.jsonl
  cat signals.jsonl | receiptsync ingest --format json -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runIngest(opts *RootOptions, input string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	in, err := openInput(input, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open input", err)
	}
	defer in.Close()

	rt, err := openRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.close()

	out := newFormatter(cmd, opts)
	report, err := rt.recover(ctx)
	if err != nil {
		return err
	}
	out.VerboseLog("%s", describeRecovery(report))

	sum, err := consume(ctx, rt.engine, in, rt.log)
	rt.engine.Wait()
	if err != nil {
		return WrapExitError(ExitFailure, "ingest stopped", err)
	}
	sum.Pending = rt.pendingOutbox(ctx)

	return out.Success(sum)
}
