package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/receiptsync/internal/model"
	"github.com/roach88/receiptsync/internal/store"
)

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	Kinds []string
	Limit int
}

// PendingResult lists durable tasks in recovery order.
type PendingResult struct {
	Tasks []model.SyncTask `json:"tasks"`
	Total int              `json:"total"`
}

func (r PendingResult) String() string {
	if len(r.Tasks) == 0 {
		return "No pending tasks."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s  %-28s  %-38s  %-20s  %8s\n", "SEQ", "KIND", "ID", "ENVELOPE", "ATTEMPTS")
	for _, t := range r.Tasks {
		fmt.Fprintf(&b, "%-6d  %-28s  %-38s  %-20s  %8d\n", t.Seq, t.Kind, t.ID, t.EnvelopeID, t.Attempts)
	}
	fmt.Fprintf(&b, "\n%s of %d shown", pluralize(len(r.Tasks), "task"), r.Total)
	return b.String()
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List signals still waiting for their message",
		Long: `List the durable sync tasks in the order the recovery sweep would
load them. Read-only: attempts are not bumped and nothing is applied.

Examples:
  receiptsync pending --db ./receiptsync.db
  receiptsync pending --db ./receiptsync.db --kind delivery --kind read
  receiptsync pending --db ./receiptsync.db --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "only show these kinds (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show at most this many tasks (0 for all)")

	return cmd
}

func runPending(opts *PendingOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	kinds, err := parseKinds(opts.Kinds)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --kind", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	out := newFormatter(cmd, opts.RootOptions)
	out.VerboseLog("opening database %s", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	result, err := listPending(ctx, st, kinds, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list tasks", err)
	}
	out.VerboseLog("%d task(s) pending", result.Total)
	return out.Success(result)
}

// listPending pages through the task table by seq, the same cursor the
// recovery sweep uses.
func listPending(ctx context.Context, st *store.Store, kinds []model.Kind, limit int) (PendingResult, error) {
	const pageSize = 500
	result := PendingResult{Tasks: []model.SyncTask{}}

	var cursor int64
	for {
		page, next, err := st.DequeueOldest(ctx, cursor, kinds, pageSize)
		if err != nil {
			return result, err
		}
		result.Total += len(page)
		for _, t := range page {
			if limit > 0 && len(result.Tasks) >= limit {
				break
			}
			result.Tasks = append(result.Tasks, t)
		}
		if len(page) < pageSize {
			return result, nil
		}
		cursor = next
	}
}

func parseKinds(names []string) ([]model.Kind, error) {
	if len(names) == 0 {
		return model.AllKinds(), nil
	}
	kinds := make([]model.Kind, 0, len(names))
	for _, n := range names {
		k := model.Kind(n)
		if !k.Valid() {
			return nil, fmt.Errorf("unknown kind %q", n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
