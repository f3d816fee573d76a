package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter string // scenario filter (glob pattern)
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files against the engine",
		Long: `Run YAML scenarios against a fresh in-memory engine each.

A scenario scripts arrivals of messages and signals, clock moves, backfill
requests, and restarts, then asserts on the trace and the final database.
Golden snapshots are checked by the Go test suite, not here.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  receiptsync test ./testdata/scenarios
  receiptsync test ./testdata/scenarios --filter "backfill_*"
  receiptsync test ./testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	out := newFormatter(cmd, opts.RootOptions)
	if len(files) == 0 {
		if out.JSON() {
			return out.Success(&harness.SuiteResult{})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	var hopts []harness.Option
	if opts.Verbose {
		log, err := zap.NewDevelopment()
		if err == nil {
			hopts = append(hopts, harness.WithLogger(log))
			defer func() { _ = log.Sync() }()
		}
	}

	result := harness.RunFiles(files, hopts...)

	if out.JSON() {
		if result.Failed > 0 {
			if err := out.Error("E_TEST_FAILED", fmt.Sprintf("%d scenario(s) failed", result.Failed), result); err != nil {
				return err
			}
			return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
		}
		return out.Success(result)
	}

	return outputTestText(cmd, files, result)
}

// findScenarioFiles finds all YAML scenario files under dir, sorted.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	sort.Strings(files)
	return files, err
}

// outputTestText prints one line per scenario and a summary.
func outputTestText(cmd *cobra.Command, files []string, result *harness.SuiteResult) error {
	w := cmd.OutOrStdout()

	failed := make(map[string]harness.ScenarioFailure, len(result.Failures))
	for _, f := range result.Failures {
		failed[f.Path] = f
	}
	for _, path := range files {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		f, ok := failed[path]
		if !ok {
			fmt.Fprintf(w, "✓ %s\n", name)
			continue
		}
		if f.Scenario != "" {
			name = f.Scenario
		}
		fmt.Fprintf(w, "✗ %s\n", name)
		fmt.Fprintf(w, "  %s\n", f.Error)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
