package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnceDrainsInput(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "rs.db")
	signals := writeLines(t, dir, "s.jsonl", deliveryLine, messageLine, badLine)
	outbox := filepath.Join(dir, "outbox.jsonl")

	out, err := executeRoot(t, "--db", db, "--format", "json", "run", "--once", "--outbox", outbox, signals)
	require.NoError(t, err)

	var sum IngestSummary
	decodeData(t, out, &sum)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 1, sum.Messages)
	assert.Equal(t, 1, sum.BadLines)
	assert.Zero(t, sum.Pending)

	out, err = executeRoot(t, "--db", db, "--format", "json", "pending")
	require.NoError(t, err)
	var pending PendingResult
	decodeData(t, out, &pending)
	assert.Empty(t, pending.Tasks)

	_, err = os.Stat(outbox)
	require.NoError(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	signals := writeLines(t, dir, "s.jsonl", deliveryLine)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", filepath.Join(dir, "rs.db"), "run", "--outbox", filepath.Join(dir, "o.jsonl"), signals})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after context cancellation")
	}
	assert.Contains(t, out.String(), "1 accepted")
}

func TestRunServesMetrics(t *testing.T) {
	dir := t.TempDir()
	signals := writeLines(t, dir, "s.jsonl", deliveryLine)

	out, err := executeRoot(t, "--db", filepath.Join(dir, "rs.db"),
		"run", "--once", "--metrics-addr", "127.0.0.1:0", "--outbox", filepath.Join(dir, "o.jsonl"), signals)
	require.NoError(t, err)
	assert.Contains(t, out, "1 accepted")
}

func TestRunMissingInput(t *testing.T) {
	dir := t.TempDir()
	_, err := executeRoot(t, "--db", filepath.Join(dir, "rs.db"),
		"run", "--once", "--outbox", filepath.Join(dir, "o.jsonl"), "/nonexistent/s.jsonl")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunHelpText(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	assert.Contains(t, cmd.Long, "recovery sweep")
	assert.Contains(t, cmd.Long, "SIGTERM")
	assert.True(t, strings.HasPrefix(cmd.Use, "run"))
}
