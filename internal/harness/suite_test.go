package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDir_AllPass(t *testing.T) {
	result, err := RunDir(scenarioDir)
	require.NoError(t, err)
	assert.Equal(t, result.Total, result.Passed, "failures: %+v", result.Failures)
	assert.Zero(t, result.Failed)
}

func TestRunDir_CollectsFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_broken.yaml"), []byte("name: [\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_failing.yaml"), []byte(`
name: failing
description: expects a task that is not there
steps:
  - restart: true
assertions:
  - type: pending_tasks
    count: 3
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c_passing.yaml"), []byte(`
name: passing
description: nothing happens
steps:
  - advance: 1s
assertions:
  - type: pending_tasks
    count: 0
`), 0644))

	result, err := RunDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Failures, 2)
	assert.Contains(t, result.Failures[0].Error, "failed to load scenario")
	assert.Equal(t, "failing", result.Failures[1].Scenario)
	assert.Contains(t, result.Failures[1].Error, "assertions failed")
}

func TestRunDir_Empty(t *testing.T) {
	_, err := RunDir(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenario files")
}
