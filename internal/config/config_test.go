package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receiptsync/internal/engine"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(writeConfig(t, "empty.yml", "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "./receiptsync.db", c.Database.Path)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, engine.DefaultBackfillTimeout, c.Backfill.Timeout)
	assert.Equal(t, engine.DefaultMaxAttempts, c.Recovery.MaxAttempts)
	assert.Equal(t, engine.DefaultRecoveryPageSize, c.Recovery.PageSize)
	assert.Equal(t, engine.DefaultTombstoneRetention, c.Redis.TTL)

	assert.True(t, c.Features.ReadReceiptsEnabled())
	assert.False(t, c.Features.StoryViewReceiptsEnabled())
	assert.True(t, c.Features.AttachmentBackfillEnabled())

	assert.Equal(t, engine.DefaultBatching(), c.EngineBatching())
}

func TestLoad_LaterFilesOverride(t *testing.T) {
	base := writeConfig(t, "base.yml", `
database:
  path: /var/lib/receiptsync/base.db
features:
  read_receipts: false
batching:
  task_save:
    wait: 5ms
    max_size: 10
`)
	local := writeConfig(t, "local.yml", `
database:
  path: /tmp/local.db
backfill:
  timeout: 30s
self:
  e164: "+15550001111"
`)

	c, err := Load(base + ", " + local)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/local.db", c.Database.Path)
	assert.False(t, c.Features.ReadReceiptsEnabled(), "kept from base")
	assert.Equal(t, 30*time.Second, c.Backfill.Timeout)
	assert.Equal(t, "+15550001111", c.SelfIdentity().E164)

	b := c.EngineBatching()
	assert.Equal(t, 5*time.Millisecond, b.TaskSave.Wait)
	assert.Equal(t, 10, b.TaskSave.MaxSize)
	assert.Equal(t, engine.DefaultBatching().TaskSave.Concurrency, b.TaskSave.Concurrency)
	assert.Equal(t, "task_save", b.TaskSave.Name)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("  ")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "bad.yml", "database: [unclosed\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "level.yml", "log:\n  level: loud\n"))
	assert.ErrorContains(t, err, "log.level")
}

func TestDefault_Logger(t *testing.T) {
	c := Default()
	logger, err := c.NewLogger(true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1), "verbose enables debug")

	logger, err = c.NewLogger(false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
}

func TestEngineOptions(t *testing.T) {
	assert.Len(t, Default().EngineOptions(), 5)
}
