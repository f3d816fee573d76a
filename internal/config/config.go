// Package config loads receiptsync settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/roach88/receiptsync/internal/engine"
	"github.com/roach88/receiptsync/internal/model"
)

// Config is the full settings tree. Zero values are replaced with defaults
// by Load.
type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`

	Metrics struct {
		Addr string `yaml:"addr"` // "" disables the /metrics listener
	} `yaml:"metrics"`

	Batching struct {
		TaskSave      Batcher `yaml:"task_save"`
		ReceiptLookup Batcher `yaml:"receipt_lookup"`
		MessageSave   Batcher `yaml:"message_save"`
	} `yaml:"batching"`

	Backfill struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"backfill"`

	Features Features `yaml:"features"`

	Recovery struct {
		PageSize           int           `yaml:"page_size"`
		MaxAttempts        int           `yaml:"max_attempts"`
		TombstoneRetention time.Duration `yaml:"tombstone_retention"`
	} `yaml:"recovery"`

	Redis struct {
		Addr     string        `yaml:"addr"` // "" disables the redis processed set
		Password string        `yaml:"password"`
		Database int           `yaml:"database"`
		TTL      time.Duration `yaml:"ttl"`
		Prefix   string        `yaml:"prefix"`
	} `yaml:"redis"`

	Self struct {
		E164      string `yaml:"e164"`
		ServiceID string `yaml:"service_id"`
	} `yaml:"self"`

	Attachments struct {
		Root string `yaml:"root"`
	} `yaml:"attachments"`
}

// Batcher sizes one engine batcher.
type Batcher struct {
	Wait        time.Duration `yaml:"wait"`
	MaxSize     int           `yaml:"max_size"`
	Concurrency int           `yaml:"concurrency"`
}

// Features are the user settings the reconciler consults. Features
// implements engine.FeatureGate.
type Features struct {
	ReadReceipts       *bool `yaml:"read_receipts"`
	StoryViewReceipts  *bool `yaml:"story_view_receipts"`
	AttachmentBackfill *bool `yaml:"attachment_backfill"`
}

func (f Features) ReadReceiptsEnabled() bool       { return f.ReadReceipts != nil && *f.ReadReceipts }
func (f Features) StoryViewReceiptsEnabled() bool  { return f.StoryViewReceipts != nil && *f.StoryViewReceipts }
func (f Features) AttachmentBackfillEnabled() bool { return f.AttachmentBackfill != nil && *f.AttachmentBackfill }

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads comma-separated config files ("base.yml,local.yml"). Later
// files override earlier ones key by key.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. --config ./receiptsync.yml or base.yml,local.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("load config %s: %w", p, err)
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "./receiptsync.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	defaults := engine.DefaultBatching()
	fill := func(b *Batcher, d engine.BatcherOptions) {
		if b.Wait == 0 {
			b.Wait = d.Wait
		}
		if b.MaxSize <= 0 {
			b.MaxSize = d.MaxSize
		}
		if b.Concurrency <= 0 {
			b.Concurrency = d.Concurrency
		}
	}
	fill(&c.Batching.TaskSave, defaults.TaskSave)
	fill(&c.Batching.ReceiptLookup, defaults.ReceiptLookup)
	fill(&c.Batching.MessageSave, defaults.MessageSave)

	if c.Backfill.Timeout <= 0 {
		c.Backfill.Timeout = engine.DefaultBackfillTimeout
	}

	// Read receipts and backfill default on, story view receipts off.
	on, off := true, false
	if c.Features.ReadReceipts == nil {
		c.Features.ReadReceipts = &on
	}
	if c.Features.StoryViewReceipts == nil {
		c.Features.StoryViewReceipts = &off
	}
	if c.Features.AttachmentBackfill == nil {
		c.Features.AttachmentBackfill = &on
	}

	if c.Recovery.PageSize <= 0 {
		c.Recovery.PageSize = engine.DefaultRecoveryPageSize
	}
	if c.Recovery.MaxAttempts <= 0 {
		c.Recovery.MaxAttempts = engine.DefaultMaxAttempts
	}
	if c.Recovery.TombstoneRetention == 0 {
		c.Recovery.TombstoneRetention = engine.DefaultTombstoneRetention
	}

	if c.Redis.TTL <= 0 {
		c.Redis.TTL = c.Recovery.TombstoneRetention
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "receiptsync:processed:"
	}

	if c.Attachments.Root == "" {
		c.Attachments.Root = "./attachments"
	}
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Recovery.TombstoneRetention < 0 {
		return fmt.Errorf("config: recovery.tombstone_retention must not be negative")
	}
	return nil
}

// SelfIdentity returns our own identity, or the zero Identity if unset.
func (c *Config) SelfIdentity() model.Identity {
	return model.Identity{E164: c.Self.E164, ServiceID: c.Self.ServiceID}
}

// EngineBatching converts the batching section to engine options.
func (c *Config) EngineBatching() engine.BatchingConfig {
	b := engine.DefaultBatching()
	apply := func(dst *engine.BatcherOptions, src Batcher) {
		dst.Wait = src.Wait
		dst.MaxSize = src.MaxSize
		dst.Concurrency = src.Concurrency
	}
	apply(&b.TaskSave, c.Batching.TaskSave)
	apply(&b.ReceiptLookup, c.Batching.ReceiptLookup)
	apply(&b.MessageSave, c.Batching.MessageSave)
	return b
}

// EngineOptions returns the engine options this config implies. Logger,
// processed set, and self conversation are wired by the caller.
func (c *Config) EngineOptions() []engine.EngineOption {
	return []engine.EngineOption{
		engine.WithBatching(c.EngineBatching()),
		engine.WithBackfillTimeout(c.Backfill.Timeout),
		engine.WithMaxAttempts(c.Recovery.MaxAttempts),
		engine.WithRecoveryPageSize(c.Recovery.PageSize),
		engine.WithTombstoneRetention(c.Recovery.TombstoneRetention),
	}
}

// NewLogger builds a zap logger from the log section. verbose forces debug
// level.
func (c *Config) NewLogger(verbose bool) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
