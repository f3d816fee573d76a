package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/config"
	"github.com/roach88/receiptsync/internal/dedupe"
	"github.com/roach88/receiptsync/internal/engine"
	"github.com/roach88/receiptsync/internal/notify"
	"github.com/roach88/receiptsync/internal/outbox"
	"github.com/roach88/receiptsync/internal/store"
)

// loadConfig reads --config, or the defaults when none is given, and
// applies --db.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return nil, err
		}
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	return cfg, nil
}

// runtime is everything a command needs to drive the engine. Build it
// with openRuntime and release it with close.
type runtime struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *store.Store
	outbox *outbox.Repo
	redis  *dedupe.RedisSet
	engine *engine.Engine
}

// openRuntime opens the store and outbox, connects the optional processed
// set, and builds the engine. It does not run recovery.
func openRuntime(ctx context.Context, opts *RootOptions) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	log, err := cfg.NewLogger(opts.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build logger", err)
	}

	rt := &runtime{cfg: cfg, log: log}
	if err := rt.open(ctx); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open(ctx context.Context) error {
	rt.log.Debug("opening database", zap.String("path", rt.cfg.Database.Path))
	st, err := store.Open(rt.cfg.Database.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	rt.store = st

	rt.outbox, err = outbox.NewRepo(ctx, st.DB())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open outbox", err)
	}

	engineOpts := append(rt.cfg.EngineOptions(), engine.WithLogger(rt.log))

	if rt.cfg.Redis.Addr != "" {
		rt.redis, err = dedupe.New(dedupe.Settings{
			Addr:     rt.cfg.Redis.Addr,
			Password: rt.cfg.Redis.Password,
			Database: rt.cfg.Redis.Database,
			TTL:      rt.cfg.Redis.TTL,
			Prefix:   rt.cfg.Redis.Prefix,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to configure redis", err)
		}
		if err := rt.redis.Ping(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to reach redis", err)
		}
		engineOpts = append(engineOpts, engine.WithProcessedSet(rt.redis))
	}

	if self := rt.cfg.SelfIdentity(); !self.IsZero() {
		conv, err := st.LookupOrCreateConversation(ctx, self)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to resolve self conversation", err)
		}
		engineOpts = append(engineOpts, engine.WithSelfConversationID(conv.ID))
	}

	rt.engine, err = engine.New(engine.Deps{
		Messages:      st,
		Tasks:         st,
		Conversations: st,
		Gate:          rt.cfg.Features,
		Notifier:      notify.NewLogger(rt.log),
		Files:         store.NewFileStore(rt.cfg.Attachments.Root),
		Backfill:      rt.outbox,
		Downloads:     rt.outbox,
	}, engineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	return nil
}

// recover runs the startup sweep and waits for the re-dispatched tasks.
func (rt *runtime) recover(ctx context.Context) (engine.RecoveryReport, error) {
	report, err := rt.engine.Recover(ctx)
	if err != nil {
		return report, WrapExitError(ExitFailure, "recovery failed", err)
	}
	rt.engine.Wait()
	rt.log.Info("recovery complete",
		zap.Int64("incremented", report.Incremented),
		zap.Int64("pruned", report.Pruned),
		zap.Int("loaded", report.Loaded),
		zap.Int("expired", report.Expired),
		zap.Int("invalid", report.Invalid))
	return report, nil
}

// close shuts everything down in reverse order. Safe on a partly opened
// runtime.
func (rt *runtime) close() {
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.log.Warn("error closing redis", zap.Error(err))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.log.Error("error closing database", zap.Error(err))
		}
	}
	_ = rt.log.Sync()
}

// pendingOutbox logs how many outbound requests are still queued.
func (rt *runtime) pendingOutbox(ctx context.Context) int {
	n, err := rt.outbox.CountPending(ctx)
	if err != nil {
		rt.log.Warn("count outbox failed", zap.Error(err))
		return 0
	}
	return n
}

func describeRecovery(r engine.RecoveryReport) string {
	return fmt.Sprintf("Recovered %d task(s): %d expired, %d invalid, %d tombstone(s) pruned",
		r.Loaded, r.Expired, r.Invalid, r.Pruned)
}
