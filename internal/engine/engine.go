package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/metrics"
	"github.com/roach88/receiptsync/internal/model"
)

// Defaults for the recovery sweep and task lifetime.
const (
	DefaultMaxAttempts        = 5
	DefaultRecoveryPageSize   = 100
	DefaultTombstoneRetention = 7 * 24 * time.Hour
)

// Deps are the collaborators the engine needs. All are required.
type Deps struct {
	Messages      MessageStore
	Tasks         TaskStore
	Conversations ConversationResolver
	Gate          FeatureGate
	Notifier      Notifier
	Files         AttachmentFiles
	Backfill      BackfillSender
	Downloads     DownloadQueue
}

func (d Deps) validate() error {
	switch {
	case d.Messages == nil:
		return errors.New("engine: Deps.Messages is required")
	case d.Tasks == nil:
		return errors.New("engine: Deps.Tasks is required")
	case d.Conversations == nil:
		return errors.New("engine: Deps.Conversations is required")
	case d.Gate == nil:
		return errors.New("engine: Deps.Gate is required")
	case d.Notifier == nil:
		return errors.New("engine: Deps.Notifier is required")
	case d.Files == nil:
		return errors.New("engine: Deps.Files is required")
	case d.Backfill == nil:
		return errors.New("engine: Deps.Backfill is required")
	case d.Downloads == nil:
		return errors.New("engine: Deps.Downloads is required")
	}
	return nil
}

// BatchingConfig sizes the three write/lookup batchers.
type BatchingConfig struct {
	TaskSave      BatcherOptions
	ReceiptLookup BatcherOptions
	MessageSave   BatcherOptions
}

// DefaultBatching returns the batcher settings used when WithBatching is
// not given.
func DefaultBatching() BatchingConfig {
	return BatchingConfig{
		TaskSave:      BatcherOptions{Name: "task_save", Wait: DefaultBatchWait, MaxSize: DefaultBatchMaxSize, Concurrency: 5},
		ReceiptLookup: BatcherOptions{Name: "receipt_lookup", Wait: DefaultBatchWait, MaxSize: DefaultBatchMaxSize, Concurrency: 10},
		MessageSave:   BatcherOptions{Name: "message_save", Wait: DefaultBatchWait, MaxSize: DefaultBatchMaxSize, Concurrency: 5},
	}
}

// Engine correlates inbound sync signals with local messages and applies
// each one exactly once.
//
// Thread-safety model:
//   - Ingest, AddMessage, RequestBackfill, Recover: safe from any goroutine
//   - message mutations run only inside conversation queue jobs
//   - dispatched tasks reach their conversation queue in dispatch order
//   - a task is processed by at most one goroutine at a time (cache claim)
type Engine struct {
	deps   Deps
	logger *zap.Logger
	clock  Clock
	ids    IDGenerator

	processed          ProcessedSet
	batching           BatchingConfig
	backfillTimeout    time.Duration
	maxAttempts        int
	recoveryPageSize   int
	selfID             string
	tombstoneRetention time.Duration

	queue      *JobQueue
	order      *sequencer
	cache      *CorrelationCache
	reconciler *Reconciler
	backfill   *BackfillController
	handlers   map[model.Kind]handler

	taskSaver    *Batcher[*pendingSave]
	lookups      *Batcher[*receiptLookup]
	messageSaver *Batcher[*model.Message]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the wall clock used for read timestamps and the backfill
// timer. Default: SystemClock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the task id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithProcessedSet puts a fast dedupe index in front of the store's
// processed tombstones.
func WithProcessedSet(p ProcessedSet) EngineOption {
	return func(e *Engine) { e.processed = p }
}

// WithBatching overrides batcher sizing.
func WithBatching(b BatchingConfig) EngineOption {
	return func(e *Engine) { e.batching = b }
}

// WithBackfillTimeout sets how long a backfill request may stay
// outstanding. Default: 10s.
func WithBackfillTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.backfillTimeout = d }
}

// WithMaxAttempts sets how many startups a task survives before the
// recovery sweep gives up on it. Default: 5.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithRecoveryPageSize sets how many tasks the recovery sweep reads per
// query. Default: 100.
func WithRecoveryPageSize(n int) EngineOption {
	return func(e *Engine) { e.recoveryPageSize = n }
}

// WithSelfConversationID sets our own conversation id, used to recognise
// reactions we sent when a read or view sync has no message.
func WithSelfConversationID(id string) EngineOption {
	return func(e *Engine) { e.selfID = id }
}

// WithTombstoneRetention sets how long processed-signal tombstones are kept.
// Zero keeps them forever. Default: 7 days.
func WithTombstoneRetention(d time.Duration) EngineOption {
	return func(e *Engine) { e.tombstoneRetention = d }
}

// New creates an Engine. Call Recover once before ingesting, and Close on
// shutdown.
func New(deps Deps, opts ...EngineOption) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		deps:               deps,
		logger:             zap.NewNop(),
		clock:              SystemClock{},
		ids:                UUIDv7Generator{},
		batching:           DefaultBatching(),
		backfillTimeout:    DefaultBackfillTimeout,
		maxAttempts:        DefaultMaxAttempts,
		recoveryPageSize:   DefaultRecoveryPageSize,
		tombstoneRetention: DefaultTombstoneRetention,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.queue = NewJobQueue(e.logger)
	e.order = newSequencer()
	e.cache = NewCorrelationCache(deps.Tasks)
	e.reconciler = NewReconciler(deps.Gate, deps.Files, deps.Notifier, e.clock, e.logger)
	e.backfill = NewBackfillController(deps.Gate, deps.Backfill, deps.Downloads, deps.Notifier, e.clock, e.backfillTimeout, e.logger)
	e.backfill.expire = e.expireBackfill

	e.taskSaver = NewBatcher(e.batching.TaskSave, e.saveTasks, e.logger)
	e.lookups = NewBatcher(e.batching.ReceiptLookup, e.lookupReceipts, e.logger)
	e.messageSaver = NewBatcher(e.batching.MessageSave, e.deps.Messages.SaveMessages, e.logger)

	e.handlers = e.buildHandlers()
	for _, k := range model.AllKinds() {
		if _, ok := e.handlers[k]; !ok {
			return nil, fmt.Errorf("engine: no handler registered for kind %s", k)
		}
	}
	return e, nil
}

// Cache exposes the correlation cache for inspection.
func (e *Engine) Cache() *CorrelationCache {
	return e.cache
}

// Backfill exposes the backfill controller for inspection.
func (e *Engine) Backfill() *BackfillController {
	return e.backfill
}

// Wait blocks until every dispatched task has been processed or parked and
// the job queues are idle, including backfill timeout jobs already fired.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.queue.Wait()
}

// Close stops backfill timers, waits for in-flight work, and flushes the
// batchers.
func (e *Engine) Close() {
	e.backfill.Close()
	e.wg.Wait()
	e.queue.Close()
	e.taskSaver.Close()
	e.lookups.Close()
	e.messageSaver.Close()
	e.cancel()
}

// dispatch processes a task in the background. The ticket is taken here,
// on the caller's goroutine, so it follows arrival order.
func (e *Engine) dispatch(task model.SyncTask) {
	ticket := e.order.take()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if !e.cache.Claim(task.ID) {
			e.order.release(ticket)
			return
		}
		e.process(e.ctx, task, ticket)
	}()
}

// dispatchClaimed is dispatch for a task the caller already holds.
func (e *Engine) dispatchClaimed(task model.SyncTask) {
	ticket := e.order.take()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.process(e.ctx, task, ticket)
	}()
}

// process locates the task's target and applies it, looping while a
// matching message arrived during an unsuccessful lookup. A retry counts as
// a new arrival.
func (e *Engine) process(ctx context.Context, task model.SyncTask, ticket uint64) {
	for e.processOnce(ctx, task, ticket) {
		e.logger.Debug("target arrived during lookup, retrying",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)))
		ticket = e.order.take()
	}
}

// processOnce releases ticket and returns true if the caller still holds
// the claim and must try again.
//
// The lookup runs concurrently with other tasks. The hand-off to the
// conversation queue waits for every earlier ticket, so a task whose lookup
// finishes first never overtakes one that arrived before it.
func (e *Engine) processOnce(ctx context.Context, task model.SyncTask, ticket uint64) bool {
	h := e.handlers[task.Kind]
	target, out := h.locate(ctx, task)

	e.order.await(ticket)
	if target == nil {
		e.order.release(ticket)
		return e.settle(ctx, task, out)
	}

	var rescan bool
	done := e.queue.Enqueue(ConversationKey(target.ConversationID), string(task.Kind), e.job(ctx, task, target.ID, &rescan))
	e.order.release(ticket)

	select {
	case err := <-done:
		if errors.Is(err, ErrQueueClosed) {
			e.cache.Release(task.ID)
			return false
		}
		return rescan
	case <-ctx.Done():
		// The job still runs in its turn and settles the task.
		return false
	}
}

// job returns the queue job that applies task to the message with the given
// id and settles it. *rescan is valid once the job has run.
func (e *Engine) job(ctx context.Context, task model.SyncTask, messageID string, rescan *bool) func() error {
	return func() error {
		out := e.applyTo(ctx, task, messageID)
		*rescan = e.settle(ctx, task, out)
		return out.Err
	}
}

// applyTo reloads the target inside the queue so the mutation sees every
// earlier job's effect, applies, and saves.
func (e *Engine) applyTo(ctx context.Context, task model.SyncTask, messageID string) Outcome {
	msg, err := e.deps.Messages.FindMessageByID(ctx, messageID)
	if err != nil {
		return retry(fmt.Errorf("load target %s: %w", messageID, err))
	}
	if msg == nil {
		if task.Kind == model.KindDeleteForMe {
			return applied(false)
		}
		return dropped("target deleted")
	}

	out := e.handlers[task.Kind].apply(ctx, msg, task)
	if out.Changed {
		if err := e.messageSaver.Add(ctx, msg); err != nil {
			return retry(fmt.Errorf("save message %s: %w", msg.ID, err))
		}
	}
	return out
}

// settle records the disposition. It returns true when the task must be
// located again because its target appeared while it was claimed.
func (e *Engine) settle(ctx context.Context, task model.SyncTask, out Outcome) bool {
	metrics.Dispositions.WithLabelValues(string(task.Kind), out.Disposition.String()).Inc()

	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("envelope_id", task.EnvelopeID),
		zap.Stringer("disposition", out.Disposition),
	}
	if out.Reason != "" {
		fields = append(fields, zap.String("reason", out.Reason))
	}

	switch out.Disposition {
	case Applied, Dropped:
		if err := e.cache.Complete(ctx, task.ID); err != nil {
			return e.settle(ctx, task, retry(err))
		}
		if e.processed != nil {
			if err := e.processed.Mark(ctx, task.DedupeKey); err != nil {
				e.logger.Warn("mark processed", append(fields, zap.Error(err))...)
			}
		}
		e.logger.Debug("task settled", fields...)
		return false

	case Retry:
		terr := newTaskError(ErrCodeTransientIO, task, out.Err)
		e.logger.Warn("task will be retried", append(fields, zap.Error(terr))...)
		if err := e.deps.Tasks.IncrementAttempts(ctx, task.ID); err != nil {
			e.logger.Error("increment attempts", append(fields, zap.Error(err))...)
		}
		e.cache.Release(task.ID)
		return false

	default:
		e.logger.Debug("task awaiting target", fields...)
		return e.cache.Reclaim(task.ID)
	}
}

// AddMessage saves a newly arrived message and applies every cached task
// that was waiting for it, in seq order.
func (e *Engine) AddMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("add message: %w: id and conversation_id are required", model.ErrInvalidPayload)
	}
	if err := e.messageSaver.Add(ctx, msg.Clone()); err != nil {
		return fmt.Errorf("add message %s: %w", msg.ID, err)
	}

	tasks := e.cache.ResolveEarly(msg)
	if len(tasks) == 0 {
		return nil
	}
	e.logger.Debug("resolving early signals",
		zap.String("message_id", msg.ID),
		zap.Int("tasks", len(tasks)))

	type running struct {
		task   model.SyncTask
		done   <-chan error
		rescan *bool
	}
	key := ConversationKey(msg.ConversationID)
	jobs := make([]running, len(tasks))
	for i, t := range tasks {
		r := new(bool)
		jobs[i] = running{task: t, rescan: r, done: e.queue.Enqueue(key, string(t.Kind), e.job(e.ctx, t, msg.ID, r))}
	}

	for _, j := range jobs {
		select {
		case err := <-j.done:
			switch {
			case errors.Is(err, ErrQueueClosed):
				e.cache.Release(j.task.ID)
			case *j.rescan:
				e.dispatchClaimed(j.task)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RequestBackfill asks a linked device to re-upload the attachments of a
// message. It returns ErrBackfillIneligible when the message cannot be
// backfilled; its attachments are then marked permanently undownloadable.
func (e *Engine) RequestBackfill(ctx context.Context, messageID string, disposition model.AttachmentDisposition) error {
	msg, err := e.deps.Messages.FindMessageByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("request backfill %s: %w", messageID, err)
	}
	if msg == nil {
		return fmt.Errorf("request backfill %s: message not found", messageID)
	}

	var (
		req    *model.BackfillRequest
		reqErr error
	)
	err = e.queue.Do(ctx, ConversationKey(msg.ConversationID), "backfill-request", func() error {
		cur, err := e.deps.Messages.FindMessageByID(ctx, messageID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("message %s deleted", messageID)
		}
		r, changed, rerr := e.backfill.Request(cur, disposition)
		if changed {
			if err := e.messageSaver.Add(ctx, cur); err != nil {
				if r != nil {
					e.backfill.Abort(messageID)
				}
				return err
			}
		}
		req, reqErr = r, rerr
		return nil
	})
	if err != nil {
		return fmt.Errorf("request backfill %s: %w", messageID, err)
	}
	if reqErr != nil || req == nil {
		return reqErr
	}

	err = e.queue.Do(ctx, MessageKey(messageID), "backfill-send", func() error {
		return e.backfill.Send(ctx, *req)
	})
	if err != nil {
		if e.backfill.Abort(messageID) {
			e.queue.Enqueue(ConversationKey(msg.ConversationID), "backfill-abort", func() error {
				return e.clearBackfillPending(e.ctx, messageID)
			})
		}
		return &TaskError{Code: ErrCodeTransientIO, Kind: model.KindBackfillResponse, Err: err}
	}
	return nil
}

// expireBackfill runs when a backfill request times out.
func (e *Engine) expireBackfill(messageID, conversationID string) {
	e.queue.Enqueue(ConversationKey(conversationID), "backfill-timeout", func() error {
		err := e.clearBackfillPending(e.ctx, messageID)
		e.deps.Notifier.BackfillFailed(messageID, BackfillReasonTimeout)
		return err
	})
}

func (e *Engine) clearBackfillPending(ctx context.Context, messageID string) error {
	msg, err := e.deps.Messages.FindMessageByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("clear backfill pending %s: %w", messageID, err)
	}
	if msg == nil || !e.backfill.ApplyTimeout(msg) {
		return nil
	}
	if err := e.messageSaver.Add(ctx, msg); err != nil {
		return fmt.Errorf("clear backfill pending %s: %w", messageID, err)
	}
	return nil
}

// pendingSave carries one task through the task-save batcher.
type pendingSave struct {
	task   model.SyncTask
	result model.SaveResult
}

func (e *Engine) saveTasks(ctx context.Context, items []*pendingSave) error {
	tasks := make([]model.SyncTask, len(items))
	for i, it := range items {
		tasks[i] = it.task
	}
	results, err := e.deps.Tasks.SaveSyncTasks(ctx, tasks)
	if err != nil {
		return err
	}
	if len(results) != len(items) {
		return fmt.Errorf("save sync tasks: got %d results for %d tasks", len(results), len(items))
	}
	for i, it := range items {
		it.result = results[i]
	}
	return nil
}

// receiptLookup carries one receipt's target query through the lookup
// batcher.
type receiptLookup struct {
	sentAt     int64
	candidates []*model.Message
}

// lookupReceipts issues one FindMessagesBySentAt per distinct timestamp in
// the batch.
func (e *Engine) lookupReceipts(ctx context.Context, items []*receiptLookup) error {
	bySentAt := make(map[int64][]*receiptLookup)
	for _, it := range items {
		bySentAt[it.sentAt] = append(bySentAt[it.sentAt], it)
	}
	for sentAt, group := range bySentAt {
		msgs, err := e.deps.Messages.FindMessagesBySentAt(ctx, sentAt)
		if err != nil {
			return err
		}
		for _, it := range group {
			it.candidates = msgs
		}
	}
	return nil
}

// pickReceiptTarget keeps outgoing messages and stories whose send state
// has an entry for source. Several matches are legitimate for story
// fan-out; the lowest message id wins.
func (e *Engine) pickReceiptTarget(task model.SyncTask, candidates []*model.Message, source string) *model.Message {
	var matches []*model.Message
	for _, m := range candidates {
		if m.Type == model.MessageIncoming {
			continue
		}
		if _, ok := m.SendStateByConversationID[source]; ok {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	if len(matches) > 1 {
		sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
		e.logger.Warn("receipt matches several messages, using lowest id",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Int("candidates", len(matches)),
			zap.String("message_id", matches[0].ID))
	}
	return matches[0]
}
