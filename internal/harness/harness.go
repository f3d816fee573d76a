package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/engine"
	"github.com/roach88/receiptsync/internal/inbound"
	"github.com/roach88/receiptsync/internal/model"
	"github.com/roach88/receiptsync/internal/store"
	"github.com/roach88/receiptsync/internal/testutil"
)

// scenarioBatching keeps batch windows short so scenarios run fast.
// Ordering does not depend on it: the harness waits for the engine to go
// idle after every step.
func scenarioBatching() engine.BatchingConfig {
	b := engine.DefaultBatching()
	b.TaskSave.Wait = time.Millisecond
	b.ReceiptLookup.Wait = time.Millisecond
	b.MessageSave.Wait = time.Millisecond
	return b
}

// Harness runs one scenario against a real engine over an in-memory store.
// Every collaborator that would leave the process is a recording fake, and
// the wall clock only moves on advance steps.
type Harness struct {
	scenario  *Scenario
	store     *store.Store
	engine    *engine.Engine
	clock     *testutil.FakeClock
	ids       *testutil.SequenceGenerator
	gate      testutil.StaticGate
	notifier  *testutil.RecordingNotifier
	files     *testutil.RecordingFiles
	sender    *testutil.FakeBackfillSender
	downloads *testutil.FakeDownloadQueue
	logger    *zap.Logger
}

// Option configures a harness run.
type Option func(*Harness)

// WithLogger sets the logger handed to the engine. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Step and assertion
// failures are reported in the result; a non-nil error means the scenario
// could not be executed at all.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	now := scenario.Now
	if now == 0 {
		now = DefaultNow
	}

	h := &Harness{
		scenario:  scenario,
		store:     st,
		clock:     testutil.NewFakeClock(time.UnixMilli(now)),
		ids:       testutil.NewSequenceGenerator("task"),
		gate:      scenario.gate(),
		notifier:  testutil.NewRecordingNotifier(),
		files:     &testutil.RecordingFiles{},
		sender:    &testutil.FakeBackfillSender{},
		downloads: &testutil.FakeDownloadQueue{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	st.SetNow(h.clock.Now)

	ctx := context.Background()
	if err := h.start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if h.engine != nil {
			h.engine.Close()
		}
	}()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	if err := h.snapshot(ctx, result); err != nil {
		return nil, err
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// gate resolves the scenario's feature overrides. Unset flags are on.
func (s *Scenario) gate() testutil.StaticGate {
	g := testutil.AllEnabled()
	if s.Features == nil {
		return g
	}
	if f := s.Features.ReadReceipts; f != nil {
		g.ReadReceipts = *f
	}
	if f := s.Features.StoryViewReceipts; f != nil {
		g.StoryViewReceipts = *f
	}
	if f := s.Features.AttachmentBackfill; f != nil {
		g.AttachmentBackfill = *f
	}
	return g
}

// start builds an engine over the harness store and runs the recovery
// sweep.
func (h *Harness) start(ctx context.Context) error {
	eng, err := engine.New(engine.Deps{
		Messages:      h.store,
		Tasks:         h.store,
		Conversations: h.store,
		Gate:          h.gate,
		Notifier:      h.notifier,
		Files:         h.files,
		Backfill:      h.sender,
		Downloads:     h.downloads,
	},
		engine.WithLogger(h.logger),
		engine.WithClock(h.clock),
		engine.WithIDGenerator(h.ids),
		engine.WithBatching(scenarioBatching()),
		engine.WithSelfConversationID(h.scenario.Self),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	report, err := eng.Recover(ctx)
	if err != nil {
		eng.Close()
		return err
	}
	eng.Wait()
	h.engine = eng
	h.logger.Debug("engine started",
		zap.Int("loaded", report.Loaded),
		zap.Int("expired", report.Expired))
	return nil
}

// execute runs one step, records it in the trace, and checks its expect
// clause. Engine work started by the step has finished when it returns.
func (h *Harness) execute(ctx context.Context, n int, step Step, result *Result) error {
	kind, err := step.kind()
	if err != nil {
		return err
	}

	var ref, outcome string
	switch kind {
	case StepMessage:
		msg, err := decodeMessage(step.Message)
		if err != nil {
			return err
		}
		if err := h.engine.AddMessage(ctx, msg); err != nil {
			return err
		}
		ref, outcome = msg.ID, "saved"

	case StepSignal:
		ref, outcome, err = h.ingest(ctx, step.Signal)
		if err != nil {
			return err
		}

	case StepConversation:
		if err := h.store.SaveConversation(ctx, *step.Conversation); err != nil {
			return err
		}
		ref, outcome = step.Conversation.ID, "saved"

	case StepReaction:
		if err := h.store.SaveReaction(ctx, *step.Reaction); err != nil {
			return err
		}
		ref, outcome = step.Reaction.ID, "saved"

	case StepBackfill:
		err := h.engine.RequestBackfill(ctx, step.Backfill.MessageID, step.Backfill.Disposition)
		switch {
		case err == nil:
			outcome = "ok"
		case errors.Is(err, engine.ErrBackfillIneligible):
			outcome = "ineligible"
		default:
			h.logger.Debug("backfill request failed", zap.Error(err))
			outcome = "error"
		}
		ref = step.Backfill.MessageID

	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		ref, outcome = step.Advance, "advanced"

	case StepRestart:
		h.engine.Close()
		h.engine = nil
		if err := h.start(ctx); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
		outcome = "restarted"
	}

	h.engine.Wait()
	result.AddTrace(n, kind, ref, outcome)

	if step.Expect != "" && step.Expect != outcome {
		result.AddError(fmt.Sprintf("step %d (%s %s): expected %s, got %s", n, kind, ref, step.Expect, outcome))
	}
	return nil
}

// ingest feeds a signal through the inbound decoder, so scenario signals
// get the same validation as the wire feed. A line the decoder rejects is
// traced as rejected.
func (h *Harness) ingest(ctx context.Context, raw map[string]any) (ref, outcome string, err error) {
	ref, _ = raw["envelope_id"].(string)

	rec, err := decodeLine(raw)
	if err != nil {
		var lerr *inbound.LineError
		if errors.As(err, &lerr) {
			h.logger.Debug("signal rejected by decoder", zap.Error(err))
			return ref, engine.IngestRejected.String(), nil
		}
		return ref, "", err
	}
	if rec.Signal == nil {
		return ref, "", fmt.Errorf("signal step decoded as a message")
	}

	res, err := h.engine.Ingest(ctx, *rec.Signal)
	if err != nil {
		return ref, "", err
	}
	return ref, res.Status.String(), nil
}

func decodeMessage(raw map[string]any) (*model.Message, error) {
	rec, err := decodeLine(map[string]any{"message": raw})
	if err != nil {
		return nil, err
	}
	if rec.Message == nil {
		return nil, fmt.Errorf("message step decoded as a signal")
	}
	return rec.Message, nil
}

// decodeLine renders v as one JSON line and decodes it.
func decodeLine(v map[string]any) (inbound.Record, error) {
	line, err := json.Marshal(v)
	if err != nil {
		return inbound.Record{}, fmt.Errorf("encode step: %w", err)
	}
	d, err := inbound.NewDecoder(bytes.NewReader(line))
	if err != nil {
		return inbound.Record{}, err
	}
	return d.Next()
}

// snapshot copies the final state into the result.
func (h *Harness) snapshot(ctx context.Context, result *Result) error {
	msgs, err := h.store.ListMessages(ctx)
	if err != nil {
		return err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	result.Messages = msgs

	n, err := h.store.CountSyncTasks(ctx)
	if err != nil {
		return err
	}
	result.PendingTasks = n
	result.Notifications = h.notifier.Events()
	return nil
}
