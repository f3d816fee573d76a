package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/receiptsync/internal/model"
	"github.com/roach88/receiptsync/internal/store"
	"github.com/roach88/receiptsync/internal/testutil"
)

const selfID = "conv-self"

var testEpoch = time.UnixMilli(1_700_000_000_000)

// testEngine bundles an Engine with its real store and recording fakes.
type testEngine struct {
	*Engine
	store     *store.Store
	clock     *testutil.FakeClock
	notifier  *testutil.RecordingNotifier
	files     *testutil.RecordingFiles
	sender    *testutil.FakeBackfillSender
	downloads *testutil.FakeDownloadQueue
}

// setupTestStore creates a temp-dir store.
func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fastBatching keeps test latency low without disabling batching.
func fastBatching() BatchingConfig {
	b := DefaultBatching()
	b.TaskSave.Wait = time.Millisecond
	b.ReceiptLookup.Wait = time.Millisecond
	b.MessageSave.Wait = time.Millisecond
	return b
}

func newTestEngine(t *testing.T, gate testutil.StaticGate, opts ...EngineOption) *testEngine {
	t.Helper()
	return newTestEngineWithStore(t, setupTestStore(t), gate, opts...)
}

func newTestEngineWithStore(t *testing.T, s *store.Store, gate testutil.StaticGate, opts ...EngineOption) *testEngine {
	t.Helper()
	te := &testEngine{
		store:     s,
		clock:     testutil.NewFakeClock(testEpoch),
		notifier:  testutil.NewRecordingNotifier(),
		files:     &testutil.RecordingFiles{},
		sender:    &testutil.FakeBackfillSender{},
		downloads: &testutil.FakeDownloadQueue{},
	}
	base := []EngineOption{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(te.clock),
		WithIDGenerator(testutil.NewSequenceGenerator("task")),
		WithBatching(fastBatching()),
		WithSelfConversationID(selfID),
	}
	e, err := New(Deps{
		Messages:      s,
		Tasks:         s,
		Conversations: s,
		Gate:          gate,
		Notifier:      te.notifier,
		Files:         te.files,
		Backfill:      te.sender,
		Downloads:     te.downloads,
	}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	te.Engine = e
	return te
}

// ingest feeds a signal and waits for background processing.
func (te *testEngine) ingest(t *testing.T, sig model.Signal) IngestResult {
	t.Helper()
	res, err := te.Ingest(context.Background(), sig)
	require.NoError(t, err)
	te.Wait()
	return res
}

func (te *testEngine) addMessage(t *testing.T, msg *model.Message) {
	t.Helper()
	require.NoError(t, te.AddMessage(context.Background(), msg))
	te.Wait()
}

func (te *testEngine) message(t *testing.T, id string) *model.Message {
	t.Helper()
	msg, err := te.store.FindMessageByID(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func (te *testEngine) pendingTasks(t *testing.T) int {
	t.Helper()
	n, err := te.store.CountSyncTasks(context.Background())
	require.NoError(t, err)
	return n
}

func outgoing(id, conv string, sentAt int64, states map[string]model.SendStatus) *model.Message {
	m := &model.Message{
		ID:                        id,
		ConversationID:            conv,
		Type:                      model.MessageOutgoing,
		AuthorID:                  selfID,
		SentAt:                    sentAt,
		SendStateByConversationID: make(map[string]model.SendState),
	}
	for c, s := range states {
		m.SendStateByConversationID[c] = model.SendState{Status: s, UpdatedAt: sentAt}
	}
	return m
}

func incoming(id, conv, author string, sentAt int64) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: conv,
		Type:           model.MessageIncoming,
		AuthorID:       author,
		SentAt:         sentAt,
	}
}

func receipt(kind model.Kind, envelopeID string, sentAt int64, source string, at int64) model.Signal {
	return model.Signal{
		Kind:       kind,
		EnvelopeID: envelopeID,
		SentAt:     at,
		Payload: model.ReceiptSignal{
			MessageSentAt:        sentAt,
			ReceiptTimestamp:     at,
			SourceConversationID: source,
			SourceDeviceID:       1,
		},
	}
}

func readSync(envelopeID, sender string, target, observed int64) model.Signal {
	return model.Signal{
		Kind:       model.KindReadSync,
		EnvelopeID: envelopeID,
		SentAt:     observed,
		Payload:    model.ReadSyncSignal{SenderID: sender, TargetTimestamp: target, ObservedAt: observed},
	}
}

func viewSync(envelopeID, sender string, target, observed int64) model.Signal {
	return model.Signal{
		Kind:       model.KindViewSync,
		EnvelopeID: envelopeID,
		SentAt:     observed,
		Payload:    model.ViewSyncSignal{SenderID: sender, TargetTimestamp: target, ObservedAt: observed},
	}
}

func deleteForMe(envelopeID, conv, author string, sentAt int64, att *model.AttachmentLocator) model.Signal {
	return model.Signal{
		Kind:       model.KindDeleteForMe,
		EnvelopeID: envelopeID,
		SentAt:     sentAt,
		Payload: model.DeleteForMeSignal{
			ConversationID: conv,
			Target:         model.AddressableMessage{AuthorID: author, SentAt: sentAt},
			Attachment:     att,
		},
	}
}

func backfillResponse(envelopeID string, target *model.Message, resp model.BackfillResponse) model.Signal {
	resp.Target = target.Locator()
	return model.Signal{
		Kind:       model.KindBackfillResponse,
		EnvelopeID: envelopeID,
		SentAt:     target.SentAt,
		Payload:    resp,
	}
}
