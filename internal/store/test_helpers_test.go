package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/receiptsync/internal/model"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestTask creates a delivery receipt task with a valid dedupe key.
func createTestTask(id, envelopeID string, sentAt int64) model.SyncTask {
	payload := model.ReceiptSignal{
		MessageSentAt:        sentAt,
		ReceiptTimestamp:     sentAt + 100,
		SourceConversationID: "conv-c1",
		SourceDeviceID:       1,
	}
	return model.SyncTask{
		ID:         id,
		Kind:       model.KindDelivery,
		EnvelopeID: envelopeID,
		DedupeKey:  model.MustDedupeKey(model.KindDelivery, envelopeID, payload),
		Payload:    payload,
		CreatedAt:  sentAt + 200,
		SentAt:     sentAt + 150,
	}
}
