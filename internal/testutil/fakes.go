package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/receiptsync/internal/model"
)

// StaticGate is a feature gate with fixed answers.
type StaticGate struct {
	ReadReceipts       bool
	StoryViewReceipts  bool
	AttachmentBackfill bool
}

// AllEnabled returns a gate with every feature on.
func AllEnabled() StaticGate {
	return StaticGate{ReadReceipts: true, StoryViewReceipts: true, AttachmentBackfill: true}
}

func (g StaticGate) ReadReceiptsEnabled() bool       { return g.ReadReceipts }
func (g StaticGate) StoryViewReceiptsEnabled() bool  { return g.StoryViewReceipts }
func (g StaticGate) AttachmentBackfillEnabled() bool { return g.AttachmentBackfill }

// RecordingNotifier records every notification as a "kind:arg" string.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []string
}

// NewRecordingNotifier creates an empty recorder.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) record(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, fmt.Sprintf(format, args...))
}

func (n *RecordingNotifier) ClearMessageNotification(messageID string) {
	n.record("clear-message:%s", messageID)
}

func (n *RecordingNotifier) ClearReactionNotification(reactionID string) {
	n.record("clear-reaction:%s", reactionID)
}

func (n *RecordingNotifier) BackfillFailed(messageID, reason string) {
	n.record("backfill-failed:%s:%s", messageID, reason)
}

func (n *RecordingNotifier) Toast(kind string) {
	n.record("toast:%s", kind)
}

// Events returns a copy of everything recorded, in order.
func (n *RecordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// Count returns how many times event was recorded.
func (n *RecordingNotifier) Count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

// FakeBackfillSender records backfill requests. Set Err to fail sends.
type FakeBackfillSender struct {
	mu       sync.Mutex
	requests []model.BackfillRequest
	Err      error
}

func (s *FakeBackfillSender) SendBackfillRequest(_ context.Context, req model.BackfillRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.requests = append(s.requests, req)
	return nil
}

// Requests returns the requests sent so far.
func (s *FakeBackfillSender) Requests() []model.BackfillRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.BackfillRequest(nil), s.requests...)
}

// Download is one recorded FakeDownloadQueue.Enqueue call.
type Download struct {
	MessageID  string
	Slot       int
	Attachment model.Attachment
}

// FakeDownloadQueue records enqueued downloads.
type FakeDownloadQueue struct {
	mu        sync.Mutex
	downloads []Download
}

func (q *FakeDownloadQueue) Enqueue(_ context.Context, messageID string, slot int, att model.Attachment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.downloads = append(q.downloads, Download{MessageID: messageID, Slot: slot, Attachment: att})
	return nil
}

// Downloads returns the downloads enqueued so far.
func (q *FakeDownloadQueue) Downloads() []Download {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Download(nil), q.downloads...)
}

// RecordingFiles records deleted attachment paths. Paths in Fail return an
// error instead.
type RecordingFiles struct {
	mu      sync.Mutex
	deleted []string
	Fail    map[string]error
}

func (f *RecordingFiles) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail[path]; ok {
		return err
	}
	f.deleted = append(f.deleted, path)
	return nil
}

// Deleted returns the paths deleted so far.
func (f *RecordingFiles) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
