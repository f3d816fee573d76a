package engine

import (
	"context"

	"github.com/roach88/receiptsync/internal/model"
)

// MessageStore reads and writes the local messages signals apply to.
// *store.Store implements it.
type MessageStore interface {
	FindMessagesBySentAt(ctx context.Context, sentAt int64) ([]*model.Message, error)
	FindMessageByLocator(ctx context.Context, loc model.AddressableMessage) (*model.Message, error)
	FindMessageByID(ctx context.Context, id string) (*model.Message, error)
	SaveMessages(ctx context.Context, msgs []*model.Message) error
	DeleteMessage(ctx context.Context, id string) error
	IsMessageDeleted(ctx context.Context, loc model.AddressableMessage) (bool, error)
	FindReactionByTarget(ctx context.Context, fromID, targetAuthorID string, targetTimestamp int64) (*model.Reaction, error)
}

// TaskStore is the durable sync task record. *store.Store implements it.
type TaskStore interface {
	SaveSyncTasks(ctx context.Context, tasks []model.SyncTask) ([]model.SaveResult, error)
	RemoveSyncTaskByID(ctx context.Context, id string) error
	RemoveSyncTasks(ctx context.Context, ids []string) error
	IncrementAllAttempts(ctx context.Context) (int64, error)
	IncrementAttempts(ctx context.Context, id string) error
	DequeueOldest(ctx context.Context, cursor int64, kinds []model.Kind, limit int) ([]model.SyncTask, int64, error)
	PruneProcessed(ctx context.Context, before int64) (int64, error)
}

// ConversationResolver maps a raw identity to a stable conversation id,
// creating the conversation if needed.
type ConversationResolver interface {
	LookupOrCreateConversation(ctx context.Context, id model.Identity) (model.Conversation, error)
}

// FeatureGate exposes the user settings and capabilities the reconciler
// consults.
type FeatureGate interface {
	ReadReceiptsEnabled() bool
	StoryViewReceiptsEnabled() bool
	AttachmentBackfillEnabled() bool
}

// Notifier is the fire-and-forget UI side channel.
type Notifier interface {
	ClearMessageNotification(messageID string)
	ClearReactionNotification(reactionID string)
	BackfillFailed(messageID, reason string)
	Toast(kind string)
}

// AttachmentFiles removes attachment data from disk. Deleting a missing
// file is not an error.
type AttachmentFiles interface {
	Delete(path string) error
}

// BackfillSender delivers a backfill request to the linked device.
type BackfillSender interface {
	SendBackfillRequest(ctx context.Context, req model.BackfillRequest) error
}

// DownloadQueue schedules an attachment download. slot is the attachment
// index, or -1 for the long-text body and -2 for the sticker. Enqueueing a
// download that is already queued replaces it.
type DownloadQueue interface {
	Enqueue(ctx context.Context, messageID string, slot int, att model.Attachment) error
}

// Download slots for attachments that are not part of Message.Attachments.
const (
	SlotBody    = -1
	SlotSticker = -2
)

// ProcessedSet is an optional fast-path dedupe index in front of the
// durable processed tombstones.
type ProcessedSet interface {
	Seen(ctx context.Context, dedupeKey string) (bool, error)
	Mark(ctx context.Context, dedupeKey string) error
}
