package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/model"
)

// Disposition is the outcome decision for a task after an attempted
// application.
type Disposition int

const (
	// Applied: the mutation happened; remove the task durably.
	Applied Disposition = iota + 1
	// Dropped: nothing to do; remove the task durably without mutating.
	Dropped
	// Retry: transient failure; keep the task and bump its attempts.
	Retry
	// AwaitingTarget: no local message yet; keep the task in the cache.
	AwaitingTarget
)

// String returns the metric label for d.
func (d Disposition) String() string {
	switch d {
	case Applied:
		return "applied"
	case Dropped:
		return "dropped"
	case Retry:
		return "retry"
	case AwaitingTarget:
		return "awaiting-target"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Terminal reports whether the task is finished with.
func (d Disposition) Terminal() bool {
	return d == Applied || d == Dropped
}

// Outcome is the result of applying one task.
type Outcome struct {
	Disposition Disposition
	// Reason explains a Dropped or AwaitingTarget outcome for logs.
	Reason string
	// Changed is set when the message was mutated and must be saved.
	Changed bool
	// Err is set for Retry.
	Err error
}

func applied(changed bool) Outcome {
	return Outcome{Disposition: Applied, Changed: changed}
}

func dropped(reason string) Outcome {
	return Outcome{Disposition: Dropped, Reason: reason}
}

func awaiting(reason string) Outcome {
	return Outcome{Disposition: AwaitingTarget, Reason: reason}
}

func retry(err error) Outcome {
	return Outcome{Disposition: Retry, Err: err}
}

// Reconciler computes the new state of a message for one signal and
// decides the task's disposition.
//
// Reconciler methods mutate msg in place and must run inside the message's
// conversation queue job. They never touch the task store.
type Reconciler struct {
	gate     FeatureGate
	files    AttachmentFiles
	notifier Notifier
	clock    Clock
	logger   *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(gate FeatureGate, files AttachmentFiles, notifier Notifier, clock Clock, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Reconciler{gate: gate, files: files, notifier: notifier, clock: clock, logger: logger}
}

// ApplyReceipt advances the send state of the receipt's source
// conversation on an outgoing message.
func (r *Reconciler) ApplyReceipt(msg *model.Message, task model.SyncTask) Outcome {
	p, ok := task.Payload.(model.ReceiptSignal)
	if !ok {
		return dropped("payload is not a receipt")
	}
	status, ok := model.StatusForReceipt(task.Kind)
	if !ok {
		return dropped("kind is not a receipt")
	}
	if !r.receiptEnabled(task.Kind, msg) {
		return dropped("receipts disabled")
	}

	state, ok := msg.SendStateByConversationID[p.SourceConversationID]
	if !ok {
		return dropped("no send state for source")
	}

	if status > model.StatusDelivered && state.Status < model.StatusDelivered {
		r.logger.Warn("receipt for undelivered message",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.String("message_id", msg.ID),
			zap.String("state", state.Status.String()))
		return dropped("receipt for undelivered message")
	}

	switch {
	case state.Status > status:
		return dropped("already beyond receipt")
	case state.Status == status:
		if p.ReceiptTimestamp <= state.UpdatedAt {
			return dropped("already satisfied")
		}
	default:
		state.Status = status
	}

	state.UpdatedAt = p.ReceiptTimestamp
	msg.SendStateByConversationID[p.SourceConversationID] = state
	if p.ReceiptTimestamp > msg.UpdatedAt {
		msg.UpdatedAt = p.ReceiptTimestamp
	}
	return applied(true)
}

func (r *Reconciler) receiptEnabled(kind model.Kind, msg *model.Message) bool {
	switch kind {
	case model.KindRead:
		return r.gate.ReadReceiptsEnabled()
	case model.KindView:
		if msg.Type == model.MessageStory {
			return r.gate.StoryViewReceiptsEnabled()
		}
		return r.gate.ReadReceiptsEnabled()
	default:
		return true
	}
}

// ApplyReadSync marks an incoming message read at min(observedAt, now), or
// pulls its expiration start earlier if it was already read.
func (r *Reconciler) ApplyReadSync(msg *model.Message, task model.SyncTask) Outcome {
	p, ok := task.Payload.(model.ReadSyncSignal)
	if !ok {
		return dropped("payload is not a read sync")
	}
	readAt := min(p.ObservedAt, nowMillis(r.clock))

	if msg.ReadStatus == model.ReadStatusUnread {
		msg.ReadStatus = model.ReadStatusRead
		msg.ReadAt = readAt
		tightenExpiration(msg, readAt)
		r.notifier.ClearMessageNotification(msg.ID)
		return applied(true)
	}
	if tightenExpiration(msg, readAt) {
		return applied(true)
	}
	return dropped("already read")
}

// ApplyViewSync marks an incoming message viewed. A view-once message is
// erased.
func (r *Reconciler) ApplyViewSync(msg *model.Message, task model.SyncTask) Outcome {
	p, ok := task.Payload.(model.ViewSyncSignal)
	if !ok {
		return dropped("payload is not a view sync")
	}
	viewedAt := min(p.ObservedAt, nowMillis(r.clock))

	if msg.ReadStatus == model.ReadStatusViewed {
		if tightenExpiration(msg, viewedAt) {
			return applied(true)
		}
		return dropped("already viewed")
	}

	if msg.ViewOnce && !msg.IsErased {
		if err := r.DeleteFiles(msg); err != nil {
			return retry(err)
		}
		msg.Attachments = nil
		msg.BodyAttachment = nil
		msg.Sticker = nil
		msg.IsErased = true
	}

	if msg.ReadStatus == model.ReadStatusUnread {
		msg.ReadAt = viewedAt
		r.notifier.ClearMessageNotification(msg.ID)
	}
	msg.ReadStatus = model.ReadStatusViewed
	msg.ViewedAt = viewedAt
	tightenExpiration(msg, viewedAt)
	return applied(true)
}

// tightenExpiration starts or pulls back the disappearing-message timer.
// It reports whether anything changed.
func tightenExpiration(msg *model.Message, at int64) bool {
	if msg.ExpireTimer <= 0 {
		return false
	}
	if msg.ExpirationStartTimestamp != 0 && msg.ExpirationStartTimestamp <= at {
		return false
	}
	msg.ExpirationStartTimestamp = at
	return true
}

// ApplyAttachmentDelete removes the one attachment loc identifies and its
// file. An attachment that is already gone is a success with no change.
func (r *Reconciler) ApplyAttachmentDelete(msg *model.Message, loc model.AttachmentLocator) Outcome {
	i := findAttachment(msg.Attachments, loc)
	if i < 0 {
		return applied(false)
	}

	if path := msg.Attachments[i].Path; path != "" {
		if err := r.files.Delete(path); err != nil {
			return retry(fmt.Errorf("delete attachment file: %w", err))
		}
	}
	msg.Attachments = append(msg.Attachments[:i], msg.Attachments[i+1:]...)
	return applied(true)
}

// findAttachment returns the index of the attachment loc points at, trying
// client uuid, then digest, then plaintext hash across the whole list.
func findAttachment(atts []model.Attachment, loc model.AttachmentLocator) int {
	matchers := []func(model.Attachment) bool{
		func(a model.Attachment) bool { return loc.ClientUUID != "" && a.ClientUUID == loc.ClientUUID },
		func(a model.Attachment) bool { return loc.Digest != "" && a.Digest == loc.Digest },
		func(a model.Attachment) bool { return loc.PlaintextHash != "" && a.PlaintextHash == loc.PlaintextHash },
	}
	for _, match := range matchers {
		for i, a := range atts {
			if match(a) {
				return i
			}
		}
	}
	return -1
}

// DeleteFiles removes every on-disk file referenced by msg.
func (r *Reconciler) DeleteFiles(msg *model.Message) error {
	var errs []error
	del := func(a *model.Attachment) {
		if a == nil || a.Path == "" {
			return
		}
		if err := r.files.Delete(a.Path); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", a.Path, err))
		}
	}
	for i := range msg.Attachments {
		del(&msg.Attachments[i])
	}
	del(msg.BodyAttachment)
	del(msg.Sticker)
	return errors.Join(errs...)
}
