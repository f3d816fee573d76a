package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/model"
)

// handler is the per-kind pair of steps a task goes through.
//
// locate runs outside any queue, concurrently with other tasks, and finds
// the target message. A nil message means the task is settled with the
// returned outcome once its turn comes.
//
// apply runs inside the target's conversation queue job with a freshly
// loaded message and mutates it.
type handler struct {
	locate func(ctx context.Context, task model.SyncTask) (*model.Message, Outcome)
	apply  func(ctx context.Context, msg *model.Message, task model.SyncTask) Outcome
}

// buildHandlers is the dispatch table. New checks that it covers
// model.AllKinds.
func (e *Engine) buildHandlers() map[model.Kind]handler {
	receipt := handler{
		locate: e.locateReceipt,
		apply: func(_ context.Context, msg *model.Message, task model.SyncTask) Outcome {
			return e.reconciler.ApplyReceipt(msg, task)
		},
	}
	return map[model.Kind]handler{
		model.KindDelivery: receipt,
		model.KindRead:     receipt,
		model.KindView:     receipt,
		model.KindReadSync: {
			locate: e.locateSync,
			apply: func(_ context.Context, msg *model.Message, task model.SyncTask) Outcome {
				return e.reconciler.ApplyReadSync(msg, task)
			},
		},
		model.KindViewSync: {
			locate: e.locateSync,
			apply: func(_ context.Context, msg *model.Message, task model.SyncTask) Outcome {
				return e.reconciler.ApplyViewSync(msg, task)
			},
		},
		model.KindDeleteForMe: {
			locate: e.locateDeleteForMe,
			apply:  e.applyDeleteForMe,
		},
		model.KindBackfillResponse: {
			locate: e.locateBackfillTarget,
			apply:  e.applyBackfillResponse,
		},
	}
}

func (e *Engine) locateReceipt(ctx context.Context, task model.SyncTask) (*model.Message, Outcome) {
	p, ok := task.Payload.(model.ReceiptSignal)
	if !ok {
		return nil, dropped("payload is not a receipt")
	}
	lookup := &receiptLookup{sentAt: p.MessageSentAt}
	if err := e.lookups.Add(ctx, lookup); err != nil {
		return nil, retry(fmt.Errorf("find messages sent at %d: %w", p.MessageSentAt, err))
	}
	msg := e.pickReceiptTarget(task, lookup.candidates, p.SourceConversationID)
	if msg != nil {
		return msg, Outcome{}
	}

	// Outgoing messages are authored by us, so a deleted one is only
	// recognisable when our own conversation id is known.
	if e.selfID != "" {
		deleted, err := e.deps.Messages.IsMessageDeleted(ctx, model.AddressableMessage{AuthorID: e.selfID, SentAt: p.MessageSentAt})
		if err != nil {
			return nil, retry(err)
		}
		if deleted {
			return nil, dropped("target deleted")
		}
	}
	return nil, awaiting("no outgoing message with that timestamp")
}

// locateSync finds the incoming message a read or view sync points at. If
// there is none, the timestamp may belong to a reaction we sent.
func (e *Engine) locateSync(ctx context.Context, task model.SyncTask) (*model.Message, Outcome) {
	var senderID string
	var ts int64
	switch p := task.Payload.(type) {
	case model.ReadSyncSignal:
		senderID, ts = p.SenderID, p.TargetTimestamp
	case model.ViewSyncSignal:
		senderID, ts = p.SenderID, p.TargetTimestamp
	default:
		return nil, dropped("payload is not a sync")
	}

	msg, err := e.deps.Messages.FindMessageByLocator(ctx, model.AddressableMessage{AuthorID: senderID, SentAt: ts})
	if err != nil {
		return nil, retry(err)
	}
	if msg != nil {
		return msg, Outcome{}
	}

	if e.selfID != "" {
		reaction, err := e.deps.Messages.FindReactionByTarget(ctx, e.selfID, senderID, ts)
		if err != nil {
			return nil, retry(err)
		}
		if reaction != nil {
			e.deps.Notifier.ClearReactionNotification(reaction.ID)
			return nil, dropped("satisfied by reaction")
		}
	}
	return nil, awaiting("no message from sender at that timestamp")
}

func (e *Engine) locateDeleteForMe(ctx context.Context, task model.SyncTask) (*model.Message, Outcome) {
	p, ok := task.Payload.(model.DeleteForMeSignal)
	if !ok {
		return nil, dropped("payload is not a delete-for-me")
	}

	msg, err := e.deps.Messages.FindMessageByLocator(ctx, p.Target)
	if err != nil {
		return nil, retry(err)
	}
	if msg != nil && msg.ConversationID == p.ConversationID {
		return msg, Outcome{}
	}

	deleted, err := e.deps.Messages.IsMessageDeleted(ctx, p.Target)
	if err != nil {
		return nil, retry(err)
	}
	if deleted {
		return nil, applied(false)
	}
	return nil, awaiting("no message at that locator")
}

func (e *Engine) applyDeleteForMe(ctx context.Context, msg *model.Message, task model.SyncTask) Outcome {
	p := task.Payload.(model.DeleteForMeSignal)
	if p.Attachment != nil {
		return e.reconciler.ApplyAttachmentDelete(msg, *p.Attachment)
	}

	if err := e.reconciler.DeleteFiles(msg); err != nil {
		return retry(err)
	}
	if err := e.deps.Messages.DeleteMessage(ctx, msg.ID); err != nil {
		return retry(err)
	}
	e.deps.Notifier.ClearMessageNotification(msg.ID)
	return applied(false)
}

func (e *Engine) locateBackfillTarget(ctx context.Context, task model.SyncTask) (*model.Message, Outcome) {
	p, ok := task.Payload.(model.BackfillResponse)
	if !ok {
		return nil, dropped("payload is not a backfill response")
	}
	msg, err := e.deps.Messages.FindMessageByLocator(ctx, p.Target)
	if err != nil {
		return nil, retry(err)
	}
	if msg == nil {
		return nil, dropped("backfill target not found")
	}
	return msg, Outcome{}
}

func (e *Engine) applyBackfillResponse(ctx context.Context, msg *model.Message, task model.SyncTask) Outcome {
	p := task.Payload.(model.BackfillResponse)
	out, res := e.backfill.HandleResponse(ctx, msg, p)
	if p.Error != "" && out.Disposition == Applied {
		e.logger.Info("backfill failed remotely",
			zap.Error(newTaskError(ErrCodeRemoteTerminal, task, errors.New(p.Error))))
	}
	if out.Disposition == Dropped {
		e.logger.Debug("ignoring backfill response",
			zap.Error(newTaskError(ErrCodeStaleResponse, task, nil)))
	}
	if res.Fulfilled {
		e.logger.Info("backfill fulfilled",
			zap.String("message_id", msg.ID),
			zap.Int("replaced", res.Replaced),
			zap.Int("terminal_errors", res.TerminalErrors))
	}
	return out
}
