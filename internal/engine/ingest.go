package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/metrics"
	"github.com/roach88/receiptsync/internal/model"
)

// IngestStatus tells the transport what happened to a signal.
type IngestStatus int

const (
	// IngestAccepted: the signal is durably recorded. Acknowledge it.
	IngestAccepted IngestStatus = iota + 1
	// IngestDuplicate: the signal was seen before. Acknowledge it.
	IngestDuplicate
	// IngestRejected: the signal is malformed and will never apply.
	// Acknowledge it.
	IngestRejected
)

// String returns the lowercase status name.
func (s IngestStatus) String() string {
	switch s {
	case IngestAccepted:
		return "accepted"
	case IngestDuplicate:
		return "duplicate"
	case IngestRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IngestResult is the acknowledgment for one signal.
type IngestResult struct {
	TaskID string
	Kind   model.Kind
	Status IngestStatus
	// Reason is set for IngestRejected.
	Reason string
}

// Ingest durably records a signal and schedules it for processing.
//
// A nil error means the transport may advance its cursor past the signal,
// whatever the Status. A non-nil error means nothing was recorded and the
// signal must be redelivered.
func (e *Engine) Ingest(ctx context.Context, sig model.Signal) (IngestResult, error) {
	payload, err := e.resolve(ctx, sig)
	if err != nil {
		return IngestResult{Kind: sig.Kind}, &TaskError{Code: ErrCodeTransientIO, Kind: sig.Kind, Err: err}
	}

	task := model.SyncTask{
		ID:         e.ids.Generate(),
		Kind:       sig.Kind,
		EnvelopeID: sig.EnvelopeID,
		Payload:    payload,
		CreatedAt:  nowMillis(e.clock),
		SentAt:     sig.SentAt,
	}
	res := IngestResult{TaskID: task.ID, Kind: task.Kind}

	if err := task.Validate(); err != nil {
		metrics.SignalsRejected.WithLabelValues(string(sig.Kind)).Inc()
		e.logger.Info("rejecting signal",
			zap.String("envelope_id", sig.EnvelopeID),
			zap.Error(newTaskError(ErrCodeInvalidPayload, task, err)))
		res.Status = IngestRejected
		res.Reason = err.Error()
		return res, nil
	}

	task.DedupeKey, err = model.DedupeKey(task.Kind, task.EnvelopeID, task.Payload)
	if err != nil {
		res.Status = IngestRejected
		res.Reason = err.Error()
		return res, nil
	}

	if e.seen(ctx, task) {
		metrics.SignalsDuplicate.WithLabelValues(string(task.Kind)).Inc()
		res.Status = IngestDuplicate
		return res, nil
	}

	save := &pendingSave{task: task}
	if err := e.taskSaver.Add(ctx, save); err != nil {
		return res, newTaskError(ErrCodeTransientIO, task, err)
	}
	if save.result.Duplicate {
		metrics.SignalsDuplicate.WithLabelValues(string(task.Kind)).Inc()
		e.logger.Debug("duplicate signal",
			zap.String("envelope_id", task.EnvelopeID),
			zap.String("kind", string(task.Kind)))
		res.Status = IngestDuplicate
		return res, nil
	}

	task.Seq = save.result.Seq
	e.cache.Put(task)
	metrics.SignalsIngested.WithLabelValues(string(task.Kind)).Inc()
	e.dispatch(task)

	res.Status = IngestAccepted
	return res, nil
}

// seen consults the optional processed set. Errors fall through to the
// store's own dedupe.
func (e *Engine) seen(ctx context.Context, task model.SyncTask) bool {
	if e.processed == nil {
		return false
	}
	ok, err := e.processed.Seen(ctx, task.DedupeKey)
	if err != nil {
		e.logger.Warn("processed set lookup failed",
			zap.String("kind", string(task.Kind)),
			zap.Error(err))
		return false
	}
	return ok
}

// resolve turns the raw identities of a signal into conversation ids and
// returns the payload to persist. Correlation keys are always internal ids.
func (e *Engine) resolve(ctx context.Context, sig model.Signal) (model.Payload, error) {
	lookup := func(id model.Identity) (string, error) {
		if id.IsZero() {
			return "", nil
		}
		conv, err := e.deps.Conversations.LookupOrCreateConversation(ctx, id)
		if err != nil {
			return "", fmt.Errorf("resolve identity: %w", err)
		}
		return conv.ID, nil
	}

	switch p := sig.Payload.(type) {
	case model.ReceiptSignal:
		if p.SourceConversationID == "" {
			id, err := lookup(sig.Source)
			if err != nil {
				return nil, err
			}
			p.SourceConversationID = id
		}
		return p, nil

	case model.ReadSyncSignal:
		if p.SenderID == "" {
			id, err := lookup(firstIdentity(p.SenderIdentity, sig.Sender))
			if err != nil {
				return nil, err
			}
			p.SenderID = id
		}
		return p, nil

	case model.ViewSyncSignal:
		if p.SenderID == "" {
			id, err := lookup(firstIdentity(p.SenderIdentity, sig.Sender))
			if err != nil {
				return nil, err
			}
			p.SenderID = id
		}
		return p, nil

	case model.DeleteForMeSignal:
		if p.ConversationID == "" {
			id, err := lookup(sig.Conversation)
			if err != nil {
				return nil, err
			}
			p.ConversationID = id
		}
		if p.Target.AuthorID == "" {
			id, err := lookup(sig.TargetAuthor)
			if err != nil {
				return nil, err
			}
			p.Target.AuthorID = id
		}
		return p, nil

	case model.BackfillResponse:
		if p.Target.AuthorID == "" {
			id, err := lookup(sig.TargetAuthor)
			if err != nil {
				return nil, err
			}
			p.Target.AuthorID = id
		}
		return p, nil

	default:
		return sig.Payload, nil
	}
}

func firstIdentity(ids ...model.Identity) model.Identity {
	for _, id := range ids {
		if !id.IsZero() {
			return id
		}
	}
	return model.Identity{}
}
