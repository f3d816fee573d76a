package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/metrics"
	"github.com/roach88/receiptsync/internal/model"
)

// DefaultBackfillTimeout is how long a backfill request waits for the
// linked device before giving up.
const DefaultBackfillTimeout = 10 * time.Second

// Toast kinds raised by the backfill controller.
const (
	ToastBackfillTerminalError = "attachment-backfill-terminal-error"
)

// BackfillFailed reasons.
const (
	BackfillReasonTimeout = "timeout"
)

// BackfillResult summarizes one merged backfill response.
type BackfillResult struct {
	Pending        int
	Replaced       int
	TerminalErrors int
	Fulfilled      bool
}

// backfillState is a message in the Requested state. Leaving Requested
// deletes the state.
type backfillState struct {
	conversationID string
	deadline       time.Time
	stop           func() bool
	// gen invalidates timer callbacks that were already in flight when the
	// timer was stopped or re-armed.
	gen uint64
}

// BackfillController runs the per-message attachment backfill state
// machine: Idle, Requested, then Fulfilled, TimedOut, or Errored.
//
// Methods that take a message mutate it and must run inside that message's
// conversation queue job. A response and a timeout for the same request
// race on c.mu; whichever deletes the state first wins and the other is a
// no-op.
type BackfillController struct {
	gate      FeatureGate
	sender    BackfillSender
	downloads DownloadQueue
	notifier  Notifier
	clock     Clock
	timeout   time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	states map[string]*backfillState
	gen    uint64

	// expire is called once per request that timed out, outside c.mu.
	expire func(messageID, conversationID string)
}

// NewBackfillController creates a controller. A zero timeout uses
// DefaultBackfillTimeout.
func NewBackfillController(gate FeatureGate, sender BackfillSender, downloads DownloadQueue, notifier Notifier, clock Clock, timeout time.Duration, logger *zap.Logger) *BackfillController {
	if timeout <= 0 {
		timeout = DefaultBackfillTimeout
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackfillController{
		gate:      gate,
		sender:    sender,
		downloads: downloads,
		notifier:  notifier,
		clock:     clock,
		timeout:   timeout,
		logger:    logger,
		states:    make(map[string]*backfillState),
		expire:    func(string, string) {},
	}
}

// Request moves msg to Requested and returns the request to send.
//
// It returns (nil, false, nil) if a request is already outstanding. If the
// message cannot be backfilled, the attachments of that disposition are
// marked permanently undownloadable and ErrBackfillIneligible is returned
// with changed set.
func (c *BackfillController) Request(msg *model.Message, disposition model.AttachmentDisposition) (req *model.BackfillRequest, changed bool, err error) {
	if !c.gate.AttachmentBackfillEnabled() || !disposition.Backfillable() {
		changed = markUndownloadable(msg, disposition)
		metrics.BackfillOutcomes.WithLabelValues("ineligible").Inc()
		return nil, changed, fmt.Errorf("%w: %s", ErrBackfillIneligible, disposition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.states[msg.ID]; ok {
		return nil, false, nil
	}

	changed = markPending(msg)

	c.gen++
	deadline := c.clock.Now().Add(c.timeout)
	st := &backfillState{conversationID: msg.ConversationID, deadline: deadline, gen: c.gen}
	st.stop = c.arm(msg.ID, st.gen, c.timeout)
	c.states[msg.ID] = st

	metrics.BackfillOutcomes.WithLabelValues("requested").Inc()
	return &model.BackfillRequest{
		MessageID: msg.ID,
		Target:    msg.Locator(),
		Deadline:  deadline.UnixMilli(),
	}, changed, nil
}

// Send delivers req to the linked device.
func (c *BackfillController) Send(ctx context.Context, req model.BackfillRequest) error {
	if err := c.sender.SendBackfillRequest(ctx, req); err != nil {
		return fmt.Errorf("send backfill request for %s: %w", req.MessageID, err)
	}
	return nil
}

// Abort returns a Requested message to Idle without notifying anyone. It
// reports whether a request was outstanding.
func (c *BackfillController) Abort(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[messageID]
	if !ok {
		return false
	}
	st.stop()
	delete(c.states, messageID)
	return true
}

// Outstanding returns the ids of messages in the Requested state.
func (c *BackfillController) Outstanding() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.states))
	for id := range c.states {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// HandleResponse merges a linked device's response into msg.
//
// A response with no outstanding request is stale and Dropped. An error
// response raises BackfillFailed and clears pending flags.
func (c *BackfillController) HandleResponse(ctx context.Context, msg *model.Message, resp model.BackfillResponse) (Outcome, BackfillResult) {
	c.mu.Lock()
	st, ok := c.states[msg.ID]
	if !ok {
		c.mu.Unlock()
		metrics.BackfillOutcomes.WithLabelValues("stale").Inc()
		return dropped("stale backfill response"), BackfillResult{}
	}
	st.stop()
	c.gen++
	st.gen = c.gen

	if resp.Error != "" {
		delete(c.states, msg.ID)
		c.mu.Unlock()

		clearPending(msg)
		metrics.BackfillOutcomes.WithLabelValues("error").Inc()
		c.logger.Info("backfill error response",
			zap.String("message_id", msg.ID),
			zap.String("error", resp.Error))
		c.notifier.BackfillFailed(msg.ID, resp.Error)
		return applied(true), BackfillResult{}
	}
	c.mu.Unlock()

	res := c.merge(ctx, msg, resp)
	if res.TerminalErrors > 0 {
		c.notifier.Toast(ToastBackfillTerminalError)
	}

	c.mu.Lock()
	if res.Pending == 0 {
		delete(c.states, msg.ID)
		res.Fulfilled = true
	} else {
		remaining := max(st.deadline.Sub(c.clock.Now()), 0)
		st.stop = c.arm(msg.ID, st.gen, remaining)
	}
	c.mu.Unlock()

	if res.Fulfilled {
		metrics.BackfillOutcomes.WithLabelValues("fulfilled").Inc()
	}
	return applied(true), res
}

// ApplyTimeout clears the pending flag on every attachment of msg that is
// still mid-download, without marking it errored.
func (c *BackfillController) ApplyTimeout(msg *model.Message) bool {
	return clearPending(msg)
}

// Close disarms every outstanding request.
func (c *BackfillController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, st := range c.states {
		st.stop()
		delete(c.states, id)
	}
}

// arm starts the timeout timer. Caller must hold c.mu.
func (c *BackfillController) arm(messageID string, gen uint64, d time.Duration) func() bool {
	return c.clock.AfterFunc(d, func() { c.onTimeout(messageID, gen) })
}

func (c *BackfillController) onTimeout(messageID string, gen uint64) {
	c.mu.Lock()
	st, ok := c.states[messageID]
	if !ok || st.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.states, messageID)
	c.mu.Unlock()

	metrics.BackfillOutcomes.WithLabelValues("timeout").Inc()
	c.logger.Info("backfill request timed out", zap.String("message_id", messageID))
	c.expire(messageID, st.conversationID)
}

// merge reconciles the response slots with msg positionally. Slots were
// validated on ingest: each has a descriptor or a known status.
func (c *BackfillController) merge(ctx context.Context, msg *model.Message, resp model.BackfillResponse) BackfillResult {
	var res BackfillResult

	apply := func(a *model.Attachment, slot model.BackfillSlot, index int) {
		if a.Downloaded() {
			return
		}
		switch {
		case slot.Attachment != nil:
			*a = *slot.Attachment
			a.Pending = true
			a.Error = false
			a.PermanentlyUndownloadable = false
			a.Placeholder = false
			res.Replaced++
			if err := c.downloads.Enqueue(ctx, msg.ID, index, *a); err != nil {
				c.logger.Warn("enqueue backfilled download",
					zap.String("message_id", msg.ID),
					zap.Int("slot", index),
					zap.Error(err))
			}
		case slot.Status == model.BackfillPending:
			res.Pending++
		case slot.Status == model.BackfillTerminalError:
			a.Pending = false
			a.Error = true
			a.PermanentlyUndownloadable = true
			res.TerminalErrors++
		}
	}

	if resp.LongText != nil {
		if msg.BodyAttachment == nil {
			p := model.PlaceholderAttachment()
			msg.BodyAttachment = &p
		}
		apply(msg.BodyAttachment, *resp.LongText, SlotBody)
	}
	if resp.Sticker != nil {
		if msg.Sticker == nil {
			p := model.PlaceholderAttachment()
			msg.Sticker = &p
		}
		apply(msg.Sticker, *resp.Sticker, SlotSticker)
	}
	for len(msg.Attachments) < len(resp.Attachments) {
		msg.Attachments = append(msg.Attachments, model.PlaceholderAttachment())
	}
	for i, slot := range resp.Attachments {
		apply(&msg.Attachments[i], slot, i)
	}
	return res
}

// eachAttachment calls fn for every attachment of msg.
func eachAttachment(msg *model.Message, fn func(a *model.Attachment)) {
	for i := range msg.Attachments {
		fn(&msg.Attachments[i])
	}
	if msg.BodyAttachment != nil {
		fn(msg.BodyAttachment)
	}
	if msg.Sticker != nil {
		fn(msg.Sticker)
	}
}

func markPending(msg *model.Message) bool {
	changed := false
	eachAttachment(msg, func(a *model.Attachment) {
		if a.Downloaded() || a.PermanentlyUndownloadable || a.Pending {
			return
		}
		a.Pending = true
		changed = true
	})
	return changed
}

func clearPending(msg *model.Message) bool {
	changed := false
	eachAttachment(msg, func(a *model.Attachment) {
		if a.Pending {
			a.Pending = false
			changed = true
		}
	})
	return changed
}

// markUndownloadable fails the not-yet-downloaded attachments of one
// disposition. Contacts, previews, and quotes have no slot of their own in
// Message, so they map onto the ordinary attachment list.
func markUndownloadable(msg *model.Message, disposition model.AttachmentDisposition) bool {
	changed := false
	mark := func(a *model.Attachment) {
		if a == nil || a.Downloaded() || a.PermanentlyUndownloadable {
			return
		}
		a.Pending = false
		a.Error = true
		a.PermanentlyUndownloadable = true
		changed = true
	}
	switch disposition {
	case model.DispositionLongMessage:
		mark(msg.BodyAttachment)
	case model.DispositionSticker:
		mark(msg.Sticker)
	default:
		for i := range msg.Attachments {
			mark(&msg.Attachments[i])
		}
	}
	return changed
}
