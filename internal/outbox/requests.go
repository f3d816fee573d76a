package outbox

import (
	"context"
	"fmt"

	"github.com/roach88/receiptsync/internal/model"
)

// Download is the payload of an EventDownload record.
type Download struct {
	MessageID  string           `json:"message_id"`
	Slot       int              `json:"slot"`
	Attachment model.Attachment `json:"attachment"`
}

// SendBackfillRequest queues a request for the linked device. A second
// request for the same message replaces the first.
func (r *Repo) SendBackfillRequest(ctx context.Context, req model.BackfillRequest) error {
	if req.MessageID == "" {
		return fmt.Errorf("outbox: backfill request without message id")
	}
	_, err := r.Put(ctx, EventBackfillRequest, req.MessageID, req)
	return err
}

// Enqueue queues an attachment download. The key is message id plus slot,
// so re-enqueueing the same slot replaces the queued download.
func (r *Repo) Enqueue(ctx context.Context, messageID string, slot int, att model.Attachment) error {
	_, err := r.Put(ctx, EventDownload, downloadKey(messageID, slot), Download{
		MessageID:  messageID,
		Slot:       slot,
		Attachment: att,
	})
	return err
}

func downloadKey(messageID string, slot int) string {
	return fmt.Sprintf("%s/%d", messageID, slot)
}
