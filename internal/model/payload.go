package model

import (
	"encoding/json"
	"fmt"
)

// Payload is the kind-specific body of a SyncTask.
//
// The interface is sealed: only the payload structs in this package
// implement it, so a switch over the concrete types is exhaustive.
type Payload interface {
	Validate() error
	isPayload()
}

// ReceiptSignal is the payload of delivery, read, and view receipts:
// conversation SourceConversationID (device SourceDeviceID) observed our
// message sent at MessageSentAt, at ReceiptTimestamp.
type ReceiptSignal struct {
	MessageSentAt        int64  `json:"message_sent_at"`
	ReceiptTimestamp     int64  `json:"receipt_timestamp"`
	SourceConversationID string `json:"source_conversation_id"`
	SourceDeviceID       int    `json:"source_device_id"`
	WasSentEncrypted     bool   `json:"was_sent_encrypted"`
}

func (ReceiptSignal) isPayload() {}

// Validate checks required receipt fields.
func (r ReceiptSignal) Validate() error {
	if r.MessageSentAt <= 0 {
		return fmt.Errorf("%w: receipt message_sent_at must be positive", ErrInvalidPayload)
	}
	if r.ReceiptTimestamp <= 0 {
		return fmt.Errorf("%w: receipt_timestamp must be positive", ErrInvalidPayload)
	}
	if r.SourceConversationID == "" {
		return fmt.Errorf("%w: receipt source_conversation_id is required", ErrInvalidPayload)
	}
	return nil
}

// ReadSyncSignal says another of our devices read an incoming message.
type ReadSyncSignal struct {
	SenderID        string   `json:"sender_id"`
	SenderIdentity  Identity `json:"sender_identity"`
	TargetTimestamp int64    `json:"target_timestamp"`
	ObservedAt      int64    `json:"observed_at"`
}

func (ReadSyncSignal) isPayload() {}

// Validate checks required read-sync fields.
func (r ReadSyncSignal) Validate() error {
	return validateSync("read-sync", r.SenderID, r.TargetTimestamp, r.ObservedAt)
}

// ViewSyncSignal says another of our devices viewed an incoming message.
type ViewSyncSignal struct {
	SenderID        string   `json:"sender_id"`
	SenderIdentity  Identity `json:"sender_identity"`
	TargetTimestamp int64    `json:"target_timestamp"`
	ObservedAt      int64    `json:"observed_at"`
}

func (ViewSyncSignal) isPayload() {}

// Validate checks required view-sync fields.
func (v ViewSyncSignal) Validate() error {
	return validateSync("view-sync", v.SenderID, v.TargetTimestamp, v.ObservedAt)
}

func validateSync(name, senderID string, target, observed int64) error {
	if senderID == "" {
		return fmt.Errorf("%w: %s sender_id is required", ErrInvalidPayload, name)
	}
	if target <= 0 {
		return fmt.Errorf("%w: %s target_timestamp must be positive", ErrInvalidPayload, name)
	}
	if observed <= 0 {
		return fmt.Errorf("%w: %s observed_at must be positive", ErrInvalidPayload, name)
	}
	return nil
}

// AttachmentLocator picks one attachment of a message. Matching tries
// ClientUUID, then Digest, then PlaintextHash.
type AttachmentLocator struct {
	ClientUUID    string `json:"client_uuid,omitempty"`
	Digest        string `json:"digest,omitempty"`
	PlaintextHash string `json:"plaintext_hash,omitempty"`
}

// IsZero reports whether no locator field is set.
func (l AttachmentLocator) IsZero() bool {
	return l.ClientUUID == "" && l.Digest == "" && l.PlaintextHash == ""
}

// DeleteForMeSignal deletes a message, or a single attachment of it, locally.
type DeleteForMeSignal struct {
	ConversationID string             `json:"conversation_id"`
	Target         AddressableMessage `json:"target"`
	Attachment     *AttachmentLocator `json:"attachment,omitempty"`
}

func (DeleteForMeSignal) isPayload() {}

// Validate checks required delete-for-me fields.
func (d DeleteForMeSignal) Validate() error {
	if d.ConversationID == "" {
		return fmt.Errorf("%w: delete-for-me conversation_id is required", ErrInvalidPayload)
	}
	if err := d.Target.Validate(); err != nil {
		return err
	}
	if d.Attachment != nil && d.Attachment.IsZero() {
		return fmt.Errorf("%w: delete-for-me attachment locator is empty", ErrInvalidPayload)
	}
	return nil
}

// BackfillStatus is the per-slot status reported by the linked device.
type BackfillStatus string

const (
	BackfillPending       BackfillStatus = "pending"
	BackfillTerminalError BackfillStatus = "terminal-error"
)

// Backfill error codes sent by the linked device instead of slots.
const (
	BackfillErrMessageNotFound = "MESSAGE_NOT_FOUND"
)

// BackfillSlot is one attachment position in a backfill response: either a
// Status or a replacement Attachment descriptor.
type BackfillSlot struct {
	Status     BackfillStatus `json:"status,omitempty"`
	Attachment *Attachment    `json:"attachment,omitempty"`
}

func (s BackfillSlot) validate(name string) error {
	switch {
	case s.Attachment != nil && s.Status != "":
		return fmt.Errorf("%w: backfill %s has both status and attachment", ErrInvalidPayload, name)
	case s.Attachment != nil:
		return nil
	case s.Status == BackfillPending, s.Status == BackfillTerminalError:
		return nil
	default:
		return fmt.Errorf("%w: backfill %s has unknown status %q", ErrInvalidPayload, name, s.Status)
	}
}

// BackfillResponse answers an attachment backfill request.
type BackfillResponse struct {
	Target      AddressableMessage `json:"target"`
	Error       string             `json:"error,omitempty"`
	LongText    *BackfillSlot      `json:"long_text,omitempty"`
	Sticker     *BackfillSlot      `json:"sticker,omitempty"`
	Attachments []BackfillSlot     `json:"attachments,omitempty"`
}

func (BackfillResponse) isPayload() {}

// Validate checks the target and every slot.
func (b BackfillResponse) Validate() error {
	if err := b.Target.Validate(); err != nil {
		return err
	}
	if b.Error != "" {
		return nil
	}
	if b.LongText != nil {
		if err := b.LongText.validate("long_text"); err != nil {
			return err
		}
	}
	if b.Sticker != nil {
		if err := b.Sticker.validate("sticker"); err != nil {
			return err
		}
	}
	for i, slot := range b.Attachments {
		if err := slot.validate(fmt.Sprintf("attachments[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// BackfillRequest is what we send to the linked device.
type BackfillRequest struct {
	MessageID string             `json:"message_id"`
	Target    AddressableMessage `json:"target"`
	Deadline  int64              `json:"deadline"`
}

func payloadMatchesKind(k Kind, p Payload) bool {
	switch p.(type) {
	case ReceiptSignal:
		return k.IsReceipt()
	case ReadSyncSignal:
		return k == KindReadSync
	case ViewSyncSignal:
		return k == KindViewSync
	case DeleteForMeSignal:
		return k == KindDeleteForMe
	case BackfillResponse:
		return k == KindBackfillResponse
	default:
		return false
	}
}

// EncodePayload serializes a payload for the durable store.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: %w: nil payload", ErrInvalidPayload)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a stored payload according to its kind.
func DecodePayload(k Kind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch k {
	case KindDelivery, KindRead, KindView:
		var r ReceiptSignal
		err = json.Unmarshal(data, &r)
		p = r
	case KindReadSync:
		var r ReadSyncSignal
		err = json.Unmarshal(data, &r)
		p = r
	case KindViewSync:
		var v ViewSyncSignal
		err = json.Unmarshal(data, &v)
		p = v
	case KindDeleteForMe:
		var d DeleteForMeSignal
		err = json.Unmarshal(data, &d)
		p = d
	case KindBackfillResponse:
		var b BackfillResponse
		err = json.Unmarshal(data, &b)
		p = b
	default:
		return nil, fmt.Errorf("decode payload: %w: unknown kind %q", ErrInvalidPayload, k)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", k, err)
	}
	return p, nil
}
