package model

import "fmt"

// MessageType distinguishes messages we sent from messages we received.
type MessageType string

const (
	MessageIncoming MessageType = "incoming"
	MessageOutgoing MessageType = "outgoing"
	MessageStory    MessageType = "story"
)

// SendStatus is the per-recipient delivery state of an outgoing message.
// Values are ordered: a higher status implies every lower one.
type SendStatus int

const (
	StatusPending SendStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusViewed
)

var sendStatusNames = [...]string{"pending", "sent", "delivered", "read", "viewed"}

// String returns the lowercase status name.
func (s SendStatus) String() string {
	if s < 0 || int(s) >= len(sendStatusNames) {
		return "unknown"
	}
	return sendStatusNames[s]
}

// ParseSendStatus is the inverse of String.
func ParseSendStatus(name string) (SendStatus, bool) {
	for i, n := range sendStatusNames {
		if n == name {
			return SendStatus(i), true
		}
	}
	return StatusPending, false
}

func (s SendStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(sendStatusNames) {
		return nil, fmt.Errorf("send status %d out of range", int(s))
	}
	return []byte(s.String()), nil
}

func (s *SendStatus) UnmarshalText(b []byte) error {
	v, ok := ParseSendStatus(string(b))
	if !ok {
		return fmt.Errorf("%w: unknown send status %q", ErrInvalidPayload, b)
	}
	*s = v
	return nil
}

// StatusForReceipt maps a receipt kind to the status it implies.
func StatusForReceipt(k Kind) (SendStatus, bool) {
	switch k {
	case KindDelivery:
		return StatusDelivered, true
	case KindRead:
		return StatusRead, true
	case KindView:
		return StatusViewed, true
	default:
		return StatusPending, false
	}
}

// SendState is one recipient's entry in Message.SendStateByConversationID.
type SendState struct {
	Status    SendStatus `json:"status"`
	UpdatedAt int64      `json:"updated_at"`
}

// ReadStatus tracks whether we have read or viewed an incoming message.
type ReadStatus int

const (
	ReadStatusUnread ReadStatus = iota
	ReadStatusRead
	ReadStatusViewed
)

var readStatusNames = [...]string{"unread", "read", "viewed"}

func (r ReadStatus) String() string {
	if r < 0 || int(r) >= len(readStatusNames) {
		return "unknown"
	}
	return readStatusNames[r]
}

func (r ReadStatus) MarshalText() ([]byte, error) {
	if r < 0 || int(r) >= len(readStatusNames) {
		return nil, fmt.Errorf("read status %d out of range", int(r))
	}
	return []byte(r.String()), nil
}

func (r *ReadStatus) UnmarshalText(b []byte) error {
	for i, n := range readStatusNames {
		if n == string(b) {
			*r = ReadStatus(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown read status %q", ErrInvalidPayload, b)
}

// AttachmentDisposition says where an attachment lives on the message and
// whether it can be backfilled from a linked device.
type AttachmentDisposition string

const (
	DispositionAttachment  AttachmentDisposition = "attachment"
	DispositionLongMessage AttachmentDisposition = "long-message"
	DispositionSticker     AttachmentDisposition = "sticker"
	DispositionContact     AttachmentDisposition = "contact"
	DispositionPreview     AttachmentDisposition = "preview"
	DispositionQuote       AttachmentDisposition = "quote"
)

// Backfillable reports whether a linked device can re-upload attachments
// of this disposition.
func (d AttachmentDisposition) Backfillable() bool {
	switch d {
	case DispositionAttachment, DispositionLongMessage, DispositionSticker:
		return true
	default:
		return false
	}
}

// Attachment is a message attachment descriptor.
//
// Pending means a download is in flight. Error without
// PermanentlyUndownloadable leaves a manual retry possible.
type Attachment struct {
	ClientUUID    string `json:"client_uuid,omitempty"`
	Digest        string `json:"digest,omitempty"`
	PlaintextHash string `json:"plaintext_hash,omitempty"`
	Path          string `json:"path,omitempty"`
	Size          int64  `json:"size"`
	ContentType   string `json:"content_type,omitempty"`
	CDNKey        string `json:"cdn_key,omitempty"`

	Pending                   bool `json:"pending,omitempty"`
	Error                     bool `json:"error,omitempty"`
	PermanentlyUndownloadable bool `json:"permanently_undownloadable,omitempty"`
	Placeholder               bool `json:"placeholder,omitempty"`
}

// Downloaded reports whether the attachment data is on disk.
func (a Attachment) Downloaded() bool {
	return a.Path != "" && !a.Pending && !a.Error
}

// PlaceholderAttachment pads a local attachment list up to the length of a
// backfill response.
func PlaceholderAttachment() Attachment {
	return Attachment{Error: true, Size: 0, Placeholder: true}
}

// Message is the subset of a stored message the engine reads and mutates.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Type           MessageType `json:"type"`
	AuthorID       string      `json:"author_id"`
	SentAt         int64       `json:"sent_at"`
	ServerGUID     string      `json:"server_guid,omitempty"`

	SendStateByConversationID map[string]SendState `json:"send_state,omitempty"`

	ReadStatus               ReadStatus `json:"read_status"`
	ReadAt                   int64      `json:"read_at,omitempty"`
	ViewedAt                 int64      `json:"viewed_at,omitempty"`
	ExpireTimer              int64      `json:"expire_timer,omitempty"`
	ExpirationStartTimestamp int64      `json:"expiration_start_timestamp,omitempty"`
	ViewOnce                 bool       `json:"view_once,omitempty"`
	IsErased                 bool       `json:"is_erased,omitempty"`

	Attachments    []Attachment `json:"attachments,omitempty"`
	BodyAttachment *Attachment  `json:"body_attachment,omitempty"`
	Sticker        *Attachment  `json:"sticker,omitempty"`

	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// Clone returns a deep copy so a job can mutate without aliasing the
// caller's maps and slices.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.SendStateByConversationID != nil {
		c.SendStateByConversationID = make(map[string]SendState, len(m.SendStateByConversationID))
		for k, v := range m.SendStateByConversationID {
			c.SendStateByConversationID[k] = v
		}
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.BodyAttachment != nil {
		b := *m.BodyAttachment
		c.BodyAttachment = &b
	}
	if m.Sticker != nil {
		s := *m.Sticker
		c.Sticker = &s
	}
	return &c
}

// Locator returns the author/timestamp locator for m.
func (m *Message) Locator() AddressableMessage {
	return AddressableMessage{AuthorID: m.AuthorID, SentAt: m.SentAt, ServerGUID: m.ServerGUID}
}

// Reaction is an emoji reaction. Reactions share the timestamp namespace
// with messages, so a read-sync can point at one.
type Reaction struct {
	ID              string `json:"id" yaml:"id"`
	ConversationID  string `json:"conversation_id" yaml:"conversation_id"`
	FromID          string `json:"from_id" yaml:"from_id"`
	TargetAuthorID  string `json:"target_author_id" yaml:"target_author_id"`
	TargetTimestamp int64  `json:"target_timestamp" yaml:"target_timestamp"`
	Emoji           string `json:"emoji" yaml:"emoji"`
	SentAt          int64  `json:"sent_at" yaml:"sent_at"`
}

// Conversation is a resolved contact or group with a stable internal id.
type Conversation struct {
	ID        string `json:"id" yaml:"id"`
	E164      string `json:"e164,omitempty" yaml:"e164,omitempty"`
	ServiceID string `json:"service_id,omitempty" yaml:"service_id,omitempty"`
}
