package model

import (
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned when a signal payload fails validation.
// Wrapped errors carry the offending field.
var ErrInvalidPayload = errors.New("invalid payload")

// Kind identifies the type of sync signal a task carries.
type Kind string

const (
	KindDelivery         Kind = "delivery"
	KindRead             Kind = "read"
	KindView             Kind = "view"
	KindReadSync         Kind = "read-sync"
	KindViewSync         Kind = "view-sync"
	KindDeleteForMe      Kind = "delete-for-me"
	KindBackfillResponse Kind = "attachment-backfill-response"
)

// AllKinds lists every kind in a stable order. The engine checks at
// construction that each one has a registered handler.
func AllKinds() []Kind {
	return []Kind{
		KindDelivery,
		KindRead,
		KindView,
		KindReadSync,
		KindViewSync,
		KindDeleteForMe,
		KindBackfillResponse,
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// IsReceipt reports whether k is a delivery, read, or view receipt.
func (k Kind) IsReceipt() bool {
	return k == KindDelivery || k == KindRead || k == KindView
}

// SyncTask is the durable record of one pending signal.
//
// Only Attempts changes after creation. Seq is assigned by the store on
// insert and is the cursor for the startup recovery sweep.
type SyncTask struct {
	ID         string  `json:"id"`
	Kind       Kind    `json:"kind"`
	EnvelopeID string  `json:"envelope_id"`
	DedupeKey  string  `json:"dedupe_key"`
	Payload    Payload `json:"-"`
	CreatedAt  int64   `json:"created_at"`
	SentAt     int64   `json:"sent_at"`
	Attempts   int     `json:"attempts"`
	Seq        int64   `json:"seq"`
}

// Validate checks the task header and its payload.
func (t SyncTask) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidPayload)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, t.Kind)
	}
	if t.Payload == nil {
		return fmt.Errorf("%w: %s task has no payload", ErrInvalidPayload, t.Kind)
	}
	if !payloadMatchesKind(t.Kind, t.Payload) {
		return fmt.Errorf("%w: payload %T does not match kind %s", ErrInvalidPayload, t.Payload, t.Kind)
	}
	return t.Payload.Validate()
}

// AddressableMessage locates a message without requiring it to exist
// locally. Either ServerGUID or the (AuthorID, SentAt) pair is set.
type AddressableMessage struct {
	AuthorID   string `json:"author_id,omitempty"`
	SentAt     int64  `json:"sent_at,omitempty"`
	ServerGUID string `json:"server_guid,omitempty"`
}

// Validate checks that the locator identifies a message one way or the other.
func (a AddressableMessage) Validate() error {
	if a.ServerGUID != "" {
		return nil
	}
	if a.AuthorID == "" || a.SentAt <= 0 {
		return fmt.Errorf("%w: locator needs server_guid or author_id and sent_at", ErrInvalidPayload)
	}
	return nil
}

// Matches reports whether m is the message this locator points at.
func (a AddressableMessage) Matches(m *Message) bool {
	if m == nil {
		return false
	}
	if a.ServerGUID != "" && m.ServerGUID != "" {
		return a.ServerGUID == m.ServerGUID
	}
	return a.AuthorID != "" && a.AuthorID == m.AuthorID && a.SentAt == m.SentAt
}

// Identity is a raw sender identity as it arrives from the transport.
// It must be resolved to a conversation id before any correlation.
type Identity struct {
	E164      string `json:"e164,omitempty" yaml:"e164,omitempty"`
	ServiceID string `json:"service_id,omitempty" yaml:"service_id,omitempty"`
}

// IsZero reports whether neither field is set.
func (i Identity) IsZero() bool {
	return i.E164 == "" && i.ServiceID == ""
}

// Signal is a decoded inbound event before it becomes a SyncTask.
// Identity fields in the payload are still raw; the engine resolves them.
type Signal struct {
	Kind       Kind
	EnvelopeID string
	SentAt     int64
	Payload    Payload

	// Source and Sender carry the raw identities the engine resolves into
	// SourceConversationID / SenderID / ConversationID / Target.AuthorID
	// before persisting.
	Source       Identity
	Sender       Identity
	Conversation Identity
	TargetAuthor Identity
}

// SaveResult reports what the store did with one task of a batch save.
// Duplicate is set when a pending task or a processed tombstone already
// carries the same DedupeKey; Seq is zero in that case.
type SaveResult struct {
	Seq       int64
	Duplicate bool
}
