package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/receiptsync/internal/model"
)

// LookupOrCreateConversation resolves a raw identity to a stable
// conversation. The service id is tried first, then the phone number; a
// missing field on an existing row is filled in. Unknown identities get a
// new UUIDv7 conversation id.
func (s *Store) LookupOrCreateConversation(ctx context.Context, id model.Identity) (model.Conversation, error) {
	id = model.NormalizeIdentity(id)
	if id.IsZero() {
		return model.Conversation{}, fmt.Errorf("lookup conversation: %w: empty identity", model.ErrInvalidPayload)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("lookup conversation: begin tx: %w", err)
	}
	defer tx.Rollback()

	conv, found, err := findConversation(ctx, tx, id)
	if err != nil {
		return model.Conversation{}, err
	}

	switch {
	case !found:
		conv = model.Conversation{
			ID:        uuid.Must(uuid.NewV7()).String(),
			E164:      id.E164,
			ServiceID: id.ServiceID,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (id, e164, service_id) VALUES (?, ?, ?)
		`, conv.ID, nullString(conv.E164), nullString(conv.ServiceID))
		if err != nil {
			return model.Conversation{}, fmt.Errorf("lookup conversation: insert: %w", err)
		}
	case conv.E164 == "" && id.E164 != "", conv.ServiceID == "" && id.ServiceID != "":
		if conv.E164 == "" {
			conv.E164 = id.E164
		}
		if conv.ServiceID == "" {
			conv.ServiceID = id.ServiceID
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET e164 = ?, service_id = ? WHERE id = ?
		`, nullString(conv.E164), nullString(conv.ServiceID), conv.ID)
		if err != nil {
			return model.Conversation{}, fmt.Errorf("lookup conversation: merge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Conversation{}, fmt.Errorf("lookup conversation: commit: %w", err)
	}
	return conv, nil
}

// SaveConversation inserts or replaces a conversation with a known id.
func (s *Store) SaveConversation(ctx context.Context, conv model.Conversation) error {
	id := model.NormalizeIdentity(model.Identity{E164: conv.E164, ServiceID: conv.ServiceID})
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, e164, service_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET e164 = excluded.e164, service_id = excluded.service_id
	`, conv.ID, nullString(id.E164), nullString(id.ServiceID))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findConversation(ctx context.Context, db queryRower, id model.Identity) (model.Conversation, bool, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"service_id", id.ServiceID},
		{"e164", id.E164},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var (
			conv      model.Conversation
			e164, sid sql.NullString
		)
		err := db.QueryRowContext(ctx,
			`SELECT id, e164, service_id FROM conversations WHERE `+l.column+` = ?`,
			l.value,
		).Scan(&conv.ID, &e164, &sid)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return model.Conversation{}, false, fmt.Errorf("lookup conversation by %s: %w", l.column, err)
		}
		conv.E164 = e164.String
		conv.ServiceID = sid.String
		return conv, true, nil
	}
	return model.Conversation{}, false, nil
}
