package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/receiptsync/internal/model"
)

// SaveMessage inserts or replaces one message.
func (s *Store) SaveMessage(ctx context.Context, m *model.Message) error {
	if err := saveMessage(ctx, s.db, m); err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// SaveMessages inserts or replaces a batch of messages in one transaction.
func (s *Store) SaveMessages(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save messages: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if err := saveMessage(ctx, tx, m); err != nil {
			return fmt.Errorf("save messages: %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save messages: commit: %w", err)
	}
	return nil
}

func saveMessage(ctx context.Context, db execer, m *model.Message) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	data, err := marshalMessage(m)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, type, author_id, sent_at, server_guid, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			type            = excluded.type,
			author_id       = excluded.author_id,
			sent_at         = excluded.sent_at,
			server_guid     = excluded.server_guid,
			data            = excluded.data
	`,
		m.ID,
		m.ConversationID,
		string(m.Type),
		m.AuthorID,
		m.SentAt,
		nullString(m.ServerGUID),
		data,
	)
	return err
}

// FindMessageByID returns the message, or nil if it does not exist.
func (s *Store) FindMessageByID(ctx context.Context, id string) (*model.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM messages WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message %s: %w", id, err)
	}
	return unmarshalMessage(data)
}

// FindMessagesBySentAt returns every message sent at the timestamp,
// ordered by id. Story fan-out legitimately yields several.
func (s *Store) FindMessagesBySentAt(ctx context.Context, sentAt int64) ([]*model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT data FROM messages WHERE sent_at = ? ORDER BY id COLLATE BINARY ASC
	`, sentAt)
}

// FindMessageByLocator resolves an AddressableMessage. ServerGUID wins
// when present; otherwise the (author, sent_at) pair is used.
// Returns nil when nothing matches.
func (s *Store) FindMessageByLocator(ctx context.Context, loc model.AddressableMessage) (*model.Message, error) {
	if loc.ServerGUID != "" {
		msgs, err := s.queryMessages(ctx, `
			SELECT data FROM messages WHERE server_guid = ? ORDER BY id COLLATE BINARY ASC LIMIT 1
		`, loc.ServerGUID)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs[0], nil
		}
	}
	if loc.AuthorID == "" || loc.SentAt == 0 {
		return nil, nil
	}
	msgs, err := s.queryMessages(ctx, `
		SELECT data FROM messages WHERE author_id = ? AND sent_at = ?
		ORDER BY id COLLATE BINARY ASC LIMIT 1
	`, loc.AuthorID, loc.SentAt)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// ListMessages returns all messages ordered by sent_at then id.
func (s *Store) ListMessages(ctx context.Context) ([]*model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT data FROM messages ORDER BY sent_at ASC, id COLLATE BINARY ASC
	`)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []*model.Message{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m, err := unmarshalMessage(data)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessage removes a message and records its locator in
// deleted_messages. Deleting a message that is already gone is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete message: begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		conversationID, authorID string
		sentAt                   int64
		serverGUID               sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT conversation_id, author_id, sent_at, server_guid FROM messages WHERE id = ?
	`, id).Scan(&conversationID, &authorID, &sentAt, &serverGUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deleted_messages (message_id, conversation_id, author_id, sent_at, server_guid, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, id, conversationID, authorID, sentAt, serverGUID, s.nowMillis())
	if err != nil {
		return fmt.Errorf("delete message %s: tombstone: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete message %s: commit: %w", id, err)
	}
	return nil
}

// IsMessageDeleted reports whether a message matching loc was removed by
// DeleteMessage.
func (s *Store) IsMessageDeleted(ctx context.Context, loc model.AddressableMessage) (bool, error) {
	var n int
	var err error
	if loc.ServerGUID != "" {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM deleted_messages WHERE server_guid = ?
		`, loc.ServerGUID).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("check deleted message: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	if loc.AuthorID == "" || loc.SentAt == 0 {
		return false, nil
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deleted_messages WHERE author_id = ? AND sent_at = ?
	`, loc.AuthorID, loc.SentAt).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check deleted message: %w", err)
	}
	return n > 0, nil
}

// SaveReaction inserts or replaces a reaction.
func (s *Store) SaveReaction(ctx context.Context, r model.Reaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (id, conversation_id, from_id, target_author_id, target_timestamp, emoji, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			emoji   = excluded.emoji,
			sent_at = excluded.sent_at
	`,
		r.ID,
		r.ConversationID,
		r.FromID,
		r.TargetAuthorID,
		r.TargetTimestamp,
		r.Emoji,
		r.SentAt,
	)
	if err != nil {
		return fmt.Errorf("save reaction %s: %w", r.ID, err)
	}
	return nil
}

// FindReactionByTarget returns the reaction fromID sent to the message
// (targetAuthorID, targetTimestamp), or nil.
func (s *Store) FindReactionByTarget(ctx context.Context, fromID, targetAuthorID string, targetTimestamp int64) (*model.Reaction, error) {
	var r model.Reaction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, from_id, target_author_id, target_timestamp, emoji, sent_at
		FROM reactions
		WHERE from_id = ? AND target_author_id = ? AND target_timestamp = ?
		ORDER BY sent_at DESC, id COLLATE BINARY ASC
		LIMIT 1
	`, fromID, targetAuthorID, targetTimestamp).Scan(
		&r.ID,
		&r.ConversationID,
		&r.FromID,
		&r.TargetAuthorID,
		&r.TargetTimestamp,
		&r.Emoji,
		&r.SentAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find reaction: %w", err)
	}
	return &r, nil
}
