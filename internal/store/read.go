package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/receiptsync/internal/model"
)

const syncTaskColumns = `seq, id, kind, envelope_id, dedupe_key, payload, created_at, sent_at, attempts`

// DequeueOldest returns up to limit pending tasks with seq > cursor, oldest
// first, optionally restricted to kinds. nextCursor is the seq of the last
// returned task, or cursor itself when nothing is left.
//
// Tasks are not removed. A row whose payload no longer decodes is returned
// with a nil Payload so the caller can drop it.
func (s *Store) DequeueOldest(ctx context.Context, cursor int64, kinds []model.Kind, limit int) ([]model.SyncTask, int64, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + syncTaskColumns + ` FROM sync_tasks WHERE seq > ?`
	args := []any{cursor}
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		placeholders, kindArgs := inClause(names)
		query += ` AND kind IN (` + placeholders + `)`
		args = append(args, kindArgs...)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cursor, fmt.Errorf("dequeue oldest: %w", err)
	}
	defer rows.Close()

	tasks := []model.SyncTask{}
	next := cursor
	for rows.Next() {
		task, err := scanSyncTask(rows)
		if err != nil {
			return nil, cursor, fmt.Errorf("dequeue oldest: %w", err)
		}
		tasks = append(tasks, task)
		next = task.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("dequeue oldest: iterate: %w", err)
	}
	return tasks, next, nil
}

// GetSyncTask returns one pending task, or nil if it is not stored.
func (s *Store) GetSyncTask(ctx context.Context, id string) (*model.SyncTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncTaskColumns+` FROM sync_tasks WHERE id = ?
	`, id)
	task, err := scanSyncTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync task %s: %w", id, err)
	}
	return &task, nil
}

// CountSyncTasks returns the number of pending tasks.
func (s *Store) CountSyncTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sync tasks: %w", err)
	}
	return n, nil
}

// IsProcessed reports whether a tombstone exists for the dedupe key.
func (s *Store) IsProcessed(ctx context.Context, dedupeKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_signals WHERE dedupe_key = ?
	`, dedupeKey).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncTask(row rowScanner) (model.SyncTask, error) {
	var (
		task    model.SyncTask
		kind    string
		payload string
	)
	err := row.Scan(
		&task.Seq,
		&task.ID,
		&kind,
		&task.EnvelopeID,
		&task.DedupeKey,
		&payload,
		&task.CreatedAt,
		&task.SentAt,
		&task.Attempts,
	)
	if err != nil {
		return model.SyncTask{}, err
	}
	task.Kind = model.Kind(kind)
	if p, err := model.DecodePayload(task.Kind, []byte(payload)); err == nil {
		task.Payload = p
	}
	return task, nil
}
