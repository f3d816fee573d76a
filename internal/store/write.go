package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/receiptsync/internal/model"
)

// SaveSyncTasks inserts a batch of tasks in one transaction and reports,
// per task, whether it was stored or recognised as a duplicate.
//
// A task is a duplicate when a pending task already carries its DedupeKey
// (ON CONFLICT DO NOTHING) or when a processed tombstone for that key
// exists. Invalid tasks fail the whole batch; callers validate first.
func (s *Store) SaveSyncTasks(ctx context.Context, tasks []model.SyncTask) ([]model.SaveResult, error) {
	results := make([]model.SaveResult, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("save sync tasks: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for i, task := range tasks {
		if task.DedupeKey == "" {
			return nil, fmt.Errorf("save sync tasks: task %s has no dedupe key", task.ID)
		}

		var processed int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM processed_signals WHERE dedupe_key = ?
		`, task.DedupeKey).Scan(&processed)
		if err != nil {
			return nil, fmt.Errorf("save sync tasks: check tombstone: %w", err)
		}
		if processed > 0 {
			results[i] = model.SaveResult{Duplicate: true}
			continue
		}

		payload, err := marshalPayload(task.Payload)
		if err != nil {
			return nil, fmt.Errorf("save sync tasks: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_tasks
			(id, kind, envelope_id, dedupe_key, payload, created_at, sent_at, attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`,
			task.ID,
			string(task.Kind),
			task.EnvelopeID,
			task.DedupeKey,
			payload,
			task.CreatedAt,
			task.SentAt,
			task.Attempts,
		)
		if err != nil {
			return nil, fmt.Errorf("save sync tasks: insert %s: %w", task.ID, err)
		}

		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("save sync tasks: rows affected: %w", err)
		}
		if rowsAffected == 0 {
			results[i] = model.SaveResult{Duplicate: true}
			continue
		}

		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("save sync tasks: last insert id: %w", err)
		}
		results[i] = model.SaveResult{Seq: seq}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("save sync tasks: commit: %w", err)
	}
	return results, nil
}

// RemoveSyncTaskByID deletes one task and records its processed tombstone.
// Removing a task that does not exist is not an error.
func (s *Store) RemoveSyncTaskByID(ctx context.Context, id string) error {
	if err := s.RemoveSyncTasks(ctx, []string{id}); err != nil {
		return fmt.Errorf("remove sync task %s: %w", id, err)
	}
	return nil
}

// RemoveSyncTasks deletes tasks and records their processed tombstones in
// a single transaction.
func (s *Store) RemoveSyncTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("remove sync tasks: begin tx: %w", err)
	}
	defer tx.Rollback()

	placeholders, args := inClause(ids)
	now := s.nowMillis()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_signals (dedupe_key, task_id, kind, processed_at)
		SELECT dedupe_key, id, kind, ? FROM sync_tasks
		WHERE id IN (`+placeholders+`)
		ON CONFLICT(dedupe_key) DO NOTHING
	`, append([]any{now}, args...)...)
	if err != nil {
		return fmt.Errorf("remove sync tasks: tombstone: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM sync_tasks WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("remove sync tasks: delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("remove sync tasks: commit: %w", err)
	}
	return nil
}

// IncrementAllAttempts bumps the attempt counter of every pending task.
// Called once per startup before the recovery sweep.
func (s *Store) IncrementAllAttempts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_tasks SET attempts = attempts + 1`)
	if err != nil {
		return 0, fmt.Errorf("increment all attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("increment all attempts: rows affected: %w", err)
	}
	return n, nil
}

// IncrementAttempts bumps the attempt counter of one task after a
// transient failure.
func (s *Store) IncrementAttempts(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_tasks SET attempts = attempts + 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("increment attempts %s: %w", id, err)
	}
	return nil
}

// PruneProcessed deletes processed tombstones older than before (unix ms).
// Returns the number of rows removed.
func (s *Store) PruneProcessed(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_signals WHERE processed_at < ?
	`, before)
	if err != nil {
		return 0, fmt.Errorf("prune processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune processed: rows affected: %w", err)
	}
	return n, nil
}

// inClause builds "?, ?, ?" and the matching args for an IN list.
func inClause[T any](values []T) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "), args
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
