// Package outbox holds outbound requests (backfill requests to the linked
// device, attachment downloads) in SQLite until a worker hands them to a
// publisher.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    event         TEXT    NOT NULL,
    key           TEXT    NOT NULL,
    payload       TEXT    NOT NULL,
    status        INTEGER NOT NULL DEFAULT 0,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER NOT NULL,
    last_error    TEXT    NOT NULL DEFAULT '',
    UNIQUE(event, key)
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, next_retry_at, id);
`

// Event names the kind of outbound request.
type Event string

const (
	EventBackfillRequest Event = "backfill-request"
	EventDownload        Event = "download"
)

const (
	statusPending = 0
	statusSent    = 1
)

// Record is one outbound request.
type Record struct {
	ID          int64  `json:"id"`
	Event       Event  `json:"event"`
	Key         string `json:"key"`
	Payload     string `json:"payload"`
	RetryCount  int    `json:"retry_count"`
	NextRetryAt int64  `json:"next_retry_at"`
	LastError   string `json:"last_error,omitempty"`
}

// Repo is the outbox table. It shares the caller's database handle.
type Repo struct {
	db  *sql.DB
	now func() time.Time
}

// RepoOption configures a Repo.
type RepoOption func(*Repo)

// WithNow sets the clock used for retry scheduling.
func WithNow(now func() time.Time) RepoOption {
	return func(r *Repo) { r.now = now }
}

// NewRepo creates the outbox table if needed.
func NewRepo(ctx context.Context, db *sql.DB, opts ...RepoOption) (*Repo, error) {
	r := &Repo{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("outbox: create table: %w", err)
	}
	return r, nil
}

// Put stores a request. It is idempotent by (event, key): putting the same
// key again replaces the payload and makes the request due now, even if it
// was already sent.
func (r *Repo) Put(ctx context.Context, event Event, key string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("outbox: encode %s %s: %w", event, key, err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO outbox (event, key, payload, status, retry_count, next_retry_at)
VALUES (?, ?, ?, 0, 0, ?)
ON CONFLICT(event, key) DO UPDATE SET
  payload = excluded.payload,
  status = 0,
  retry_count = 0,
  last_error = '',
  next_retry_at = excluded.next_retry_at
`, string(event), key, string(data), r.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("outbox: put %s %s: %w", event, key, err)
	}

	var id int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT id FROM outbox WHERE event = ? AND key = ?`, string(event), key).Scan(&id); err != nil {
		return 0, fmt.Errorf("outbox: put %s %s: %w", event, key, err)
	}
	return id, nil
}

// FetchDue returns up to limit pending requests whose retry time has come,
// oldest first.
func (r *Repo) FetchDue(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, event, key, payload, retry_count, next_retry_at, last_error
FROM outbox
WHERE status = ? AND next_retry_at <= ?
ORDER BY id ASC
LIMIT ?
`, statusPending, r.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch due: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var event string
		if err := rows.Scan(&rec.ID, &event, &rec.Key, &rec.Payload, &rec.RetryCount, &rec.NextRetryAt, &rec.LastError); err != nil {
			return nil, fmt.Errorf("outbox: fetch due: %w", err)
		}
		rec.Event = Event(event)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSent records a successful publish.
func (r *Repo) MarkSent(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = '' WHERE id = ?`, statusSent, id); err != nil {
		return fmt.Errorf("outbox: mark sent %d: %w", id, err)
	}
	return nil
}

// MarkFailed schedules a retry after backoff.
func (r *Repo) MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string, backoff time.Duration) error {
	if backoff <= 0 {
		backoff = time.Second
	}
	next := r.now().Add(backoff).UnixMilli()
	if _, err := r.db.ExecContext(ctx, `
UPDATE outbox SET retry_count = ?, last_error = ?, next_retry_at = ?
WHERE id = ?
`, retryCount, truncate(lastErr, 255), next, id); err != nil {
		return fmt.Errorf("outbox: mark failed %d: %w", id, err)
	}
	return nil
}

// CountPending returns the number of requests not yet published.
func (r *Repo) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status = ?`, statusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: count pending: %w", err)
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
