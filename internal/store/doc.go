// Package store provides SQLite-backed durable storage for receiptsync.
//
// The store holds:
//   - Sync tasks: pending signals, removed once applied or dropped
//   - Processed signals: dedupe tombstones for applied or dropped tasks
//   - Messages, reactions, and conversations the engine reconciles against
//   - Deleted messages: locators of messages removed by delete-for-me
//
// # Critical Patterns
//
// Idempotent saves
//   - UNIQUE(dedupe_key) on sync_tasks plus the processed_signals table
//   - A redelivered signal is reported as a duplicate, never stored twice
//
// Logical ordering
//   - sync_tasks.seq is assigned on insert and is the recovery cursor
//   - Task reads use ORDER BY seq ASC; message reads use ORDER BY id
//
// Remove with tombstone
//   - RemoveSyncTaskByID and RemoveSyncTasks write the tombstone and
//     delete the task in one transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Dedupe keys are computed by model.DedupeKey using RFC 8785 canonical JSON
// and SHA-256 with domain separation.
package store
