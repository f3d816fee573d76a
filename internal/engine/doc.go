// Package engine reconciles out-of-order sync signals with local messages.
//
// Signals (delivery/read/view receipts, read and view syncs, delete-for-me,
// attachment backfill responses) arrive at least once and possibly before
// the message they target. The engine applies each one exactly once and
// survives restarts.
//
// Signal Flow:
//  1. Ingest resolves raw identities to conversation ids, validates, and
//     persists a SyncTask through the task-save Batcher. The returned
//     IngestResult is the transport's acknowledgment.
//  2. The task is put in the CorrelationCache and processed in the
//     background: its handler locates the target message.
//  3. With a target, the mutation runs as a JobQueue job keyed by the
//     target's conversation. The job reloads the message, applies the
//     Reconciler or BackfillController, saves, and settles the task.
//  4. Without one, the task waits in the cache. AddMessage claims waiting
//     tasks the moment their target is saved.
//  5. Applied and Dropped tasks are removed durably with a processed
//     tombstone, so redelivery is recognised as a duplicate.
//
// ORDERING:
// Jobs on one conversation run one at a time in enqueue order. Lookups run
// concurrently, but each task waits for every task dispatched before it to
// reach its queue (or settle) before enqueueing, so enqueue order is arrival
// order. Store seq, not wall-clock time, orders recovery and early-arrival
// resolution.
//
// CLAIMS:
// A task is processed by at most one goroutine. A message that arrives
// while a task's lookup is in flight flags the task for rescan rather than
// racing it.
//
// RECOVERY:
// Recover runs once at startup. It counts the restart as an attempt on
// every pending task, drops tasks past the attempt limit, and feeds the
// rest back through the cache.
package engine
