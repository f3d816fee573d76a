// Package harness runs scripted scenarios against the sync engine.
//
// A scenario is a sequence of arrivals (messages and signals), clock moves,
// backfill requests, and restarts. Each runs on a fresh in-memory store with
// a fake clock and recording fakes for everything that would leave the
// process, so the same scenario always produces the same trace.
//
// # Scenario Format
//
//	name: receipt_before_message
//	description: "What this scenario validates"
//	self: ME                      # our conversation id, for reactions
//	features:
//	  story_view_receipts: false  # unset flags are on
//	steps:
//	  - signal:                   # same JSON shape as the inbound feed
//	      kind: delivery
//	      envelope_id: env-1
//	      payload: { message_sent_at: 1000, receipt_timestamp: 1100, source_conversation_id: C2 }
//	    expect: accepted
//	  - message: { id: m1, conversation_id: C2, type: outgoing, sent_at: 1000, ... }
//	  - backfill: { message_id: m1, disposition: attachment }
//	  - advance: 10s
//	  - restart: true
//	assertions:
//	  - type: message
//	    id: m1
//	    expect: { send_state: { C2: { status: delivered } } }
//
// # Assertion Types
//
//   - trace_contains: some step of a kind (and ref) ended with a result
//   - trace_order: refs first appear in the given order
//   - trace_count: number of steps of a kind (and ref, result)
//   - notification_count: number of times the notifier got an event
//   - message: subset match on a message's final JSON
//   - message_absent: the message was deleted or never existed
//   - pending_tasks: number of sync tasks left in the store
//   - final_state: subset match on one row of a store table
//
// # Golden Files
//
// RunWithGolden snapshots the trace, notifications, and pending task count
// as canonical JSON under testdata/golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
