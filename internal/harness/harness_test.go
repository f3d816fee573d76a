package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scenarioDir holds the shared scenario files, relative to this package.
const scenarioDir = "../../testdata/scenarios"

// TestScenarios runs every scenario file against the engine and compares
// its trace with the golden snapshot.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -run TestScenarios -update
func TestScenarios(t *testing.T) {
	scenarios, err := LoadScenarios(scenarioDir)
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario, WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(scenario.Steps))
		})
	}
}

// TestScenarios_Replay runs the same scenario twice; traces and final
// messages must match exactly.
func TestScenarios_Replay(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join(scenarioDir, "receipt_before_message.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Messages, second.Messages)
	assert.Equal(t, first.Notifications, second.Notifications)
}

func TestRun_StepExpectMismatch(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: mismatch
description: a valid signal expected to be rejected
steps:
  - signal:
      kind: read-sync
      envelope_id: env-1
      payload: { sender_id: S, target_timestamp: 10, observed_at: 20 }
    expect: rejected
assertions:
  - type: pending_tasks
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected rejected, got accepted")
	assert.Equal(t, 1, result.PendingTasks, "the early sync stays parked")
}

func TestRun_AssertionFailureIsReported(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: failing
description: asserts on a message that never arrives
steps:
  - restart: true
assertions:
  - type: message
    id: m1
    expect: { read_status: read }
  - type: trace_contains
    step: restart
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "message not found")
}

func TestRun_ConversationResolvesIdentity(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: identity
description: a receipt addressed by phone number resolves to a known conversation
steps:
  - conversation: { id: C2, e164: "+15550002" }
  - message:
      id: m1
      conversation_id: C2
      type: outgoing
      author_id: ME
      sent_at: 1000
      send_state:
        C2: { status: sent, updated_at: 1000 }
  - signal:
      kind: delivery
      envelope_id: env-1
      source: { e164: "+15550002" }
      payload: { message_sent_at: 1000, receipt_timestamp: 1100 }
    expect: accepted
assertions:
  - type: message
    id: m1
    expect:
      send_state:
        C2: { status: delivered, updated_at: 1100 }
  - type: final_state
    table: conversations
    where: { id: C2 }
    expect: { e164: "+15550002" }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_BackfillDisabled(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: backfill_off
description: with backfill switched off every request is ineligible
features:
  attachment_backfill: false
steps:
  - message:
      id: m1
      conversation_id: S
      type: incoming
      author_id: S
      sent_at: 1000
      attachments:
        - { client_uuid: a, error: true }
  - backfill: { message_id: m1, disposition: attachment }
    expect: ineligible
  - backfill: { message_id: nope, disposition: attachment }
    expect: error
assertions:
  - type: message
    id: m1
    expect:
      attachments:
        - { client_uuid: a, permanently_undownloadable: true }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_InvalidMessageStepFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_message",
		Description: "message without a type",
		Steps:       []Step{{Message: map[string]any{"id": "m1", "conversation_id": "C1", "sent_at": 1}}},
		Assertions:  []Assertion{{Type: AssertPendingTasks}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}
