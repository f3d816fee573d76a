package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/receiptsync/internal/model"
)

// Scenario is a scripted sequence of arrivals, clock moves, and restarts
// run against a fresh engine, followed by assertions on what it did.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Features overrides the feature gate. Unset flags default to on.
	Features *Features `yaml:"features,omitempty"`

	// Now is the fake wall clock at start, in unix milliseconds.
	// Defaults to DefaultNow.
	Now int64 `yaml:"now,omitempty"`

	// Self is our own conversation id, used for reactions we sent.
	Self string `yaml:"self,omitempty"`

	// Steps run in order. Each step has exactly one action key.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Features mirrors the engine feature gate.
type Features struct {
	ReadReceipts       *bool `yaml:"read_receipts,omitempty"`
	StoryViewReceipts  *bool `yaml:"story_view_receipts,omitempty"`
	AttachmentBackfill *bool `yaml:"attachment_backfill,omitempty"`
}

// Step is one scenario action.
type Step struct {
	// Message saves a newly arrived message, in the inbound JSON shape.
	Message map[string]any `yaml:"message,omitempty"`

	// Signal ingests one inbound signal, in the inbound JSON shape.
	Signal map[string]any `yaml:"signal,omitempty"`

	// Conversation registers an identity so signals can resolve it.
	Conversation *model.Conversation `yaml:"conversation,omitempty"`

	// Reaction saves a reaction, used to satisfy syncs that target it.
	Reaction *model.Reaction `yaml:"reaction,omitempty"`

	// Backfill requests an attachment backfill for a message.
	Backfill *BackfillStep `yaml:"backfill,omitempty"`

	// Advance moves the fake clock, firing due timers.
	Advance string `yaml:"advance,omitempty"`

	// Restart closes the engine and runs the recovery sweep on a new one
	// over the same store.
	Restart bool `yaml:"restart,omitempty"`

	// Expect is the required step result: accepted, duplicate, or rejected
	// for signals; ok, ineligible, or error for backfill requests.
	Expect string `yaml:"expect,omitempty"`
}

// BackfillStep names the message and attachment disposition to backfill.
type BackfillStep struct {
	MessageID   string                      `yaml:"message_id"`
	Disposition model.AttachmentDisposition `yaml:"disposition"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type selects the check; see the Assert* constants.
	Type string `yaml:"type"`

	// Step and Ref select trace events (trace_contains, trace_count).
	Step string `yaml:"step,omitempty"`
	Ref  string `yaml:"ref,omitempty"`

	// Result is the expected trace result (trace_contains).
	Result string `yaml:"result,omitempty"`

	// Refs is the expected order of trace refs (trace_order).
	Refs []string `yaml:"refs,omitempty"`

	// Event is a notification in "kind:arg" form (notification_count).
	Event string `yaml:"event,omitempty"`

	// Count is the expected number of occurrences.
	Count int `yaml:"count,omitempty"`

	// Table and Where select one state row (final_state).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// ID selects a message (message, message_absent).
	ID string `yaml:"id,omitempty"`

	// Expect holds expected field values; subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains     = "trace_contains"
	AssertTraceOrder        = "trace_order"
	AssertTraceCount        = "trace_count"
	AssertNotificationCount = "notification_count"
	AssertFinalState        = "final_state"
	AssertMessage           = "message"
	AssertMessageAbsent     = "message_absent"
	AssertPendingTasks      = "pending_tasks"
)

// Step kinds as recorded in the trace.
const (
	StepMessage      = "message"
	StepSignal       = "signal"
	StepConversation = "conversation"
	StepReaction     = "reaction"
	StepBackfill     = "backfill"
	StepAdvance      = "advance"
	StepRestart      = "restart"
)

// DefaultNow is the fake clock start when a scenario sets none.
const DefaultNow int64 = 1_700_000_000_000

// kind returns the step's action and validates that it has exactly one.
func (s Step) kind() (string, error) {
	var kinds []string
	if s.Message != nil {
		kinds = append(kinds, StepMessage)
	}
	if s.Signal != nil {
		kinds = append(kinds, StepSignal)
	}
	if s.Conversation != nil {
		kinds = append(kinds, StepConversation)
	}
	if s.Reaction != nil {
		kinds = append(kinds, StepReaction)
	}
	if s.Backfill != nil {
		kinds = append(kinds, StepBackfill)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	if s.Restart {
		kinds = append(kinds, StepRestart)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("step has no action")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("step has several actions: %v", kinds)
	}
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml and *.yml file in dir, sorted by name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, m...)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		kind, err := step.kind()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		switch kind {
		case StepAdvance:
			if _, err := time.ParseDuration(step.Advance); err != nil {
				return fmt.Errorf("steps[%d]: advance: %w", i, err)
			}
		case StepSignal:
			switch step.Expect {
			case "", "accepted", "duplicate", "rejected":
			default:
				return fmt.Errorf("steps[%d]: unknown signal expect %q", i, step.Expect)
			}
		case StepBackfill:
			if step.Backfill.MessageID == "" {
				return fmt.Errorf("steps[%d]: backfill.message_id is required", i)
			}
			switch step.Expect {
			case "", "ok", "ineligible", "error":
			default:
				return fmt.Errorf("steps[%d]: unknown backfill expect %q", i, step.Expect)
			}
		default:
			if step.Expect != "" {
				return fmt.Errorf("steps[%d]: expect is not supported on %s steps", i, kind)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Refs) == 0 {
			return fmt.Errorf("assertions[%d]: refs list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertNotificationCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for notification_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for notification_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertMessage:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for message", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for message", index)
		}
	case AssertMessageAbsent:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for message_absent", index)
		}
	case AssertPendingTasks:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for pending_tasks", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
