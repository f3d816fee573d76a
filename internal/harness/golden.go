package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/receiptsync/internal/model"
)

// Snapshot is what a golden file pins down for one scenario: the step
// trace, every notification, and the outcome of the run.
type Snapshot struct {
	ScenarioName  string       `json:"scenario_name"`
	Trace         []TraceEvent `json:"trace"`
	Notifications []string     `json:"notifications"`
	PendingTasks  int          `json:"pending_tasks"`
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON
// serialization; model.MarshalCanonical only handles maps, slices, and
// primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		m := map[string]any{
			"step":   event.Step,
			"kind":   event.Kind,
			"result": event.Result,
		}
		if event.Ref != "" {
			m["ref"] = event.Ref
		}
		trace[i] = m
	}

	notifications := make([]any, len(s.Notifications))
	for i, n := range s.Notifications {
		notifications[i] = n
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"notifications": notifications,
		"pending_tasks": s.PendingTasks,
	}
}

// Canonical renders the snapshot as canonical JSON followed by a newline.
func (s *Snapshot) Canonical() ([]byte, error) {
	data, err := model.MarshalCanonical(s.toCanonicalMap())
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// NewSnapshot builds the golden snapshot of a result.
func NewSnapshot(scenarioName string, result *Result) *Snapshot {
	return &Snapshot{
		ScenarioName:  scenarioName,
		Trace:         result.Trace,
		Notifications: result.Notifications,
		PendingTasks:  result.PendingTasks,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already computed result against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
