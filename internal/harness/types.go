package harness

import "github.com/roach88/receiptsync/internal/model"

// TraceEvent records one executed step and what the engine said about it.
type TraceEvent struct {
	// Step is the 1-based index of the scenario step.
	Step int `json:"step"`
	// Kind is the step action, one of the Step* constants.
	Kind string `json:"kind"`
	// Ref identifies the step's subject: envelope id for signals, message
	// id for messages and backfills, the duration for advances.
	Ref string `json:"ref,omitempty"`
	// Result is the engine's answer, e.g. "accepted" or "ineligible".
	Result string `json:"result"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Notifications is everything the notifier received, as "kind:arg".
	Notifications []string `json:"notifications,omitempty"`

	// Messages is the final content of the messages table, sorted by id.
	Messages []*model.Message `json:"messages,omitempty"`

	// PendingTasks is the number of sync tasks still stored at the end.
	PendingTasks int `json:"pending_tasks"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(step int, kind, ref, result string) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Kind: kind, Ref: ref, Result: result})
}

// Message returns the final state of the message with the given id.
func (r *Result) Message(id string) *model.Message {
	for _, m := range r.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}
