package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/receiptsync/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s -> %s\n", event.Step, event.Kind, event.Ref, event.Result)
		}
	}

	return buf.String()
}

// traceMatches reports whether event is selected by the assertion's step
// kind and optional ref.
func traceMatches(event TraceEvent, assertion Assertion) bool {
	if event.Kind != assertion.Step {
		return false
	}
	return assertion.Ref == "" || event.Ref == assertion.Ref
}

// assertTraceContains checks that some step of the given kind (and ref, if
// set) ended with the expected result (if set).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if !traceMatches(event, assertion) {
			continue
		}
		if assertion.Result == "" || event.Result == assertion.Result {
			return nil
		}
	}

	want := assertion.Step
	if assertion.Ref != "" {
		want += " " + assertion.Ref
	}
	if assertion.Result != "" {
		want += " -> " + assertion.Result
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: want,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that refs first appear in the specified order.
// Refs don't need to be consecutive (intervening steps are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		for _, ref := range assertion.Refs {
			if event.Ref == ref && positions[ref] == 0 {
				positions[ref] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, ref := range assertion.Refs {
		if positions[ref] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all refs present: %v", assertion.Refs),
				Actual:   fmt.Sprintf("missing ref: %s", ref),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Refs); i++ {
		prev := assertion.Refs[i-1]
		curr := assertion.Refs[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("refs in order: %v", assertion.Refs),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks how many steps of a kind (and ref, if set) ended
// with the given result (if set).
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if traceMatches(event, assertion) && (assertion.Result == "" || event.Result == assertion.Result) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s %s", assertion.Count, assertion.Step, assertion.Result),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertNotificationCount checks how many times the notifier received an
// event.
func assertNotificationCount(events []string, assertion Assertion) error {
	count := 0
	for _, e := range events {
		if e == assertion.Event {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertNotificationCount,
			Expected: fmt.Sprintf("%d of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d in %v", count, events),
		}
	}
	return nil
}

// assertPendingTasks checks the number of sync tasks left in the store.
func assertPendingTasks(result *Result, assertion Assertion) error {
	if result.PendingTasks != assertion.Count {
		return &AssertionError{
			Type:     AssertPendingTasks,
			Expected: fmt.Sprintf("%d pending tasks", assertion.Count),
			Actual:   fmt.Sprintf("%d pending tasks", result.PendingTasks),
		}
	}
	return nil
}

// assertMessage checks fields of a message's final state using its JSON
// form. Nested objects such as send_state match as subsets.
func assertMessage(result *Result, assertion Assertion) error {
	msg := result.Message(assertion.ID)
	if msg == nil {
		return &AssertionError{
			Type:     AssertMessage,
			Expected: fmt.Sprintf("message %s", assertion.ID),
			Actual:   "message not found",
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	var actual map[string]any
	if err := json.Unmarshal(raw, &actual); err != nil {
		return fmt.Errorf("decode message %s: %w", msg.ID, err)
	}

	for _, key := range sortedKeys(assertion.Expect) {
		want := normalizeJSON(assertion.Expect[key])
		got, ok := actual[key]
		if !ok {
			got = zeroLike(want)
		}
		if !subsetEqual(want, got) {
			return &AssertionError{
				Type:     AssertMessage,
				Expected: fmt.Sprintf("message %s field %q = %v", msg.ID, key, want),
				Actual:   fmt.Sprintf("message %s field %q = %v", msg.ID, key, got),
			}
		}
	}
	return nil
}

// assertMessageAbsent checks that a message was deleted or never existed.
func assertMessageAbsent(result *Result, assertion Assertion) error {
	if result.Message(assertion.ID) != nil {
		return &AssertionError{
			Type:     AssertMessageAbsent,
			Expected: fmt.Sprintf("no message %s", assertion.ID),
			Actual:   "message present",
		}
	}
	return nil
}

// normalizeJSON round-trips a YAML-decoded value through encoding/json so
// it compares against decoded message JSON (numbers become float64).
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// zeroLike is the value an omitempty field stands for when it is missing.
func zeroLike(v any) any {
	switch v.(type) {
	case bool:
		return false
	case float64:
		return float64(0)
	case string:
		return ""
	default:
		return nil
	}
}

// subsetEqual compares want against got. Maps match if every key in want
// matches, lists match element-wise, and everything else must be equal.
func subsetEqual(want, got any) bool {
	if wl, ok := want.([]any); ok {
		gl, ok := got.([]any)
		if !ok || len(gl) != len(wl) {
			return false
		}
		for i := range wl {
			if !subsetEqual(wl[i], gl[i]) {
				return false
			}
		}
		return true
	}
	wm, ok := want.(map[string]any)
	if !ok {
		return valuesEqual(got, want)
	}
	gm, ok := got.(map[string]any)
	if !ok {
		return false
	}
	for k, wv := range wm {
		gv, ok := gm[k]
		if !ok {
			gv = zeroLike(wv)
		}
		if !subsetEqual(wv, gv) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// assertFinalState checks if a store table contains expected values.
// Queries the table with parameterized SQL and validates expected values
// using subset semantics.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if assertion.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}

	// Validate table name to prevent SQL injection (identifiers can't be parameterized)
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Check for multiple matching rows (would indicate ambiguous assertion)
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any)
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(assertion.Expect) {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}

		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from state tables.
// Handles type coercion for SQLite values which may be returned as different types.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case []byte:
			return exp == string(act)
		}
		return false
	case int:
		if actualInt, ok := actual.(int64); ok {
			return int64(exp) == actualInt
		}
		if actualInt, ok := actual.(int); ok {
			return exp == actualInt
		}
		return false
	case int64:
		if actualInt, ok := actual.(int64); ok {
			return exp == actualInt
		}
		return false
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		// SQLite stores booleans as integers
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// valuesEqual compares two values for equality.
// Handles nested maps and slices.
func valuesEqual(actual, expected any) bool {
	if actual == nil && expected == nil {
		return true
	}
	if actual == nil || expected == nil {
		return false
	}
	return reflect.DeepEqual(actual, expected)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertNotificationCount:
			err = assertNotificationCount(result.Notifications, assertion)
		case AssertPendingTasks:
			err = assertPendingTasks(result, assertion)
		case AssertMessage:
			err = assertMessage(result, assertion)
		case AssertMessageAbsent:
			err = assertMessageAbsent(result, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
