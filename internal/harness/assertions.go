package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/store"
	"github.com/roach88/tether/internal/wire"
)

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
			fmt.Fprintf(&buf, "  %s\n", encodeOrErr(event.Fields()))
		}
	}

	return buf.String()
}

// assertTraceContains checks that some event of the given type matches
// the expected fields (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		ok, err := eventMatches(event, assertion.Event, assertion.Fields)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event with fields %s", assertion.Event, formatFields(assertion.Fields)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that event types appear in the specified order.
// Events don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(assertion.Events) && event.Type == assertion.Events[next] {
			next++
		}
	}

	if next < len(assertion.Events) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("events in order %v", assertion.Events),
			Actual:   fmt.Sprintf("sequence broke at %q (position %d)", assertion.Events[next], next),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		ok, err := eventMatches(event, assertion.Event, assertion.Fields)
		if err != nil {
			return err
		}
		if ok {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events with fields %s", assertion.Count, assertion.Event, formatFields(assertion.Fields)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func eventMatches(event TraceEvent, eventType string, fields map[string]any) (bool, error) {
	if event.Type != eventType {
		return false, nil
	}
	return matchFields(event.Fields(), fields)
}

// assertCacheState checks a final cache entry.
func assertCacheState(ctx context.Context, c cache.Cache, assertion Assertion) error {
	key, _, err := resolveKey(assertion.Query, assertion.Args, nil)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}

	actual, present, err := c.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("final_state: read %s: %w", key, err)
	}

	if assertion.Absent {
		if present {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("cache key %s to be absent", key),
				Actual:   fmt.Sprintf("present with %s", encodeOrErr(actual)),
			}
		}
		return nil
	}

	expected, err := toValue(assertion.Expect)
	if err != nil {
		return fmt.Errorf("final_state: expect: %w", err)
	}
	if !present {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("cache key %s = %s", key, encodeOrErr(expected)),
			Actual:   "key not present",
		}
	}
	if !wire.Equal(expected, actual) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("cache key %s = %s", key, encodeOrErr(expected)),
			Actual:   encodeOrErr(actual),
		}
	}
	return nil
}

// assertJournalState checks that exactly one journal entry matches Where
// and that it carries the expected columns (subset match).
func assertJournalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	filter := store.ListFilter{}
	if s, ok := assertion.Where["status"].(string); ok {
		filter.Status = mutation.Status(s)
	}
	if s, ok := assertion.Where["function"].(string); ok {
		filter.Function = s
	}

	entries, err := st.ListMutations(ctx, filter)
	if err != nil {
		return fmt.Errorf("final_state: list journal: %w", err)
	}

	var matched []wire.Object
	for _, e := range entries {
		row := entryFields(e)
		ok, err := matchFields(row, assertion.Where)
		if err != nil {
			return fmt.Errorf("final_state: where: %w", err)
		}
		if ok {
			matched = append(matched, row)
		}
	}

	whereDesc := formatFields(assertion.Where)
	switch len(matched) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("journal entry where %s", whereDesc),
			Actual:   "entry not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one journal entry where %s", whereDesc),
			Actual:   fmt.Sprintf("%d entries matched (assertion is ambiguous)", len(matched)),
		}
	}

	expect, _ := assertion.Expect.(map[string]any)
	ok, err := matchFields(matched[0], expect)
	if err != nil {
		return fmt.Errorf("final_state: expect: %w", err)
	}
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("journal entry with %s", formatFields(expect)),
			Actual:   encodeOrErr(matched[0]),
		}
	}
	return nil
}

// entryFields exposes a journal entry's columns for matching.
func entryFields(e mutation.Entry) wire.Object {
	keys := make(wire.Array, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = wire.String(k)
	}
	return wire.Object{
		"id":         wire.String(e.ID),
		"function":   wire.String(e.Function),
		"args":       wire.String(e.Args),
		"keys":       keys,
		"status":     wire.String(string(e.Status)),
		"error_kind": wire.String(e.ErrorKind),
		"error":      wire.String(e.Error),
	}
}

// matchFields checks that actual contains every expected field (subset
// match). Extra fields in actual are ignored.
func matchFields(actual wire.Object, expected map[string]any) (bool, error) {
	for key, raw := range expected {
		want, err := toValue(raw)
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		got, exists := actual[key]
		if !exists || !wire.Equal(want, got) {
			return false, nil
		}
	}
	return true, nil
}

// formatFields creates a deterministic description of expected fields.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "(any)"
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

// AssertionContext provides state access for final_state assertions.
type AssertionContext struct {
	Ctx   context.Context
	Cache cache.Cache
	Store *store.Store
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
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
		case AssertFinalState:
			err = assertFinalState(actx, assertion, i)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func assertFinalState(actx *AssertionContext, assertion Assertion, i int) error {
	if actx == nil {
		return fmt.Errorf("assertion[%d]: final_state requires state context", i)
	}
	ctx := actx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	switch assertion.Table {
	case TableCache:
		if actx.Cache == nil {
			return fmt.Errorf("assertion[%d]: final_state on cache requires a cache", i)
		}
		return assertCacheState(ctx, actx.Cache, assertion)
	case TableJournal:
		if actx.Store == nil {
			return fmt.Errorf("assertion[%d]: final_state on journal requires a store", i)
		}
		return assertJournalState(ctx, actx.Store, assertion)
	default:
		return fmt.Errorf("assertion[%d]: unknown table %q", i, assertion.Table)
	}
}
