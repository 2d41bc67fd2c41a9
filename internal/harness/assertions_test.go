package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/store"
	"github.com/roach88/tether/internal/wire"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Type: EventCacheSet, Key: "todos:list:{}", Value: wire.Array{wire.String("milk")}},
		{Seq: 2, Type: EventRequest, URL: BaseURL + "/api/mutation", Body: `{"args":[{}],"format":"json","path":"todos:add"}`},
		{Seq: 3, Type: EventAttempt, Attempt: 1, Kind: "SERVER_ERROR"},
		{Seq: 4, Type: EventRetry, Attempt: 1, Delay: "100ms"},
		{Seq: 5, Type: EventRequest, URL: BaseURL + "/api/mutation", Body: `{"args":[{}],"format":"json","path":"todos:add"}`},
		{Seq: 6, Type: EventAttempt, Attempt: 2},
		{Seq: 7, Type: EventMutation, ID: "mut-0001", Function: "todos:add", Status: "confirmed", Value: wire.Null{}},
	}
}

func TestAssertTraceContains(t *testing.T) {
	tests := []struct {
		name   string
		event  string
		fields map[string]any
		found  bool
	}{
		{"type only", EventRetry, nil, true},
		{"subset match", EventAttempt, map[string]any{"kind": "SERVER_ERROR"}, true},
		{"number field", EventAttempt, map[string]any{"attempt": 2}, true},
		{"array value", EventCacheSet, map[string]any{"value": []any{"milk"}}, true},
		{"wrong value", EventAttempt, map[string]any{"kind": "TIMEOUT"}, false},
		{"missing field", EventRetry, map[string]any{"kind": "SERVER_ERROR"}, false},
		{"absent type", EventRejected, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(sampleTrace(), Assertion{
				Type:   AssertTraceContains,
				Event:  tt.event,
				Fields: tt.fields,
			})
			if tt.found {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var aerr *AssertionError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, AssertTraceContains, aerr.Type)
			assert.Equal(t, "not found in trace", aerr.Actual)
			assert.Contains(t, aerr.Expected, tt.event)
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		ok     bool
	}{
		{"consecutive", []string{EventCacheSet, EventRequest, EventAttempt}, true},
		{"with gaps", []string{EventCacheSet, EventRetry, EventMutation}, true},
		{"repeated type", []string{EventRequest, EventRequest}, true},
		{"out of order", []string{EventMutation, EventRequest}, false},
		{"too many", []string{EventRetry, EventRetry}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceOrder(sampleTrace(), Assertion{Type: AssertTraceOrder, Events: tt.events})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Event: EventRequest, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: EventRejected, Count: 0}))
	assert.NoError(t, assertTraceCount(trace, Assertion{
		Event:  EventAttempt,
		Fields: map[string]any{"kind": "SERVER_ERROR"},
		Count:  1,
	}))

	err := assertTraceCount(trace, Assertion{Event: EventRequest, Count: 3})
	require.Error(t, err)
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "2 occurrences", aerr.Actual)
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1 rejected events",
		Actual:   "0 occurrences",
		Trace:    sampleTrace()[:1],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: 1 rejected events")
	assert.Contains(t, msg, `{"key":"todos:list:{}","seq":1,"type":"cache_set","value":["milk"]}`)
}

func TestAssertCacheState(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	require.NoError(t, mem.Set(ctx, cache.MustQueryKey("todos:list", nil), wire.Array{wire.String("milk")}))
	require.NoError(t, mem.Set(ctx, cache.MustQueryKey("todos:get", wire.Object{"id": wire.String("t1")}), wire.Float64(1)))

	tests := []struct {
		name      string
		assertion Assertion
		ok        bool
	}{
		{"equal", Assertion{Query: "todos:list", Expect: []any{"milk"}}, true},
		{"with args", Assertion{Query: "todos:get", Args: map[string]any{"id": "t1"}, Expect: 1}, true},
		{"different", Assertion{Query: "todos:list", Expect: []any{"eggs"}}, false},
		{"missing", Assertion{Query: "todos:count", Expect: 0}, false},
		{"absent", Assertion{Query: "todos:count", Absent: true}, true},
		{"not absent", Assertion{Query: "todos:list", Absent: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertCacheState(ctx, mem, tt.assertion)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAssertJournalState(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	for _, id := range []string{"mut-0001", "mut-0002"} {
		require.NoError(t, st.Begin(ctx, mutation.Entry{ID: id, Function: "todos:add", Keys: []string{"todos:list:{}"}}))
	}
	require.NoError(t, st.Finish(ctx, "mut-0001", mutation.StatusConfirmed, nil))
	require.NoError(t, st.Finish(ctx, "mut-0002", mutation.StatusRolledBack,
		clienterr.Server(503, "down")))

	tests := []struct {
		name    string
		where   map[string]any
		expect  map[string]any
		wantErr string
	}{
		{
			name:   "by id",
			where:  map[string]any{"id": "mut-0002"},
			expect: map[string]any{"status": "rolled_back", "error_kind": "SERVER_ERROR"},
		},
		{
			name:   "by status",
			where:  map[string]any{"status": "confirmed"},
			expect: map[string]any{"id": "mut-0001", "keys": []any{"todos:list:{}"}, "error": ""},
		},
		{
			name:    "ambiguous",
			where:   map[string]any{"function": "todos:add"},
			expect:  map[string]any{"status": "confirmed"},
			wantErr: "2 entries matched",
		},
		{
			name:    "no match",
			where:   map[string]any{"id": "mut-0009"},
			expect:  map[string]any{"status": "confirmed"},
			wantErr: "entry not found",
		},
		{
			name:    "mismatch",
			where:   map[string]any{"id": "mut-0001"},
			expect:  map[string]any{"status": "failed"},
			wantErr: "journal entry with status=failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertJournalState(ctx, st, Assertion{
				Type:   AssertFinalState,
				Table:  TableJournal,
				Where:  tt.where,
				Expect: tt.expect,
			})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Event: EventRequest, Count: 2},
		{Type: AssertTraceContains, Event: EventRejected},
		{Type: AssertFinalState, Table: TableCache, Query: "todos:list", Absent: true},
		{Type: "trace_magic"},
	}, nil)

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "not found in trace")
	assert.Contains(t, errs[1], "final_state requires state context")
	assert.Contains(t, errs[2], `unknown assertion type "trace_magic"`)
}
