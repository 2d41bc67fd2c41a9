package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/mutation"
)

// Scenario defines a mutation scenario.
// Scenarios seed the query cache, script the server's replies, run a flow
// of mutations through the engine and assert on the resulting trace and
// final cache and journal state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Cache holds the query results present before the flow starts.
	Cache []CacheEntry `yaml:"cache,omitempty"`

	// DependsOn maps mutation functions to the query functions they
	// invalidate on success.
	DependsOn map[string][]string `yaml:"depends_on,omitempty"`

	// Retry is the mutation retry policy. Nil makes a single attempt.
	Retry *config.RetryConfig `yaml:"retry,omitempty"`

	// Breaker configures the mutation circuit breaker. Nil disables it.
	Breaker *config.BreakerSettings `yaml:"breaker,omitempty"`

	// Responses are the server's replies, consumed one per request.
	Responses []ResponseStep `yaml:"responses"`

	// Flow contains the mutations to run, in order.
	Flow []MutationStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// CacheEntry is one cached query result.
type CacheEntry struct {
	Query string         `yaml:"query"`
	Args  map[string]any `yaml:"args,omitempty"`
	Value any            `yaml:"value"`
}

// ResponseStep scripts one server reply. Exactly one form applies:
//   - fail: a transport failure of the named error kind
//   - status/body: a raw HTTP reply
//   - error/data: a 200 error envelope
//   - value: a 200 success envelope (the default, null when absent)
type ResponseStep struct {
	Status int    `yaml:"status,omitempty"`
	Body   string `yaml:"body,omitempty"`
	Value  any    `yaml:"value,omitempty"`
	Error  string `yaml:"error,omitempty"`
	Data   any    `yaml:"data,omitempty"`
	Fail   string `yaml:"fail,omitempty"`
}

// MutationStep runs one mutation.
type MutationStep struct {
	// Mutate is the function path, e.g. "todos:add".
	Mutate string `yaml:"mutate"`

	// Args contains the mutation arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Optimistic lists the speculative cache changes.
	Optimistic []CacheOp `yaml:"optimistic,omitempty"`

	// FromResult lists the cache changes applied from the confirmed result.
	FromResult []CacheOp `yaml:"from_result,omitempty"`

	// RollbackOn limits rollback to one error kind and its children.
	RollbackOn string `yaml:"rollback_on,omitempty"`

	// Expect specifies the expected outcome.
	// If nil, no validation is performed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// CacheOp is one cache change against a query result.
//
// Optimistic ops: set, remove, append (Value is the item).
// Result ops: store, replace_item (Value is the placeholder).
type CacheOp struct {
	Op    string         `yaml:"op"`
	Query string         `yaml:"query"`
	Args  map[string]any `yaml:"args,omitempty"`
	Value any            `yaml:"value,omitempty"`
}

// ExpectClause specifies the expected mutation outcome.
type ExpectClause struct {
	// Status is the expected journal status: confirmed, rolled_back or failed.
	Status string `yaml:"status"`

	// Kind is the expected error kind on failure.
	Kind string `yaml:"kind,omitempty"`

	// Result is the expected result on success. Nil skips the check.
	Result any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check an event appears in the trace
	// - "trace_order": Check events appear in order
	// - "trace_count": Check an event appears exactly N times
	// - "final_state": Check the final cache or journal
	Type string `yaml:"type"`

	// Event is the trace event type (used by trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Fields are the expected event fields (used by trace_contains,
	// trace_count). Subset match.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Events is the expected event type order (used by trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Table is "cache" or "journal" (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Query and Args select a cache entry (final_state on cache).
	Query string         `yaml:"query,omitempty"`
	Args  map[string]any `yaml:"args,omitempty"`

	// Absent asserts the cache entry does not exist.
	Absent bool `yaml:"absent,omitempty"`

	// Where filters journal rows by column (final_state on journal).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains the expected cache value, or expected journal
	// columns (subset match).
	Expect any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Final state tables.
const (
	TableCache   = "cache"
	TableJournal = "journal"
)

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
	// Strict field validation catches typos like "assertion:" vs "assertions:"
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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, entry := range s.Cache {
		if entry.Query == "" {
			return fmt.Errorf("cache[%d]: query is required", i)
		}
	}

	for i, step := range s.Responses {
		if err := validateResponse(step); err != nil {
			return fmt.Errorf("responses[%d]: %w", i, err)
		}
	}

	for i, step := range s.Flow {
		if step.Mutate == "" {
			return fmt.Errorf("flow[%d]: mutate is required", i)
		}
		for j, op := range step.Optimistic {
			if err := validateOp(op, optimisticOps); err != nil {
				return fmt.Errorf("flow[%d].optimistic[%d]: %w", i, j, err)
			}
		}
		for j, op := range step.FromResult {
			if err := validateOp(op, resultOps); err != nil {
				return fmt.Errorf("flow[%d].from_result[%d]: %w", i, j, err)
			}
		}
		if step.RollbackOn != "" && !knownKind(step.RollbackOn) {
			return fmt.Errorf("flow[%d]: unknown rollback_on kind %q", i, step.RollbackOn)
		}
		if step.Expect != nil {
			switch mutation.Status(step.Expect.Status) {
			case mutation.StatusConfirmed, mutation.StatusRolledBack, mutation.StatusFailed:
			default:
				return fmt.Errorf("flow[%d].expect: unknown status %q", i, step.Expect.Status)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

var (
	optimisticOps = []string{"set", "remove", "append"}
	resultOps     = []string{"store", "replace_item"}
)

func validateOp(op CacheOp, allowed []string) error {
	if op.Query == "" {
		return fmt.Errorf("query is required")
	}
	for _, name := range allowed {
		if op.Op == name {
			return nil
		}
	}
	return fmt.Errorf("unknown op %q (want one of %v)", op.Op, allowed)
}

func validateResponse(r ResponseStep) error {
	forms := 0
	if r.Fail != "" {
		forms++
		if !knownKind(r.Fail) {
			return fmt.Errorf("unknown fail kind %q", r.Fail)
		}
	}
	if r.Status != 0 {
		forms++
	}
	if r.Error != "" {
		forms++
	}
	if r.Value != nil {
		forms++
	}
	if forms > 1 {
		return fmt.Errorf("fail, status, error and value are mutually exclusive")
	}
	return nil
}

func knownKind(s string) bool {
	return clienterr.Kind(s).Valid()
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		switch a.Table {
		case TableCache:
			if a.Query == "" {
				return fmt.Errorf("assertions[%d]: query is required for final_state on cache", index)
			}
			if !a.Absent && a.Expect == nil {
				return fmt.Errorf("assertions[%d]: expect or absent is required for final_state on cache", index)
			}
		case TableJournal:
			if _, ok := a.Expect.(map[string]any); !ok {
				return fmt.Errorf("assertions[%d]: expect must be a map for final_state on journal", index)
			}
		case "":
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		default:
			return fmt.Errorf("assertions[%d]: unknown table %q", index, a.Table)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
