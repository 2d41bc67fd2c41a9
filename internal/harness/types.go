package harness

import (
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/wire"
)

// Trace event types.
const (
	EventCacheSet    = "cache_set"
	EventCacheRemove = "cache_remove"
	EventRequest     = "request"
	EventAttempt     = "attempt"
	EventRetry       = "retry"
	EventRejected    = "rejected"
	EventMutation    = "mutation"
)

// TraceEvent is one observable step of a scenario run. Only the fields
// relevant to Type are set.
type TraceEvent struct {
	Seq      int64
	Type     string
	Key      string     // cache_set, cache_remove
	Value    wire.Value // cache_set; mutation result
	URL      string     // request
	Body     string     // request
	Attempt  int        // attempt, retry
	Delay    string     // retry
	ID       string     // mutation
	Function string     // mutation
	Status   string     // mutation
	Kind     string     // attempt, mutation
}

// Fields returns the event as a wire object, omitting unset fields.
func (e TraceEvent) Fields() wire.Object {
	obj := wire.Object{
		"seq":  wire.Float64(e.Seq),
		"type": wire.String(e.Type),
	}
	str := func(name, v string) {
		if v != "" {
			obj[name] = wire.String(v)
		}
	}
	str("key", e.Key)
	str("url", e.URL)
	str("body", e.Body)
	str("delay", e.Delay)
	str("id", e.ID)
	str("function", e.Function)
	str("status", e.Status)
	str("kind", e.Kind)
	if e.Attempt > 0 {
		obj["attempt"] = wire.Float64(e.Attempt)
	}
	if e.Value != nil {
		obj["value"] = e.Value
	}
	return obj
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions hold.
	Pass bool

	// Trace contains every event in order.
	Trace []TraceEvent

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string

	// Cache is the final cache contents.
	Cache map[string]wire.Value

	// Journal is the final journal, oldest first.
	Journal []mutation.Entry
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Cache:  make(map[string]wire.Value),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
