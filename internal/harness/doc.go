// Package harness runs mutation scenarios against the real mutation engine.
//
// A scenario seeds an in-memory query cache, scripts the server's replies
// and runs a flow of mutations through mutation.Engine with a SQLite
// journal. Every observable step is recorded in a deterministic trace that
// tests compare against golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	cache:
//	  - query: todos:list
//	    value: [milk]
//	depends_on:
//	  todos:add: [todos:count]
//	retry: { max_retries: 2, backoff: constant, initial_delay: 100ms }
//	breaker: { failure_threshold: 2, break_duration: 30s, success_threshold: 1 }
//	responses:
//	  - status: 503
//	    body: down
//	  - value: { id: t2 }
//	flow:
//	  - mutate: todos:add
//	    args: { text: eggs }
//	    optimistic:
//	      - { op: append, query: todos:list, value: eggs }
//	    from_result:
//	      - { op: replace_item, query: todos:list, value: eggs }
//	    expect:
//	      status: confirmed
//	assertions:
//	  - type: trace_count
//	    event: attempt
//	    count: 2
//	  - type: final_state
//	    table: cache
//	    query: todos:list
//	    expect: [milk, { id: t2 }]
//
// Responses take one of four forms: fail (a transport error of the named
// kind), status/body (a raw HTTP reply), error/data (a remote function
// error) or value (a success envelope).
//
// # Trace Events
//
// Each event carries a seq number and a type:
//   - cache_set, cache_remove: a cache change (key, value)
//   - request: a transport request (url, body)
//   - attempt: a completed attempt (attempt, kind on failure)
//   - retry: a backoff wait (attempt, delay)
//   - rejected: the circuit breaker refused an attempt
//   - mutation: the mutation outcome (id, function, status, kind or value)
//
// Cache seeding happens before tracing starts.
//
// # Determinism
//
// A testutil.ManualClock drives backoff waits and journal timestamps,
// testutil.SequentialIDs names mutations mut-0001, mut-0002 and so on,
// retry jitter is off unless a scenario enables it, and numbers in
// scenario YAML are JSON numbers (Float64).
//
// # Golden Files
//
// RunWithGolden encodes the trace as canonical wire JSON and compares it
// with testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
