package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/resilience"
	"github.com/roach88/tether/internal/store"
	"github.com/roach88/tether/internal/testutil"
	"github.com/roach88/tether/internal/transport"
	"github.com/roach88/tether/internal/wire"
)

// BaseURL is the deployment URL scenario requests are addressed to.
const BaseURL = "https://scenario.example.cloud"

// Harness holds the per-run wiring.
type Harness struct {
	store    *store.Store
	cache    *cache.Memory
	engine   *mutation.Engine
	scripted *testutil.ScriptedTransport
	rec      *recorder
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory journal and cache for
// isolation. Execution flow:
//  1. Seed the cache (not traced)
//  2. Wire the engine with the scenario's retry and breaker settings
//  3. Run each flow step and check its expect clause
//  4. Capture final cache and journal state
//  5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	clock := testutil.NewManualClock(time.Time{})

	st, err := store.Open(":memory:", store.WithNow(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	rec := &recorder{}
	mem := cache.NewMemory(cache.WithListener(rec.cacheEvent))
	ctx := context.Background()

	for i, entry := range scenario.Cache {
		key, value, err := entry.resolve()
		if err != nil {
			return nil, fmt.Errorf("cache[%d]: %w", i, err)
		}
		if err := mem.Set(ctx, key, value); err != nil {
			return nil, fmt.Errorf("cache[%d]: %w", i, err)
		}
	}

	steps := make([]testutil.Step, 0, len(scenario.Responses))
	for i, r := range scenario.Responses {
		step, err := r.step()
		if err != nil {
			return nil, fmt.Errorf("responses[%d]: %w", i, err)
		}
		steps = append(steps, step)
	}
	scripted := testutil.NewScriptedTransport(steps...)

	coord, err := newCoordinator(scenario, clock, rec)
	if err != nil {
		return nil, err
	}

	eng := mutation.New(mem, &recordingTransport{next: scripted, rec: rec}, coord, BaseURL,
		mutation.WithIDGenerator(&recordingIDs{next: testutil.NewSequentialIDs("mut"), rec: rec}),
		mutation.WithJournal(st),
		mutation.WithNow(clock.Now),
	)
	for function, queries := range scenario.DependsOn {
		eng.DependsOn(function, queries...)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(runCtx)
	}()
	defer func() {
		eng.Stop()
		cancel()
		<-done
	}()

	h := &Harness{store: st, cache: mem, engine: eng, scripted: scripted, rec: rec}
	rec.start()

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.runStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute flow: %w", err)
		}
	}
	if n := scripted.Remaining(); n > 0 {
		result.AddError(fmt.Sprintf("%d scripted responses were never requested", n))
	}

	result.Trace = rec.snapshot()
	if result.Cache, err = mem.Entries(ctx); err != nil {
		return nil, fmt.Errorf("failed to read final cache: %w", err)
	}
	if result.Journal, err = st.ListMutations(ctx, store.ListFilter{}); err != nil {
		return nil, fmt.Errorf("failed to read final journal: %w", err)
	}

	actx := &AssertionContext{Ctx: ctx, Cache: mem, Store: st}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func newCoordinator(s *Scenario, clock resilience.Clock, rec *recorder) (*resilience.Coordinator, error) {
	policy := resilience.NoRetry()
	if s.Retry != nil {
		p, err := config.Config{Retry: *s.Retry}.RetryPolicy()
		if err != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}
		policy = p
	}

	var breaker *resilience.CircuitBreaker
	if s.Breaker != nil {
		bc := config.Config{Breaker: *s.Breaker}.BreakerConfig(string(transport.KindMutation))
		if err := bc.Validate(); err != nil {
			return nil, fmt.Errorf("breaker: %w", err)
		}
		breaker = resilience.NewCircuitBreaker(bc, clock)
	}

	return resilience.NewCoordinator(policy, breaker,
		resilience.WithClock(clock),
		resilience.WithObserver(rec),
	), nil
}

// runStep executes one mutation and validates its expect clause.
func (h *Harness) runStep(ctx context.Context, i int, step MutationStep, result *Result) error {
	req, err := step.request()
	if err != nil {
		return fmt.Errorf("flow[%d]: %w", i, err)
	}

	h.rec.resetID()
	value, execErr := h.engine.Execute(ctx, req)
	id := h.rec.lastID()

	status := mutation.StatusFailed
	switch {
	case execErr == nil:
		status = mutation.StatusConfirmed
	case id != "":
		entry, err := h.store.GetMutation(ctx, id)
		if err != nil {
			return fmt.Errorf("flow[%d]: journal: %w", i, err)
		}
		status = entry.Status
	}

	ev := TraceEvent{Type: EventMutation, ID: id, Function: step.Mutate, Status: string(status)}
	if execErr != nil {
		ev.Kind = string(clienterr.KindOf(execErr))
	} else {
		ev.Value = value
	}
	h.rec.add(ev)

	if step.Expect == nil {
		return nil
	}
	if string(status) != step.Expect.Status {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected status %s, got %s (error: %v)",
			i, step.Mutate, step.Expect.Status, status, execErr))
	}
	if step.Expect.Kind != ev.Kind {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected error kind %q, got %q",
			i, step.Mutate, step.Expect.Kind, ev.Kind))
	}
	if step.Expect.Result != nil {
		want, err := toValue(step.Expect.Result)
		if err != nil {
			return fmt.Errorf("flow[%d].expect.result: %w", i, err)
		}
		if !wire.Equal(want, value) {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected result %s, got %s",
				i, step.Mutate, encodeOrErr(want), encodeOrErr(value)))
		}
	}
	return nil
}

// request converts a flow step into a mutation request.
func (s MutationStep) request() (mutation.Request, error) {
	args, err := argsValue(s.Args)
	if err != nil {
		return mutation.Request{}, fmt.Errorf("args: %w", err)
	}
	req := mutation.Request{
		Function:   s.Mutate,
		Args:       args,
		RollbackOn: clienterr.Kind(s.RollbackOn),
	}

	for j, op := range s.Optimistic {
		key, value, err := op.resolve()
		if err != nil {
			return mutation.Request{}, fmt.Errorf("optimistic[%d]: %w", j, err)
		}
		switch op.Op {
		case "set":
			req.Optimistic = append(req.Optimistic, mutation.Set(key, value))
		case "remove":
			req.Optimistic = append(req.Optimistic, mutation.Remove(key))
		case "append":
			req.Optimistic = append(req.Optimistic, mutation.Append(key, value))
		}
	}

	for j, op := range s.FromResult {
		key, value, err := op.resolve()
		if err != nil {
			return mutation.Request{}, fmt.Errorf("from_result[%d]: %w", j, err)
		}
		switch op.Op {
		case "store":
			req.UpdateFromResult = append(req.UpdateFromResult, mutation.StoreResult(key))
		case "replace_item":
			req.UpdateFromResult = append(req.UpdateFromResult, mutation.ReplaceItem(key, value))
		}
	}
	return req, nil
}

func (e CacheEntry) resolve() (string, wire.Value, error) {
	return resolveKey(e.Query, e.Args, e.Value)
}

func (o CacheOp) resolve() (string, wire.Value, error) {
	return resolveKey(o.Query, o.Args, o.Value)
}

func resolveKey(query string, args map[string]any, raw any) (string, wire.Value, error) {
	argVal, err := argsValue(args)
	if err != nil {
		return "", nil, fmt.Errorf("args: %w", err)
	}
	key, err := cache.QueryKey(query, argVal)
	if err != nil {
		return "", nil, err
	}
	value, err := toValue(raw)
	if err != nil {
		return "", nil, fmt.Errorf("value: %w", err)
	}
	return key, value, nil
}

// step converts a scripted reply into a transport step.
func (r ResponseStep) step() (testutil.Step, error) {
	switch {
	case r.Fail != "":
		return testutil.Fail(clienterr.New(clienterr.Kind(r.Fail), "scripted failure")), nil
	case r.Status != 0:
		return testutil.Reply(r.Status, r.Body), nil
	case r.Error != "":
		var data wire.Value
		if r.Data != nil {
			v, err := toValue(r.Data)
			if err != nil {
				return testutil.Step{}, fmt.Errorf("data: %w", err)
			}
			data = v
		}
		if data == nil {
			return testutil.RemoteError(r.Error, nil), nil
		}
		return testutil.RemoteError(r.Error, data), nil
	default:
		v, err := toValue(r.Value)
		if err != nil {
			return testutil.Step{}, fmt.Errorf("value: %w", err)
		}
		return testutil.Success(v), nil
	}
}

// argsValue converts scenario arguments. Nil is the empty object.
func argsValue(args map[string]any) (wire.Value, error) {
	if args == nil {
		return wire.Object{}, nil
	}
	return toValue(args)
}

// toValue converts a decoded YAML value. YAML integers are numbers, so
// they become Float64 rather than Int64.
func toValue(v any) (wire.Value, error) {
	switch val := v.(type) {
	case nil:
		return wire.Null{}, nil
	case int:
		return wire.Float64(val), nil
	case int64:
		return wire.Float64(val), nil
	case uint64:
		return wire.Float64(val), nil
	case []any:
		arr := make(wire.Array, len(val))
		for i, elem := range val {
			ev, err := toValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(wire.Object, len(val))
		for k, elem := range val {
			ev, err := toValue(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return wire.ToValue(val)
	}
}

func encodeOrErr(v wire.Value) string {
	if v == nil {
		return "<none>"
	}
	s, err := wire.Encode(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return s
}

// recorder collects trace events from every component of a run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type recorder struct {
	mu     sync.Mutex
	on     bool
	seq    int64
	events []TraceEvent
	id     string
}

var _ resilience.Observer = (*recorder)(nil)

func (r *recorder) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.on = true
}

func (r *recorder) add(e TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.on {
		return
	}
	r.seq++
	e.Seq = r.seq
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent{}, r.events...)
}

func (r *recorder) resetID() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = ""
}

func (r *recorder) lastID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *recorder) cacheEvent(ev cache.Event) {
	if ev.Present {
		r.add(TraceEvent{Type: EventCacheSet, Key: ev.Key, Value: ev.Value})
		return
	}
	r.add(TraceEvent{Type: EventCacheRemove, Key: ev.Key})
}

// ObserveAttempt implements resilience.Observer.
func (r *recorder) ObserveAttempt(_ string, attempt int, err error) {
	e := TraceEvent{Type: EventAttempt, Attempt: attempt}
	if err != nil {
		e.Kind = string(clienterr.KindOf(err))
	}
	r.add(e)
}

// ObserveRetry implements resilience.Observer.
func (r *recorder) ObserveRetry(_ string, attempt int, delay time.Duration) {
	r.add(TraceEvent{Type: EventRetry, Attempt: attempt, Delay: delay.String()})
}

// ObserveRejected implements resilience.Observer.
func (r *recorder) ObserveRejected(string) {
	r.add(TraceEvent{Type: EventRejected})
}

// recordingTransport traces each request before handing it on.
type recordingTransport struct {
	next transport.Transport
	rec  *recorder
}

func (t *recordingTransport) Send(ctx context.Context, req transport.Request) (transport.Response, error) {
	t.rec.add(TraceEvent{Type: EventRequest, URL: req.URL, Body: req.Body})
	return t.next.Send(ctx, req)
}

// recordingIDs remembers the id of the mutation being run.
type recordingIDs struct {
	next mutation.IDGenerator
	rec  *recorder
}

func (g *recordingIDs) Generate() string {
	id := g.next.Generate()
	g.rec.mu.Lock()
	g.rec.id = id
	g.rec.mu.Unlock()
	return id
}
