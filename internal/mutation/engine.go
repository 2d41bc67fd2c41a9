package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/resilience"
	"github.com/roach88/tether/internal/transport"
	"github.com/roach88/tether/internal/wire"
)

var tracer = otel.Tracer("tether.mutation")

// DefaultTimeout bounds each attempt when neither the request nor the
// engine sets one.
const DefaultTimeout = 30 * time.Second

// ErrStopped is returned for mutations submitted to, or still queued in, a
// stopped engine.
var ErrStopped = clienterr.New(clienterr.KindCancelled, "mutation engine stopped")

// Snapshot is cache.Snapshot, re-exported for callers that only import
// this package.
type Snapshot = cache.Snapshot

// Engine runs mutations against one deployment.
//
// Thread-safety model:
//   - Execute(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - DependsOn(): safe from any goroutine
type Engine struct {
	cache       cache.Cache
	transport   transport.Transport
	coordinator *resilience.Coordinator
	url         string
	timeout     time.Duration
	ids         IDGenerator
	journal     Journal
	observer    Observer
	now         func() time.Time

	queue *jobQueue

	depsMu sync.RWMutex
	deps   map[string][]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithJournal records every mutation's lifecycle.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithNow sets the time source for journal timestamps and latencies.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithEndpoint overrides the full endpoint URL mutations are posted to.
func WithEndpoint(url string) Option {
	return func(e *Engine) {
		e.url = url
	}
}

// New creates an engine posting to baseURL's mutation endpoint. A nil
// coordinator means a single attempt with no breaker. Queued mutations only
// make progress once Run is started.
func New(c cache.Cache, t transport.Transport, coordinator *resilience.Coordinator, baseURL string, opts ...Option) *Engine {
	if coordinator == nil {
		coordinator = resilience.NewCoordinator(resilience.NoRetry(), nil)
	}
	e := &Engine{
		cache:       c,
		transport:   t,
		coordinator: coordinator,
		url:         transport.KindMutation.URL(baseURL),
		timeout:     DefaultTimeout,
		ids:         UUIDv7Generator{},
		now:         time.Now,
		queue:       newJobQueue(),
		deps:        make(map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DependsOn registers that a successful mutation of function invalidates
// every cached result of the given query functions.
func (e *Engine) DependsOn(function string, queries ...string) {
	e.depsMu.Lock()
	defer e.depsMu.Unlock()
	e.deps[function] = append(e.deps[function], queries...)
}

func (e *Engine) dependents(function string) []string {
	e.depsMu.RLock()
	defer e.depsMu.RUnlock()
	return append([]string(nil), e.deps[function]...)
}

// Execute runs req and returns the decoded result or the terminal error.
//
// Unless req.Bypass is set, the mutation waits behind every mutation
// submitted earlier and is processed by the Run loop. Execute always waits
// for the mutation to finish, so rollback has happened by the time it
// returns an error. A queued mutation blocks until Run picks it up or Stop
// fails it; without a running Run loop it never completes.
//
// A mutation refused by a stopped engine still gets OnError(ErrStopped)
// and OnCleanup.
func (e *Engine) Execute(ctx context.Context, req Request) (wire.Value, error) {
	if req.Bypass {
		return e.execute(ctx, req)
	}

	j := &job{ctx: ctx, req: req, done: make(chan outcome, 1)}
	if !e.queue.Enqueue(j) {
		return nil, e.reject(ctx, req)
	}

	out := <-j.done
	if out.panicked != nil {
		panic(out.panicked)
	}
	return out.result, out.err
}

// Pending returns the number of queued mutations.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Run processes queued mutations one at a time in submission order.
// Blocks until ctx is cancelled or Stop is called. Mutations still queued
// at that point fail with ErrStopped.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("mutation engine starting", "endpoint", e.url)

	for {
		if j, ok := e.queue.TryDequeue(); ok {
			e.runJob(j)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("mutation engine stopping: context cancelled")
			e.Stop()
			return ctx.Err()

		case _, open := <-e.queue.Wait():
			if !open {
				slog.Info("mutation engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Queued mutations fail with ErrStopped; one that is
// already running finishes normally.
func (e *Engine) Stop() {
	for _, j := range e.queue.Close() {
		e.settle(j, func() (wire.Value, error) {
			return nil, e.reject(j.ctx, j.req)
		})
	}
}

// runJob executes one queued mutation.
func (e *Engine) runJob(j *job) {
	e.settle(j, func() (wire.Value, error) {
		return e.execute(j.ctx, j.req)
	})
}

// settle runs fn and hands its outcome to the job's caller. A panic is
// handed back too instead of crashing the goroutine running fn.
func (e *Engine) settle(j *job, fn func() (wire.Value, error)) {
	var out outcome
	defer func() {
		if r := recover(); r != nil {
			out = outcome{panicked: r}
		}
		j.done <- out
	}()
	out.result, out.err = fn()
}

// reject fails a mutation the engine will not run. Nothing is applied to
// the cache, but the journal, OnError and OnCleanup see it like any other
// failure.
func (e *Engine) reject(ctx context.Context, req Request) error {
	if req.OnCleanup != nil {
		defer req.OnCleanup()
	}

	id := e.ids.Generate()
	started := e.now()
	e.begin(ctx, id, req, started)

	slog.Warn("mutation rejected",
		"mutation_id", id,
		"function", req.Function,
		"error", ErrStopped,
	)

	e.finish(context.WithoutCancel(ctx), id, StatusFailed, ErrStopped)
	if e.observer != nil {
		e.observer.ObserveMutation(req.Function, string(StatusFailed), 0)
	}
	if req.OnError != nil {
		req.OnError(ErrStopped)
	}
	return ErrStopped
}

// execute is the mutation algorithm proper.
func (e *Engine) execute(ctx context.Context, req Request) (result wire.Value, err error) {
	if req.OnCleanup != nil {
		defer req.OnCleanup()
	}

	if err := ctx.Err(); err != nil {
		err = clienterr.Cancelled(err)
		if req.OnError != nil {
			req.OnError(err)
		}
		return nil, err
	}

	id := e.ids.Generate()
	started := e.now()

	ctx, span := tracer.Start(ctx, "mutation.Execute",
		trace.WithAttributes(
			attribute.String("mutation.id", id),
			attribute.String("mutation.function", req.Function),
			attribute.Int("mutation.optimistic_keys", len(req.Optimistic)),
			attribute.Bool("mutation.bypass", req.Bypass),
		),
	)
	defer span.End()

	e.begin(ctx, id, req, started)

	body, err := transport.EncodeCall(req.Function, req.Args)
	if err != nil {
		return nil, e.fail(ctx, span, id, req, nil, started, err)
	}

	snaps, err := e.applyOptimistic(ctx, req.Optimistic)
	if err != nil {
		return nil, e.fail(ctx, span, id, req, snaps, started, err)
	}
	if len(snaps) > 0 {
		slog.Debug("optimistic updates applied",
			"mutation_id", id,
			"function", req.Function,
			"keys", len(snaps),
		)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	result, err = resilience.Execute(ctx, e.coordinator, func(ctx context.Context) (wire.Value, error) {
		resp, err := e.transport.Send(ctx, transport.Request{URL: e.url, Body: body, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		return transport.DecodeResult(resp)
	})
	if err != nil {
		return nil, e.fail(ctx, span, id, req, snaps, started, err)
	}

	e.confirm(ctx, id, req, result, started)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// applyOptimistic snapshots and applies each update. If an update fails or
// panics, the updates already applied are rolled back before returning.
func (e *Engine) applyOptimistic(ctx context.Context, updates []Update) (snaps []Snapshot, err error) {
	if len(updates) == 0 {
		return nil, nil
	}

	snaps = make([]Snapshot, 0, len(updates))
	completed := false
	defer func() {
		if completed || err != nil {
			return
		}
		// An update function panicked.
		if rerr := e.cache.Restore(context.WithoutCancel(ctx), snaps...); rerr != nil {
			slog.Error("rollback after panicking update failed", "error", rerr)
		}
	}()

	for _, u := range updates {
		snap, uerr := e.cache.Update(ctx, u.Key, u.Apply)
		if uerr != nil {
			err = fmt.Errorf("optimistic update of %q: %w", u.Key, uerr)
			if rerr := e.cache.Restore(context.WithoutCancel(ctx), snaps...); rerr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
			}
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	completed = true
	return snaps, nil
}

// confirm runs the success path.
func (e *Engine) confirm(ctx context.Context, id string, req Request, result wire.Value, started time.Time) {
	slog.Info("mutation confirmed",
		"mutation_id", id,
		"function", req.Function,
	)

	if req.OnSuccess != nil {
		req.OnSuccess(result)
	}

	bg := context.WithoutCancel(ctx)
	for _, q := range e.dependents(req.Function) {
		n, err := e.cache.RemovePrefix(bg, cache.FunctionPrefix(q))
		if err != nil {
			slog.Warn("query invalidation failed", "mutation_id", id, "query", q, "error", err)
			continue
		}
		slog.Debug("queries invalidated", "mutation_id", id, "query", q, "removed", n)
	}

	for _, ru := range req.UpdateFromResult {
		apply := ru.Apply
		_, err := e.cache.Update(bg, ru.Key, func(cur wire.Value, present bool) (wire.Value, bool) {
			return apply(cur, present, result)
		})
		if err != nil {
			slog.Warn("result update failed", "mutation_id", id, "key", ru.Key, "error", err)
		}
	}

	e.finish(bg, id, StatusConfirmed, nil)
	if e.observer != nil {
		e.observer.ObserveMutation(req.Function, string(StatusConfirmed), e.now().Sub(started))
	}
}

// fail runs the failure path and returns the error to propagate.
func (e *Engine) fail(ctx context.Context, span trace.Span, id string, req Request, snaps []Snapshot, started time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	bg := context.WithoutCancel(ctx)
	status := StatusFailed

	if len(snaps) > 0 && req.shouldRollback(err) {
		if rerr := e.cache.Restore(bg, snaps...); rerr != nil {
			slog.Error("rollback failed",
				"mutation_id", id,
				"function", req.Function,
				"error", rerr,
			)
		} else {
			status = StatusRolledBack
			span.AddEvent("rollback", trace.WithAttributes(attribute.Int("mutation.keys", len(snaps))))
			if e.observer != nil {
				e.observer.ObserveRollback(req.Function, len(snaps))
			}
		}
	}

	slog.Warn("mutation failed",
		"mutation_id", id,
		"function", req.Function,
		"kind", string(clienterr.KindOf(err)),
		"status", string(status),
		"error", err,
	)

	e.finish(bg, id, status, err)
	if e.observer != nil {
		e.observer.ObserveMutation(req.Function, string(status), e.now().Sub(started))
	}

	if req.OnError != nil {
		req.OnError(err)
	}
	return err
}

func (e *Engine) begin(ctx context.Context, id string, req Request, started time.Time) {
	if e.journal == nil {
		return
	}
	args := "{}"
	if req.Args != nil {
		if text, err := wire.Encode(req.Args); err == nil {
			args = text
		}
	}
	err := e.journal.Begin(context.WithoutCancel(ctx), Entry{
		ID:        id,
		Function:  req.Function,
		Args:      args,
		Keys:      req.keys(),
		Status:    StatusPending,
		CreatedAt: started,
		UpdatedAt: started,
	})
	if err != nil {
		slog.Warn("journal begin failed", "mutation_id", id, "error", err)
	}
}

func (e *Engine) finish(ctx context.Context, id string, status Status, cause error) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Finish(ctx, id, status, cause); err != nil {
		slog.Warn("journal finish failed", "mutation_id", id, "status", string(status), "error", err)
	}
}
