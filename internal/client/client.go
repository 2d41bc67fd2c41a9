// Package client is the public face of the runtime: queries, mutations,
// actions and subscriptions against one deployment, sharing one query
// cache.
//
// Each endpoint kind (query, mutation, action) gets its own circuit
// breaker and retry coordinator, so a failing action endpoint cannot open
// the circuit for queries. Mutations run through mutation.Engine, whose
// FIFO worker the Client starts in New and stops in Close.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/metrics"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/resilience"
	"github.com/roach88/tether/internal/subscription"
	"github.com/roach88/tether/internal/transport"
	"github.com/roach88/tether/internal/wire"
)

var tracer = otel.Tracer("github.com/roach88/tether/internal/client")

// Kinds lists the endpoint kinds in a stable order.
var Kinds = []transport.Kind{transport.KindQuery, transport.KindMutation, transport.KindAction}

// Client talks to one deployment.
type Client struct {
	baseURL   string
	wsURL     string
	transport transport.Transport
	cache     cache.Cache
	timeout   time.Duration

	coordinators map[transport.Kind]*resilience.Coordinator
	engine       *mutation.Engine
	queries      singleflight.Group

	subMu sync.Mutex
	subs  *subscription.Client

	stop    context.CancelFunc
	stopped chan struct{}
	closers []io.Closer
	once    sync.Once
}

// Option configures a Client.
type Option func(*options)

type options struct {
	transport transport.Transport
	cache     cache.Cache
	policy    resilience.RetryPolicy
	breakers  map[transport.Kind]resilience.BreakerConfig
	clock     resilience.Clock
	collector *metrics.Collector
	journal   mutation.Journal
	ids       mutation.IDGenerator
	timeout   time.Duration
	wsURL     string
	closers   []io.Closer
}

// WithTransport replaces the default HTTP transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithCache replaces the default in-memory cache.
func WithCache(c cache.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithRetryPolicy sets the policy used for every endpoint kind.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithBreaker sets the breaker configuration for one endpoint kind.
// The breaker's Name is always the kind.
func WithBreaker(kind transport.Kind, cfg resilience.BreakerConfig) Option {
	return func(o *options) {
		o.breakers[kind] = cfg
	}
}

// WithClock sets the clock used by breakers and retry delays.
func WithClock(c resilience.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMetrics wires a Collector into every breaker, coordinator, the
// mutation engine and, for the default cache, the cache listener.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.collector = c
	}
}

// WithJournal records mutations.
func WithJournal(j mutation.Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithIDGenerator overrides mutation ids.
func WithIDGenerator(g mutation.IDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithTimeout bounds each transport attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithSubscriptionURL sets the WebSocket endpoint used by Subscribe.
func WithSubscriptionURL(url string) Option {
	return func(o *options) {
		o.wsURL = url
	}
}

// WithCloser registers a resource closed by Client.Close, after the
// mutation worker has stopped.
func WithCloser(c io.Closer) Option {
	return func(o *options) {
		o.closers = append(o.closers, c)
	}
}

// New creates a Client for the deployment at baseURL and starts the
// mutation worker.
func New(baseURL string, opts ...Option) *Client {
	o := options{
		policy:   resilience.DefaultRetryPolicy(),
		breakers: make(map[transport.Kind]resilience.BreakerConfig),
		timeout:  mutation.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.transport == nil {
		o.transport = transport.NewHTTP()
	}
	if o.cache == nil {
		var copts []cache.MemoryOption
		if o.collector != nil {
			copts = append(copts, cache.WithListener(o.collector.ObserveCacheEvent))
		}
		o.cache = cache.NewMemory(copts...)
	}

	c := &Client{
		baseURL:      baseURL,
		wsURL:        o.wsURL,
		transport:    o.transport,
		cache:        o.cache,
		timeout:      o.timeout,
		coordinators: make(map[transport.Kind]*resilience.Coordinator, len(Kinds)),
		stopped:      make(chan struct{}),
		closers:      o.closers,
	}

	for _, kind := range Kinds {
		c.coordinators[kind] = newCoordinator(kind, o)
	}

	mopts := []mutation.Option{mutation.WithTimeout(o.timeout)}
	if o.journal != nil {
		mopts = append(mopts, mutation.WithJournal(o.journal))
	}
	if o.ids != nil {
		mopts = append(mopts, mutation.WithIDGenerator(o.ids))
	}
	if o.collector != nil {
		mopts = append(mopts, mutation.WithObserver(o.collector))
	}
	if o.clock != nil {
		mopts = append(mopts, mutation.WithNow(o.clock.Now))
	}
	c.engine = mutation.New(c.cache, c.transport, c.coordinators[transport.KindMutation], baseURL, mopts...)

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	go func() {
		defer close(c.stopped)
		if err := c.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("mutation worker stopped", "error", err)
		}
	}()

	slog.Debug("client created", "url", baseURL)
	return c
}

func newCoordinator(kind transport.Kind, o options) *resilience.Coordinator {
	bc, ok := o.breakers[kind]
	if !ok {
		bc = resilience.DefaultBreakerConfig(string(kind))
	}
	bc.Name = string(kind)
	if o.collector != nil {
		hook := bc.OnStateChange
		bc.OnStateChange = func(name string, from, to resilience.CircuitState) {
			o.collector.ObserveStateChange(name, from, to)
			if hook != nil {
				hook(name, from, to)
			}
		}
	}

	var copts []resilience.Option
	if o.clock != nil {
		copts = append(copts, resilience.WithClock(o.clock))
	}
	if o.collector != nil {
		copts = append(copts, resilience.WithObserver(o.collector))
	}
	return resilience.NewCoordinator(o.policy, resilience.NewCircuitBreaker(bc, o.clock), copts...)
}

// Query calls a query function and stores the result in the cache under
// cache.QueryKey(function, args). Concurrent identical queries share one
// request.
func (c *Client) Query(ctx context.Context, function string, args any) (wire.Value, error) {
	key, err := cache.QueryKey(function, args)
	if err != nil {
		return nil, err
	}

	ch := c.queries.DoChan(key, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		result, err := c.call(context.WithoutCancel(ctx), transport.KindQuery, function, args)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(context.WithoutCancel(ctx), key, result); err != nil {
			return nil, fmt.Errorf("cache query result: %w", err)
		}
		return result, nil
	})

	select {
	case <-ctx.Done():
		return nil, contextError(ctx)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		v, ok := res.Val.(wire.Value)
		if !ok {
			return nil, fmt.Errorf("unexpected query result type %T", res.Val)
		}
		return v, nil
	}
}

// Cached returns the cached result of function(args) without a request.
func (c *Client) Cached(ctx context.Context, function string, args any) (wire.Value, bool, error) {
	key, err := cache.QueryKey(function, args)
	if err != nil {
		return nil, false, err
	}
	return c.cache.Get(ctx, key)
}

// Mutation runs req through the optimistic mutation engine.
func (c *Client) Mutation(ctx context.Context, req mutation.Request) (wire.Value, error) {
	return c.engine.Execute(ctx, req)
}

// Action calls an action function. Results are not cached.
func (c *Client) Action(ctx context.Context, function string, args any) (wire.Value, error) {
	return c.call(ctx, transport.KindAction, function, args)
}

// DependsOn registers query functions invalidated when mutation succeeds.
func (c *Client) DependsOn(mutation string, queries ...string) {
	c.engine.DependsOn(mutation, queries...)
}

// Subscribe opens the WebSocket on first use and subscribes to
// function(args). Pushed values land in the cache.
func (c *Client) Subscribe(ctx context.Context, function string, args any) (*subscription.Subscription, error) {
	sc, err := c.subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	return sc.Subscribe(ctx, function, args)
}

func (c *Client) subscriptions(ctx context.Context) (*subscription.Client, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.wsURL == "" {
		return nil, errors.New("client: no subscription URL configured")
	}
	if c.subs != nil && c.subs.Err() == nil {
		return c.subs, nil
	}
	sc, err := subscription.Dial(ctx, c.wsURL, c.cache)
	if err != nil {
		return nil, err
	}
	c.subs = sc
	return sc, nil
}

// Cache returns the shared query cache.
func (c *Client) Cache() cache.Cache {
	return c.cache
}

// Breaker returns the circuit breaker for kind.
func (c *Client) Breaker(kind transport.Kind) *resilience.CircuitBreaker {
	if co, ok := c.coordinators[kind]; ok {
		return co.Breaker()
	}
	return nil
}

// BreakerStats returns a snapshot of every breaker, in Kinds order.
func (c *Client) BreakerStats() []resilience.BreakerStats {
	out := make([]resilience.BreakerStats, 0, len(Kinds))
	for _, kind := range Kinds {
		out = append(out, c.coordinators[kind].Breaker().Stats())
	}
	return out
}

// PendingMutations returns the number of queued mutations.
func (c *Client) PendingMutations() int {
	return c.engine.Pending()
}

// Close stops the mutation worker, failing queued mutations, closes the
// subscription connection and every registered closer.
func (c *Client) Close() error {
	var errs []error
	c.once.Do(func() {
		c.stop()
		<-c.stopped

		c.subMu.Lock()
		if c.subs != nil {
			errs = append(errs, c.subs.Close())
		}
		c.subMu.Unlock()

		for i := len(c.closers) - 1; i >= 0; i-- {
			errs = append(errs, c.closers[i].Close())
		}
	})
	return errors.Join(errs...)
}

// call runs one non-mutation request through kind's coordinator.
func (c *Client) call(ctx context.Context, kind transport.Kind, function string, args any) (wire.Value, error) {
	body, err := transport.EncodeCall(function, args)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "client."+string(kind),
		trace.WithAttributes(
			attribute.String("tether.kind", string(kind)),
			attribute.String("tether.function", function),
		),
	)
	defer span.End()

	url := kind.URL(c.baseURL)
	result, err := resilience.Execute(ctx, c.coordinators[kind], func(ctx context.Context) (wire.Value, error) {
		resp, err := c.transport.Send(ctx, transport.Request{URL: url, Body: body, Timeout: c.timeout})
		if err != nil {
			return nil, err
		}
		return transport.DecodeResult(resp)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Debug("call failed", "kind", string(kind), "function", function, "error", err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func contextError(ctx context.Context) error {
	return clienterr.Cancelled(ctx.Err())
}
