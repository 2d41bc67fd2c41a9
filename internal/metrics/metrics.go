// Package metrics exports client activity as Prometheus metrics.
//
// A Collector implements resilience.Observer and mutation.Observer, and its
// ObserveStateChange and ObserveCacheEvent methods plug into
// resilience.BreakerConfig.OnStateChange and cache.WithListener. Each
// Collector owns its registry so tests and embedders never collide on the
// global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/resilience"
)

const namespace = "tether"

var (
	_ resilience.Observer = (*Collector)(nil)
	_ mutation.Observer   = (*Collector)(nil)
)

// Collector holds every client metric.
type Collector struct {
	registry *prometheus.Registry

	// attempts counts transport attempts.
	// Labels: endpoint, outcome (success or the error kind)
	attempts *prometheus.CounterVec

	// retries counts scheduled retries.
	// Labels: endpoint
	retries *prometheus.CounterVec

	// retryDelay observes the backoff before each retry.
	// Labels: endpoint
	retryDelay *prometheus.HistogramVec

	// rejections counts calls refused by an open breaker.
	// Labels: endpoint
	rejections *prometheus.CounterVec

	// breakerState is 0 closed, 1 open, 2 half-open.
	// Labels: breaker
	breakerState *prometheus.GaugeVec

	// breakerTransitions counts state changes.
	// Labels: breaker, from, to
	breakerTransitions *prometheus.CounterVec

	// mutations counts finished mutations.
	// Labels: function, outcome (confirmed, rolled_back, failed)
	mutations *prometheus.CounterVec

	// mutationDuration observes time from submission to outcome.
	// Labels: function
	mutationDuration *prometheus.HistogramVec

	// rollbacks counts rollbacks; rolledBackKeys counts keys restored.
	// Labels: function
	rollbacks      *prometheus.CounterVec
	rolledBackKeys *prometheus.CounterVec

	// cacheEvents counts cache writes.
	// Labels: function, op (set, remove)
	cacheEvents *prometheus.CounterVec
}

// New creates a Collector registered on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "attempts_total",
			Help:      "Transport attempts by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Retries scheduled by endpoint",
		}, []string{"endpoint"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay before each retry",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2, 6.4, 10},
		}, []string{"endpoint"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls rejected while the circuit was open",
		}, []string{"endpoint"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit state: 0 closed, 1 open, 2 half-open",
		}, []string{"breaker"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit state transitions",
		}, []string{"breaker", "from", "to"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "total",
			Help:      "Finished mutations by outcome",
		}, []string{"function", "outcome"}),
		mutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "duration_seconds",
			Help:      "Mutation latency from submission to outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "rollbacks_total",
			Help:      "Optimistic updates rolled back",
		}, []string{"function"}),
		rolledBackKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "rolled_back_keys_total",
			Help:      "Cache keys restored by rollbacks",
		}, []string{"function"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Cache writes by query function and operation",
		}, []string{"function", "op"}),
	}

	c.registry.MustRegister(
		c.attempts, c.retries, c.retryDelay, c.rejections,
		c.breakerState, c.breakerTransitions,
		c.mutations, c.mutationDuration, c.rollbacks, c.rolledBackKeys,
		c.cacheEvents,
	)
	return c
}

// Registry returns the Collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt implements resilience.Observer.
func (c *Collector) ObserveAttempt(endpoint string, _ int, err error) {
	c.attempts.WithLabelValues(endpoint, outcomeOf(err)).Inc()
}

// ObserveRetry implements resilience.Observer.
func (c *Collector) ObserveRetry(endpoint string, _ int, delay time.Duration) {
	c.retries.WithLabelValues(endpoint).Inc()
	c.retryDelay.WithLabelValues(endpoint).Observe(delay.Seconds())
}

// ObserveRejected implements resilience.Observer.
func (c *Collector) ObserveRejected(endpoint string) {
	c.rejections.WithLabelValues(endpoint).Inc()
}

// ObserveStateChange matches resilience.BreakerConfig.OnStateChange.
func (c *Collector) ObserveStateChange(name string, from, to resilience.CircuitState) {
	c.breakerState.WithLabelValues(name).Set(float64(to))
	c.breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// ObserveMutation implements mutation.Observer.
func (c *Collector) ObserveMutation(function string, outcome string, elapsed time.Duration) {
	c.mutations.WithLabelValues(function, outcome).Inc()
	c.mutationDuration.WithLabelValues(function).Observe(elapsed.Seconds())
}

// ObserveRollback implements mutation.Observer.
func (c *Collector) ObserveRollback(function string, keys int) {
	c.rollbacks.WithLabelValues(function).Inc()
	c.rolledBackKeys.WithLabelValues(function).Add(float64(keys))
}

// ObserveCacheEvent matches cache.Listener.
func (c *Collector) ObserveCacheEvent(e cache.Event) {
	op := "set"
	if !e.Present {
		op = "remove"
	}
	c.cacheEvents.WithLabelValues(cache.FunctionOf(e.Key), op).Inc()
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	if kind := clienterr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "unknown"
}
