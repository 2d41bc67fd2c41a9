// Package resilience wraps remote operations with retry-with-backoff and a
// circuit breaker.
//
// The Coordinator is unaware of mutations, caching and the wire codec. It
// only sees an operation that returns a value or an error, a RetryPolicy
// that decides whether and when to try again, and a CircuitBreaker shared by
// every call to the same endpoint.
//
// Execution loop (one logical operation):
//
//  1. Caller cancellation is checked, then the breaker gate. An open breaker
//     whose break duration has not elapsed fails with CIRCUIT_OPEN without
//     invoking the operation; an elapsed one moves to half-open.
//  2. The operation runs.
//  3. Success is recorded on the breaker and returned.
//  4. A service-impacting failure is recorded on the breaker. If the policy
//     says the error is retryable and attempts remain, the coordinator waits
//     the backoff delay (cancellable) and goes back to step 1, so a breaker
//     that opened mid-sequence is honored.
//
// Retries of one operation are strictly sequential. Concurrent operations
// share the breaker, which serializes its bookkeeping behind one mutex.
//
// Half-open policy: the breaker closes after SuccessThreshold consecutive
// half-open successes and reopens on any half-open failure. A threshold of 1
// is the simpler "close on first success" policy.
package resilience
