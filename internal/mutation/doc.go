// Package mutation executes backend mutations with optimistic cache updates.
//
// A mutation's optimistic updates are applied to the cache exactly once,
// before the first attempt, after capturing a snapshot of every touched key.
// The remote call then runs under a resilience.Coordinator. On success the
// snapshots are discarded and the authoritative result may be written over
// the optimistic guess; on a terminal failure the snapshots are restored in
// reverse order as one atomic cache step before the error callback runs.
//
// Mutations submitted to one Engine run one at a time in submission order,
// so the optimistic state of a later mutation always builds on the state an
// earlier one left behind. Request.Bypass opts a mutation out of the queue.
//
// Callback order on every path:
//
//	success: OnSuccess -> invalidation -> UpdateFromResult -> OnCleanup
//	failure: rollback -> OnError -> OnCleanup
//
// OnCleanup runs exactly once, even when another callback panics; the panic
// is re-raised afterwards.
package mutation
