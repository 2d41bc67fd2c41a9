package mutation

import (
	"time"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/wire"
)

// Update is one optimistic change: Apply computes a key's speculative value
// from its current one. Returning keep=false removes the key. Apply runs in
// the cache's critical section and must not touch the cache itself.
type Update struct {
	Key   string
	Apply cache.UpdateFunc
}

// ResultUpdate writes the confirmed result into a key after success.
type ResultUpdate struct {
	Key   string
	Apply func(current wire.Value, present bool, result wire.Value) (next wire.Value, keep bool)
}

// Request describes one mutation.
type Request struct {
	// Function is the backend function path, e.g. "todos:add".
	Function string

	// Args is the argument object; anything wire.ToValue accepts. Nil is {}.
	Args any

	// Optimistic updates are applied in order before the first attempt.
	Optimistic []Update

	// UpdateFromResult replaces the optimistic guess with the result.
	UpdateFromResult []ResultUpdate

	// OnSuccess receives the decoded result.
	OnSuccess func(result wire.Value)

	// OnError receives the terminal error, after any rollback.
	OnError func(err error)

	// OnCleanup runs once after everything else, on every path.
	OnCleanup func()

	// RollbackOn limits rollback to errors of this kind or a more specific
	// one. Empty means roll back on every failure.
	RollbackOn clienterr.Kind

	// Bypass skips the FIFO queue and runs on the caller's goroutine.
	Bypass bool

	// Timeout bounds each attempt. Zero uses the engine default.
	Timeout time.Duration
}

// shouldRollback reports whether err triggers rollback under req's scope.
func (r Request) shouldRollback(err error) bool {
	if r.RollbackOn == "" {
		return true
	}
	return clienterr.KindOf(err).Is(r.RollbackOn)
}

// keys lists the keys touched by optimistic updates, in application order.
func (r Request) keys() []string {
	keys := make([]string, 0, len(r.Optimistic))
	seen := make(map[string]bool, len(r.Optimistic))
	for _, u := range r.Optimistic {
		if !seen[u.Key] {
			seen[u.Key] = true
			keys = append(keys, u.Key)
		}
	}
	return keys
}

// Set returns an update that stores v under key.
func Set(key string, v wire.Value) Update {
	return Update{Key: key, Apply: func(wire.Value, bool) (wire.Value, bool) {
		return v, true
	}}
}

// Remove returns an update that deletes key.
func Remove(key string) Update {
	return Update{Key: key, Apply: func(wire.Value, bool) (wire.Value, bool) {
		return nil, false
	}}
}

// Append returns an update that appends item to the array under key,
// creating the array when the key is absent or not an array.
func Append(key string, item wire.Value) Update {
	return Update{Key: key, Apply: func(cur wire.Value, present bool) (wire.Value, bool) {
		arr, _ := cur.(wire.Array)
		next := make(wire.Array, 0, len(arr)+1)
		next = append(next, arr...)
		return append(next, item), true
	}}
}

// StoreResult returns a result update that stores the result under key.
func StoreResult(key string) ResultUpdate {
	return ResultUpdate{Key: key, Apply: func(_ wire.Value, _ bool, result wire.Value) (wire.Value, bool) {
		return result, true
	}}
}

// ReplaceItem returns a result update that swaps placeholder for the result
// in the array under key, appending the result if the placeholder is gone.
func ReplaceItem(key string, placeholder wire.Value) ResultUpdate {
	return ResultUpdate{Key: key, Apply: func(cur wire.Value, _ bool, result wire.Value) (wire.Value, bool) {
		arr, _ := cur.(wire.Array)
		next := make(wire.Array, 0, len(arr)+1)
		replaced := false
		for _, item := range arr {
			if !replaced && wire.Equal(item, placeholder) {
				next = append(next, result)
				replaced = true
				continue
			}
			next = append(next, item)
		}
		if !replaced {
			next = append(next, result)
		}
		return next, true
	}}
}
