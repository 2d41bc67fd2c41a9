// Package cache holds decoded query results keyed by function name and
// canonical arguments.
//
// The mutation engine writes optimistic values into the cache and rolls them
// back from snapshots; subscriptions and queries write authoritative results
// into the same keys. Absence and an explicit null are distinct states.
package cache

import (
	"context"

	"github.com/roach88/tether/internal/wire"
)

// Snapshot records a key's state before its first optimistic write.
type Snapshot struct {
	Key        string
	Original   wire.Value
	WasPresent bool
}

// Event describes one change to a key. Present is false for removals.
type Event struct {
	Key     string
	Value   wire.Value
	Present bool
}

// UpdateFunc computes a key's next state from its current one. Returning
// keep=false removes the key. It runs inside the cache's critical section
// and must not call back into the cache.
type UpdateFunc func(current wire.Value, present bool) (next wire.Value, keep bool)

// Cache is the query-result store shared by queries, subscriptions and
// mutations.
type Cache interface {
	// Get returns the value under key and whether it is present.
	Get(ctx context.Context, key string) (wire.Value, bool, error)

	// Set stores v under key.
	Set(ctx context.Context, key string, v wire.Value) error

	// Remove deletes key and reports whether it was present.
	Remove(ctx context.Context, key string) (bool, error)

	// Update atomically snapshots key and applies fn to it.
	Update(ctx context.Context, key string, fn UpdateFunc) (Snapshot, error)

	// Restore puts every snapshot back in reverse order as one atomic step:
	// absent keys are removed, present keys get their original value.
	Restore(ctx context.Context, snaps ...Snapshot) error

	// RemovePrefix deletes every key starting with prefix and returns the count.
	RemovePrefix(ctx context.Context, prefix string) (int, error)

	// Entries returns a copy of every key and value.
	Entries(ctx context.Context) (map[string]wire.Value, error)
}

// QueryKey derives the cache key for a function call: the function name,
// a colon, and the canonical encoding of args. Nil args encode as {}.
func QueryKey(function string, args any) (string, error) {
	if args == nil {
		args = wire.Object{}
	}
	encoded, err := wire.Encode(args)
	if err != nil {
		return "", err
	}
	return FunctionPrefix(function) + encoded, nil
}

// MustQueryKey is QueryKey for arguments known to be encodable.
func MustQueryKey(function string, args any) string {
	key, err := QueryKey(function, args)
	if err != nil {
		panic(err)
	}
	return key
}

// FunctionPrefix is the prefix shared by every QueryKey of function.
func FunctionPrefix(function string) string {
	return function + ":"
}

// FunctionOf returns the function name part of a QueryKey. Function names
// may contain colons, so the split is at the first colon whose remainder is
// valid wire text.
func FunctionOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] != ':' {
			continue
		}
		if _, err := wire.Decode(key[i+1:]); err == nil {
			return key[:i]
		}
	}
	return key
}
