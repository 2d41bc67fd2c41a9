package cache

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/tether/internal/wire"
)

// Listener observes cache changes. It is called after the change is
// committed and the lock released, in commit order per goroutine.
type Listener func(Event)

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithListener registers a change listener.
func WithListener(l Listener) MemoryOption {
	return func(m *Memory) {
		m.listeners = append(m.listeners, l)
	}
}

// Memory is the in-process cache. Every single-key write and every
// multi-key restore is one critical section under mu, so readers see a
// key either before or after a change, never in between.
//
// Stored values are treated as immutable; callers must not modify a value
// after handing it to the cache or after reading it back.
type Memory struct {
	mu        sync.RWMutex
	entries   map[string]wire.Value
	listeners []Listener
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{entries: make(map[string]wire.Value)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) (wire.Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

// Lookup is Get without a context or error, for callers that know they hold
// a Memory.
func (m *Memory) Lookup(key string) (wire.Value, bool) {
	v, ok, _ := m.Get(context.Background(), key)
	return v, ok
}

// Set implements Cache. A nil v stores an explicit null.
func (m *Memory) Set(_ context.Context, key string, v wire.Value) error {
	if v == nil {
		v = wire.Null{}
	}
	m.mu.Lock()
	m.entries[key] = v
	m.mu.Unlock()

	m.emit(Event{Key: key, Value: v, Present: true})
	return nil
}

// Remove implements Cache.
func (m *Memory) Remove(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()

	if ok {
		m.emit(Event{Key: key})
	}
	return ok, nil
}

// Update implements Cache. fn runs under the write lock; if it panics the
// lock is released and the key is left untouched.
func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) (Snapshot, error) {
	snap, ev, changed := m.update(key, fn)
	if changed {
		m.emit(ev)
	}
	return snap, nil
}

func (m *Memory) update(key string, fn UpdateFunc) (Snapshot, Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[key]
	snap := Snapshot{Key: key, Original: cur, WasPresent: ok}
	next, keep := fn(cur, ok)
	if !keep {
		delete(m.entries, key)
		return snap, Event{Key: key}, ok
	}
	if next == nil {
		next = wire.Null{}
	}
	m.entries[key] = next
	return snap, Event{Key: key, Value: next, Present: true}, true
}

// Restore implements Cache.
func (m *Memory) Restore(_ context.Context, snaps ...Snapshot) error {
	events := make([]Event, 0, len(snaps))

	m.mu.Lock()
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		if !s.WasPresent {
			delete(m.entries, s.Key)
			events = append(events, Event{Key: s.Key})
			continue
		}
		m.entries[s.Key] = s.Original
		events = append(events, Event{Key: s.Key, Value: s.Original, Present: true})
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.emit(ev)
	}
	return nil
}

// RemovePrefix implements Cache.
func (m *Memory) RemovePrefix(_ context.Context, prefix string) (int, error) {
	var removed []string

	m.mu.Lock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			removed = append(removed, key)
		}
	}
	m.mu.Unlock()

	slices.Sort(removed)
	for _, key := range removed {
		m.emit(Event{Key: key})
	}
	return len(removed), nil
}

// Entries implements Cache.
func (m *Memory) Entries(_ context.Context) (map[string]wire.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.entries), nil
}

// Len returns the number of keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) emit(ev Event) {
	for _, l := range m.listeners {
		l(ev)
	}
}
