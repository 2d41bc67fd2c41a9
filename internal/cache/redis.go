package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/tether/internal/wire"
)

// maxWatchRetries bounds optimistic-lock retries in Update.
const maxWatchRetries = 8

// RedisOption configures a Redis cache.
type RedisOption func(*Redis)

// WithNamespace sets the key prefix (default "tether:cache:").
func WithNamespace(ns string) RedisOption {
	return func(r *Redis) {
		r.namespace = ns
	}
}

// WithChannel sets the pub/sub channel change events are published on
// (default "tether:changes"). An empty channel disables publishing.
func WithChannel(channel string) RedisOption {
	return func(r *Redis) {
		r.channel = channel
	}
}

// Redis is a Cache shared between processes. Values are stored as canonical
// wire text, and every change is published so other clients can follow it
// with Changes.
type Redis struct {
	rdb       *redis.Client
	namespace string
	channel   string
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:       rdb,
		namespace: "tether:cache:",
		channel:   "tether:changes",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return NewRedis(rdb, opts...), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) redisKey(key string) string {
	return r.namespace + key
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) (wire.Value, bool, error) {
	return getValue(ctx, r.rdb, r.redisKey(key))
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, v wire.Value) error {
	if v == nil {
		v = wire.Null{}
	}
	text, err := wire.Encode(v)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.redisKey(key), text, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	r.publish(ctx, Event{Key: key, Value: v, Present: true})
	return nil
}

// Remove implements Cache.
func (r *Redis) Remove(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Del(ctx, r.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %s: %w", key, err)
	}
	if n > 0 {
		r.publish(ctx, Event{Key: key})
	}
	return n > 0, nil
}

// Update implements Cache with WATCH/MULTI so the read-modify-write is
// atomic with respect to other clients.
func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) (Snapshot, error) {
	rk := r.redisKey(key)

	for i := 0; i < maxWatchRetries; i++ {
		var snap Snapshot
		var ev Event
		var changed bool

		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, ok, err := getValue(ctx, tx, rk)
			if err != nil {
				return err
			}
			snap = Snapshot{Key: key, Original: cur, WasPresent: ok}

			next, keep := fn(cur, ok)
			if keep && next == nil {
				next = wire.Null{}
			}
			var text string
			if keep {
				if text, err = wire.Encode(next); err != nil {
					return err
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if keep {
					pipe.Set(ctx, rk, text, 0)
				} else {
					pipe.Del(ctx, rk)
				}
				return nil
			})
			ev = Event{Key: key, Value: next, Present: keep}
			changed = keep || ok
			return err
		}, rk)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("redis update %s: %w", key, err)
		}
		if changed {
			r.publish(ctx, ev)
		}
		return snap, nil
	}
	return Snapshot{}, fmt.Errorf("redis update %s: too much contention after %d attempts", key, maxWatchRetries)
}

// Restore implements Cache in a single MULTI/EXEC transaction.
func (r *Redis) Restore(ctx context.Context, snaps ...Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	events := make([]Event, 0, len(snaps))
	texts := make([]string, len(snaps))
	for i, s := range snaps {
		if s.WasPresent {
			text, err := wire.Encode(s.Original)
			if err != nil {
				return err
			}
			texts[i] = text
		}
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := len(snaps) - 1; i >= 0; i-- {
			s := snaps[i]
			if !s.WasPresent {
				pipe.Del(ctx, r.redisKey(s.Key))
				events = append(events, Event{Key: s.Key})
				continue
			}
			pipe.Set(ctx, r.redisKey(s.Key), texts[i], 0)
			events = append(events, Event{Key: s.Key, Value: s.Original, Present: true})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis restore: %w", err)
	}

	for _, ev := range events {
		r.publish(ctx, ev)
	}
	return nil
}

// RemovePrefix implements Cache. Keys are found with SCAN, so the removal is
// not atomic with respect to concurrent writers.
func (r *Redis) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := r.scan(ctx, r.redisKey(escapeGlob(prefix))+"*")
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del prefix %s: %w", prefix, err)
	}
	for _, k := range keys {
		r.publish(ctx, Event{Key: strings.TrimPrefix(k, r.namespace)})
	}
	return int(n), nil
}

// Entries implements Cache.
func (r *Redis) Entries(ctx context.Context) (map[string]wire.Value, error) {
	keys, err := r.scan(ctx, escapeGlob(r.namespace)+"*")
	if err != nil {
		return nil, err
	}
	out := make(map[string]wire.Value, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	texts, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, raw := range texts {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		v, err := wire.Decode(text)
		if err != nil {
			return nil, fmt.Errorf("cache entry %s: %w", keys[i], err)
		}
		out[strings.TrimPrefix(keys[i], r.namespace)] = v
	}
	return out, nil
}

// Changes subscribes to change events published by every Redis cache on
// the same channel. The returned channel is closed when ctx is done.
func (r *Redis) Changes(ctx context.Context) (<-chan Event, error) {
	if r.channel == "" {
		return nil, errors.New("redis cache: change channel disabled")
	}
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEvent(msg.Payload)
				if err != nil {
					slog.Warn("dropping malformed cache event", "channel", r.channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (r *Redis) publish(ctx context.Context, ev Event) {
	if r.channel == "" {
		return
	}
	payload, err := encodeEvent(ev)
	if err != nil {
		slog.Warn("cannot encode cache event", "key", ev.Key, "error", err)
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		slog.Warn("cannot publish cache event", "key", ev.Key, "error", err)
	}
}

// getter is the part of *redis.Client and *redis.Tx that getValue needs.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getValue(ctx context.Context, c getter, rk string) (wire.Value, bool, error) {
	text, err := c.Get(ctx, rk).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", rk, err)
	}
	v, err := wire.Decode(text)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// encodeEvent renders an event as wire text: {"key":…,"present":…,"value":…}.
func encodeEvent(ev Event) (string, error) {
	obj := wire.Object{
		"key":     wire.String(ev.Key),
		"present": wire.Bool(ev.Present),
	}
	if ev.Present {
		obj["value"] = ev.Value
	}
	return wire.Encode(obj)
}

func decodeEvent(text string) (Event, error) {
	v, err := wire.Decode(text)
	if err != nil {
		return Event{}, err
	}
	obj, ok := v.(wire.Object)
	if !ok {
		return Event{}, fmt.Errorf("cache event is %T, want object", v)
	}
	keyVal, _ := obj.Get("key")
	key, err := wire.AsString(keyVal)
	if err != nil {
		return Event{}, fmt.Errorf("cache event key: %w", err)
	}
	present, _ := obj.Get("present")
	ev := Event{Key: key, Present: present == wire.Bool(true)}
	if ev.Present {
		ev.Value, _ = obj.Get("value")
	}
	return ev, nil
}

// escapeGlob escapes Redis MATCH metacharacters.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
