package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/store"
	"github.com/roach88/tether/internal/transport"
)

// FromConfig builds a Client from a validated config: the HTTP transport
// with its rate limit, the Redis cache when RedisAddr is set, and the
// SQLite journal when JournalPath is set. Extra opts are applied last.
func FromConfig(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}

	var topts []transport.Option
	if cfg.RateLimit.RPS > 0 {
		topts = append(topts, transport.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	base := []Option{
		WithTransport(transport.NewHTTP(topts...)),
		WithRetryPolicy(policy),
		WithTimeout(time.Duration(cfg.Timeout)),
		WithSubscriptionURL(cfg.WebSocketURL()),
	}
	for _, kind := range Kinds {
		base = append(base, WithBreaker(kind, cfg.BreakerConfig(string(kind))))
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	if cfg.RedisAddr != "" {
		rc, err := cache.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		closers = append(closers, rc.Close)
		base = append(base, WithCache(rc), WithCloser(rc))
	}

	if cfg.JournalPath != "" {
		st, err := store.Open(cfg.JournalPath)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("journal: %w", err)
		}
		n, err := st.AbandonPending(ctx)
		if err != nil {
			st.Close()
			cleanup()
			return nil, fmt.Errorf("journal: %w", err)
		}
		if n > 0 {
			slog.Warn("abandoned pending mutations from previous run", "count", n)
		}
		base = append(base, WithJournal(st), WithCloser(st))
	}

	return New(cfg.URL, append(base, opts...)...), nil
}
