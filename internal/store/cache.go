package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/wire"
)

// SaveCache replaces the persisted cache with the current contents of c.
// Returns the number of entries written.
func (s *Store) SaveCache(ctx context.Context, c cache.Cache) (int, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("read cache: %w", err)
	}

	encoded := make(map[string]string, len(entries))
	for key, v := range entries {
		text, err := wire.Encode(v)
		if err != nil {
			return 0, fmt.Errorf("encode cache entry %q: %w", key, err)
		}
		encoded[key] = text
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
			return fmt.Errorf("clear cache entries: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO cache_entries (key, value) VALUES (?, ?)")
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for key, text := range encoded {
			if _, err := stmt.ExecContext(ctx, key, text); err != nil {
				return fmt.Errorf("insert cache entry %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(encoded), nil
}

// LoadCache writes every persisted entry into c, in key order.
// Entries that no longer decode are skipped with a warning.
// Returns the number of entries loaded.
func (s *Store) LoadCache(ctx context.Context, c cache.Cache) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value
		FROM cache_entries
		ORDER BY key COLLATE BINARY ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("query cache entries: %w", err)
	}
	defer rows.Close()

	type pair struct {
		key string
		val wire.Value
	}
	var loaded []pair
	for rows.Next() {
		var key, text string
		if err := rows.Scan(&key, &text); err != nil {
			return 0, fmt.Errorf("scan cache entry: %w", err)
		}
		v, err := wire.Decode(text)
		if err != nil {
			slog.Warn("skipping undecodable cache entry", "key", key, "error", err)
			continue
		}
		loaded = append(loaded, pair{key, v})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate cache entries: %w", err)
	}

	for _, p := range loaded {
		if err := c.Set(ctx, p.key, p.val); err != nil {
			return 0, fmt.Errorf("restore cache entry %q: %w", p.key, err)
		}
	}
	return len(loaded), nil
}
