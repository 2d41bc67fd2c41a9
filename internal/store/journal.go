package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/wire"
)

// ErrNotFound is returned when a journal entry does not exist.
var ErrNotFound = errors.New("store: not found")

var _ mutation.Journal = (*Store)(nil)

// Begin records a pending mutation.
// Idempotent: a second Begin with the same ID is a no-op.
func (s *Store) Begin(ctx context.Context, e mutation.Entry) error {
	keys, err := encodeKeys(e.Keys)
	if err != nil {
		return err
	}
	args := e.Args
	if args == "" {
		args = "{}"
	}
	status := e.Status
	if status == "" {
		status = mutation.StatusPending
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mutations (id, function, args, keys, status, error_kind, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.Function, args, keys, string(status), e.ErrorKind, e.Error,
		created.UnixNano(), updated.UnixNano())
	if err != nil {
		return fmt.Errorf("insert mutation %s: %w", e.ID, err)
	}
	return nil
}

// Finish moves a mutation to its terminal status and records cause.
// Returns ErrNotFound if Begin never ran for id.
func (s *Store) Finish(ctx context.Context, id string, status mutation.Status, cause error) error {
	var kind, msg string
	if cause != nil {
		kind = string(clienterr.KindOf(cause))
		msg = cause.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET status = ?, error_kind = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), kind, msg, s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update mutation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update mutation %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetMutation returns a single journal entry.
func (s *Store) GetMutation(ctx context.Context, id string) (mutation.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, function, args, keys, status, error_kind, error, created_at, updated_at
		FROM mutations
		WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mutation.Entry{}, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	return e, err
}

// ListFilter narrows ListMutations. Zero fields match everything.
type ListFilter struct {
	Status   mutation.Status
	Function string
	Limit    int
}

// ListMutations returns journal entries oldest first.
// Ordering: ORDER BY created_at ASC, id COLLATE BINARY ASC.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListMutations(ctx context.Context, f ListFilter) ([]mutation.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Function != "" {
		where = append(where, "function = ?")
		args = append(args, f.Function)
	}

	query := `
		SELECT id, function, args, keys, status, error_kind, error, created_at, updated_at
		FROM mutations`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY created_at ASC, id COLLATE BINARY ASC"
	if f.Limit > 0 {
		query += "\n\t\tLIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	entries := []mutation.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return entries, nil
}

// AbandonPending marks every pending mutation failed. A pending row left
// behind by a previous process can never be confirmed; call this on startup.
// Returns the number of rows changed.
func (s *Store) AbandonPending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET status = ?, error_kind = ?, error = ?, updated_at = ?
		WHERE status = ?
	`, string(mutation.StatusFailed), string(clienterr.KindCancelled), "abandoned by previous process",
		s.now().UnixNano(), string(mutation.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("abandon pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("abandon pending: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (mutation.Entry, error) {
	var (
		e                mutation.Entry
		keys, status     string
		created, updated int64
	)
	err := row.Scan(&e.ID, &e.Function, &e.Args, &keys, &status, &e.ErrorKind, &e.Error, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan mutation: %w", err)
	}
	e.Status = mutation.Status(status)
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	if e.Keys, err = decodeKeys(keys); err != nil {
		return e, fmt.Errorf("mutation %s: %w", e.ID, err)
	}
	return e, nil
}

func encodeKeys(keys []string) (string, error) {
	arr := make(wire.Array, len(keys))
	for i, k := range keys {
		arr[i] = wire.String(k)
	}
	text, err := wire.Encode(arr)
	if err != nil {
		return "", fmt.Errorf("encode keys: %w", err)
	}
	return text, nil
}

func decodeKeys(text string) ([]string, error) {
	v, err := wire.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	arr, ok := v.(wire.Array)
	if !ok {
		return nil, fmt.Errorf("decode keys: expected array, got %T", v)
	}
	keys := make([]string, 0, len(arr))
	for _, item := range arr {
		k, err := wire.AsString(item)
		if err != nil {
			return nil, fmt.Errorf("decode keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
