// Package store provides SQLite-backed durable storage for the client:
// the mutation journal and an on-disk copy of the query cache.
//
// The store keeps two tables:
//   - mutations: one row per mutation, written pending and finished as
//     confirmed, rolled_back or failed
//   - cache_entries: query results keyed by cache key, stored as
//     canonical wire text
//
// # Deterministic Reads
//
// Every list query orders by a stable column and breaks ties with
// id COLLATE BINARY, so two reads of the same data return identical rows.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Store implements mutation.Journal, so an engine built WithJournal(store)
// records every mutation it runs.
package store
