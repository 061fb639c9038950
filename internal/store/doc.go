// Package store provides SQLite-backed durable storage for replicated records
// and processed permission state.
//
// The store holds:
//   - Records: every accepted record, data or system, keyed by identity
//   - Cancellation status: a nullable canceller key on each stored record
//   - Grants: the current state of each (subject, type, permission) tuple
//
// # Invariants
//
// Identity: UNIQUE(author, family, global_time). cancel-own and cancel-other
// share the "cancel" family, so at most one cancel per (author, global_time)
// is ever stored. InsertRecord reports duplicates via inserted=false.
//
// Append-only: records are never deleted or rewritten. The cancellation
// columns are the only mutable part and change only through SetCancellation,
// a compare-and-set on the current canceller.
//
// Ordering: queries order by seq (local arrival) or global_time, with
// COLLATE BINARY tie-breaks. Wall-clock time is never stored.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
