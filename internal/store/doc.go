// Package store provides durable storage for policy records and their
// append-only event log.
//
// Two implementations satisfy Store:
//   - SQL: database/sql over SQLite (mattn/go-sqlite3) or Postgres (lib/pq)
//   - Memory: an in-process arena indexed by policy id
//
// # Identity and ordering
//
// Policy ids and event seqs are allocated from the counters table inside the
// writing transaction, so they are never reused and stay unique when several
// engine replicas share one Postgres database. Reads are ordered by id or
// seq, never by wall time.
//
// # Concurrency
//
// Update runs fn inside a single transaction. fn must only touch the store
// through the Tx it is handed. Serialising evaluations of the same policy is
// the caller's job (see internal/lock); UpdateEvaluation additionally refuses
// to move last_evaluated_seq backwards and reports ErrStale.
//
// # SQLite configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
