// Package engine is the stream-gated policy activation engine.
//
// It mints policy records, answers activation queries, and turns ledger
// stream notifications into activation decisions.
//
// NOTIFICATION HANDLING:
//
// created / updated:
//  1. Find the payer's policies (none: UnknownPolicy).
//  2. Lock them by id, ascending.
//  3. Evaluate each against the payer's aggregate rate.
//  4. Deliver transitions to every link.
//  5. Commit evaluations and transition events.
//
// A link failure in step 4 aborts before step 5, so the ledger can retry
// and the same transition is detected again. Links that already accepted
// the change are sent a compensating change.
//
// terminated:
//
// Never fails. The rate is taken as 0, evaluations are committed first,
// and links are notified afterwards on a best-effort basis. Every failure
// (lock, store, link, panic) is recorded on the Outcome and logged.
//
// SERIALIZATION:
//
// Mutations of one policy are serialized through lock.Locker with key
// "policy:<id>". Run plus Submit adds a single-writer loop so that
// notifications from the HTTP surface run to completion one at a time.
// Store writes are additionally guarded by LastEvaluatedSeq, so an
// evaluation can never overwrite a newer one.
package engine
