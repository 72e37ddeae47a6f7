// Package policy defines the value types shared by every flowguard layer:
// policy records, accounts, flow rates, activation states and the
// append-only events written when a record changes.
//
// Records are plain values. Nothing in this package mutates state; the
// engine decides transitions and the store persists them.
//
// Event identity is content-addressed. Event payloads are serialised with
// RFC 8785 canonical JSON (see canonical.go) and hashed with SHA-256 under a
// versioned domain prefix (see hash.go), so an event replayed from the log
// always carries the same ID.
package policy
