// Package storage persists reminders, patients and the dispatch audit trail.
//
// Drivers:
//   - memory: in-process maps (tests, dry runs)
//   - file: memory plus a JSON snapshot and a JSONL outcome journal
//   - sqlite: single database file
//   - postgres: shared database for multiple worker processes
//
// Claim is the only write on the dispatch hot path. Every driver implements it
// as one compare-and-set so concurrent workers cannot both win.
package storage
