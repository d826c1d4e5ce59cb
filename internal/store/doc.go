// Package store holds the consumer service's mutable state behind small
// interfaces: idempotency records, per-scope fence tokens, the execution
// receipt store, and the append-only consistency log.
//
// The in-memory implementations here are what the daemon runs with today;
// the interfaces exist so a durable backend can replace them without
// touching handler logic. Locking is local to one key, one scope, or one
// txid; nothing here serializes unrelated work.
package store
