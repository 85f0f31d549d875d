/*
Package storage provides the key/value store behind Warlock's KV commands and
the persistent rate limiter.

Two implementations satisfy Store:

	┌──────────────────── STORAGE ─────────────────────────────┐
	│                                                           │
	│  BoltStore (bbolt)              MemoryStore               │
	│  - single file, flock held      - map per namespace       │
	│  - root bucket "warlock"        - lost on restart         │
	│    └─ one bucket per namespace                            │
	│  - values copied out of tx                                │
	└───────────────────────────────────────────────────────────┘

Values are opaque bytes; the kv package stores a JSON envelope carrying the
value and its expiry. Namespaces are created on first write and disappear
when cleared.

Opening a BoltStore whose file is locked by another process fails with
ErrLocked after BoltOptions.LockTimeout. Stores that implement Locker and
report Exclusive are safe for read-modify-write from this process; the rate
limiter refuses any other store.
*/
package storage
