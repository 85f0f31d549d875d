package storage

import "errors"

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrLocked is returned when the database is held by another process.
	ErrLocked = errors.New("database is locked by another process")

	// ErrReadOnly is returned by writes on a read-only store.
	ErrReadOnly = errors.New("store is read-only")
)

// Store defines the namespaced key/value storage used by the KV command
// layer and the persistent rate limiter backend. Values are opaque bytes.
type Store interface {
	Get(namespace, key string) ([]byte, error)
	Set(namespace, key string, value []byte) error
	Has(namespace, key string) (bool, error)
	Delete(namespace, key string) (bool, error)

	// ForEach calls fn for every key of namespace in key order. Returning an
	// error from fn stops the iteration and is returned.
	ForEach(namespace string, fn func(key string, value []byte) error) error

	// Clear removes every key of namespace.
	Clear(namespace string) error

	// Namespaces lists the namespaces holding at least one key.
	Namespaces() ([]string, error)

	Close() error
}

// Locker is implemented by stores that guarantee exclusive write access for
// this process.
type Locker interface {
	Exclusive() bool
}
