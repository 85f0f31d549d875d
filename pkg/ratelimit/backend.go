package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warlock/pkg/storage"
)

var (
	// ErrLockingUnsupported is returned at construction when the store cannot
	// guarantee exclusive read-modify-write access.
	ErrLockingUnsupported = errors.New("rate limiter backend does not support locking")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("rate limiter backend is shut down")
)

// Record is the hit log of one identifier, in unix seconds, oldest first.
type Record struct {
	Identifier string  `json:"identifier"`
	Log        []int64 `json:"log"`
}

// Backend stores sliding-window hit logs.
type Backend interface {
	// Get returns the record with entries older than the window dropped.
	Get(identifier string) (Record, error)

	// Check is Get followed by appending the current time. It counts a hit.
	Check(identifier string) (Record, error)

	// Set replaces the record held for rec.Identifier.
	Set(rec Record) error

	// Remove forgets the identifier, in memory and in the store.
	Remove(identifier string) error

	// Shutdown flushes every touched record to the store once.
	Shutdown() error
}

// Options configures a StoreBackend.
type Options struct {
	Window time.Duration

	// Namespace holds the records in the store. Defaults to "ratelimit".
	Namespace string

	// CompactAfter is the backend age after which Shutdown also deletes
	// fully expired records from the store. Zero disables compaction.
	CompactAfter time.Duration
}

// StoreBackend keeps records in an in-memory index and persists them to a
// storage.Store on Shutdown.
type StoreBackend struct {
	mu        sync.Mutex
	store     storage.Store
	window    int64
	namespace string
	compact   time.Duration
	created   time.Time
	index     map[string]Record
	closed    bool
	now       func() time.Time
}

// NewStoreBackend creates a backend on store. The store must implement
// storage.Locker and report exclusive access.
func NewStoreBackend(store storage.Store, opts Options) (*StoreBackend, error) {
	locker, ok := store.(storage.Locker)
	if !ok || !locker.Exclusive() {
		return nil, ErrLockingUnsupported
	}
	if opts.Window < time.Second {
		return nil, fmt.Errorf("rate limit window must be at least 1s, got %s", opts.Window)
	}
	if opts.Namespace == "" {
		opts.Namespace = "ratelimit"
	}
	return &StoreBackend{
		store:     store,
		window:    int64(opts.Window / time.Second),
		namespace: opts.Namespace,
		compact:   opts.CompactAfter,
		created:   time.Now(),
		index:     make(map[string]Record),
		now:       time.Now,
	}, nil
}

// NewMemoryBackend creates a backend whose records live only in memory.
func NewMemoryBackend(window time.Duration) (*StoreBackend, error) {
	return NewStoreBackend(storage.NewMemoryStore(), Options{Window: window})
}

func (b *StoreBackend) Get(identifier string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(identifier)
}

func (b *StoreBackend) Check(identifier string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.get(identifier)
	if err != nil {
		return Record{}, err
	}
	rec.Log = append(rec.Log, b.now().Unix())
	b.index[identifier] = rec
	return cloneRecord(rec), nil
}

func (b *StoreBackend) Set(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.index[rec.Identifier] = cloneRecord(rec)
	return nil
}

func (b *StoreBackend) Remove(identifier string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.index, identifier)
	if _, err := b.store.Delete(b.namespace, identifier); err != nil {
		return fmt.Errorf("failed to remove rate limit record %s: %w", identifier, err)
	}
	return nil
}

// Shutdown flushes the index and, when the backend is older than
// CompactAfter, deletes stored records whose whole log has expired.
func (b *StoreBackend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for id, rec := range b.index {
		var err error
		if len(rec.Log) == 0 {
			_, err = b.store.Delete(b.namespace, id)
		} else {
			err = b.save(rec)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to flush rate limit record %s: %w", id, err))
		}
	}

	if b.compact > 0 && b.now().Sub(b.created) >= b.compact {
		if err := b.compactStore(); err != nil {
			errs = append(errs, err)
		}
	}
	b.index = nil
	return errors.Join(errs...)
}

// Sweep prunes every indexed record in memory and forgets the ones whose
// log is empty, deleting their stored copy. Live records are only written
// by Shutdown. It returns the number of records dropped.
func (b *StoreBackend) Sweep() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	cutoff := b.now().Unix() - b.window
	dropped := 0
	var errs []error
	for id, rec := range b.index {
		rec.Log = prune(rec.Log, cutoff)
		if len(rec.Log) > 0 {
			b.index[id] = rec
			continue
		}
		delete(b.index, id)
		if _, err := b.store.Delete(b.namespace, id); err != nil {
			errs = append(errs, fmt.Errorf("failed to drop rate limit record %s: %w", id, err))
		}
		dropped++
	}
	return dropped, errors.Join(errs...)
}

func (b *StoreBackend) get(identifier string) (Record, error) {
	if b.closed {
		return Record{}, ErrClosed
	}
	rec, ok := b.index[identifier]
	if !ok {
		loaded, err := b.load(identifier)
		if err != nil {
			return Record{}, err
		}
		rec = loaded
	}
	rec.Log = prune(rec.Log, b.now().Unix()-b.window)
	b.index[identifier] = rec
	return cloneRecord(rec), nil
}

func (b *StoreBackend) load(identifier string) (Record, error) {
	rec := Record{Identifier: identifier}
	data, err := b.store.Get(b.namespace, identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("failed to load rate limit record %s: %w", identifier, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record only loses its hit history.
		return Record{Identifier: identifier}, nil
	}
	rec.Identifier = identifier
	return rec, nil
}

func (b *StoreBackend) save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.store.Set(b.namespace, rec.Identifier, data)
}

func (b *StoreBackend) compactStore() error {
	cutoff := b.now().Unix() - b.window
	var expired []string
	err := b.store.ForEach(b.namespace, func(key string, value []byte) error {
		var rec Record
		if json.Unmarshal(value, &rec) != nil || len(prune(rec.Log, cutoff)) == 0 {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan rate limit records: %w", err)
	}
	for _, key := range expired {
		if _, err := b.store.Delete(b.namespace, key); err != nil {
			return fmt.Errorf("failed to compact rate limit record %s: %w", key, err)
		}
	}
	return nil
}

// prune drops timestamps older than cutoff. The log is ordered so the
// survivors are a suffix.
func prune(log []int64, cutoff int64) []int64 {
	i := 0
	for i < len(log) && log[i] < cutoff {
		i++
	}
	return append([]int64(nil), log[i:]...)
}

func cloneRecord(rec Record) Record {
	rec.Log = append([]int64(nil), rec.Log...)
	return rec
}
