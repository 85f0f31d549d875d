package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRoot = []byte("warlock")

// BoltOptions configures a BoltStore.
type BoltOptions struct {
	// LockTimeout bounds the wait for the file lock. Zero waits one second.
	LockTimeout time.Duration
	ReadOnly    bool
}

// BoltStore implements Store on BoltDB. Each namespace is a nested bucket
// under a single root bucket.
type BoltStore struct {
	db       *bolt.DB
	readOnly bool
}

// NewBoltStore opens or creates the database file at path.
func NewBoltStore(path string, opts BoltOptions) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketRoot); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucketRoot, err)
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &BoltStore{db: db, readOnly: opts.ReadOnly}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Exclusive reports whether this process holds the exclusive file lock.
func (s *BoltStore) Exclusive() bool {
	return !s.readOnly
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

func (s *BoltStore) bucket(tx *bolt.Tx, namespace string) *bolt.Bucket {
	root := tx.Bucket(bucketRoot)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(namespace))
}

func (s *BoltStore) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := s.bucket(tx, namespace)
		if b == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltStore) Set(namespace, key string, value []byte) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketRoot).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("failed to create namespace %s: %w", namespace, err)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Has(namespace, key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := s.bucket(tx, namespace); b != nil {
			found = b.Get([]byte(key)) != nil
		}
		return nil
	})
	return found, err
}

func (s *BoltStore) Delete(namespace, key string) (bool, error) {
	if s.readOnly {
		return false, ErrReadOnly
	}
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := s.bucket(tx, namespace)
		if b == nil || b.Get([]byte(key)) == nil {
			return nil
		}
		deleted = true
		return b.Delete([]byte(key))
	})
	return deleted, err
}

func (s *BoltStore) ForEach(namespace string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := s.bucket(tx, namespace)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v == nil {
				continue
			}
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Clear(namespace string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketRoot)
		if root.Bucket([]byte(namespace)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(namespace))
	})
}

func (s *BoltStore) Namespaces() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketRoot)
		if root == nil {
			return nil
		}
		return root.ForEachBucket(func(k []byte) error {
			if first, _ := root.Bucket(k).Cursor().First(); first != nil {
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}
