package storage

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements Store in process memory. It is used when
// persistence is disabled and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Exclusive is always true; the store lives in this process.
func (s *MemoryStore) Exclusive() bool {
	return true
}

func (s *MemoryStore) Get(namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[namespace][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Has(namespace, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[namespace][key]
	return ok, nil
}

func (s *MemoryStore) Delete(namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.data[namespace]
	if _, ok := ns[key]; !ok {
		return false, nil
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(s.data, namespace)
	}
	return true, nil
}

func (s *MemoryStore) ForEach(namespace string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	ns := s.data[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	values := make(map[string][]byte, len(ns))
	for k, v := range ns {
		values[k] = append([]byte(nil), v...)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Clear(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, namespace)
	return nil
}

func (s *MemoryStore) Namespaces() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data))
	for ns := range s.data {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
