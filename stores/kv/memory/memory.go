package memory

import (
	"bytes"
	"sync"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/stores/kv"
)

// Store is an in-memory kv.Store used by tests and by single-process local
// clusters.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[string(key)]
	if !ok {
		return nil, errors.NewNotFoundError("key not found")
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.data[string(key)] = v
	return nil
}

func (s *Store) Has(key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.data[string(key)]
	return ok, nil
}

func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, string(key))
	return nil
}

func (s *Store) NewBatch() kv.Batch {
	return &batch{store: s}
}

func (s *Store) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	s.mu.RLock()
	type entry struct{ k, v []byte }
	var entries []entry
	for k, v := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			entries = append(entries, entry{[]byte(k), v})
		}
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.k, e.v) {
			return nil
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

type batch struct {
	store *Store
	ops   []batchOp
}

func (b *batch) Put(key, value []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, batchOp{key: k, value: v})
}

func (b *batch) Delete(key []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	b.ops = append(b.ops, batchOp{key: k, delete: true})
}

func (b *batch) Write() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	for _, op := range b.ops {
		if op.delete {
			delete(b.store.data, string(op.key))
		} else {
			b.store.data[string(op.key)] = op.value
		}
	}
	b.ops = nil
	return nil
}
