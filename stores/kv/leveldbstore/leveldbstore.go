package leveldbstore

import (
	"github.com/btcsuite/goleveldb/leveldb"
	ldberrors "github.com/btcsuite/goleveldb/leveldb/errors"
	"github.com/btcsuite/goleveldb/leveldb/util"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/stores/kv"
)

// Store is a leveldb-backed kv.Store, one database directory per
// namespace.
type Store struct {
	db *leveldb.DB
}

func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		if ldberrors.IsCorrupted(err) {
			// a corrupt database cannot be trusted to serve the chain
			return nil, errors.NewIntegrityError("corrupt database at %s", path, err)
		}
		return nil, errors.NewStorageError("cannot open database at %s", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, errors.NewNotFoundError("key not found")
		}
		return nil, errors.NewStorageError("get failed", err)
	}
	return v, nil
}

func (s *Store) Put(key, value []byte) error {
	if err := s.db.Put(key, value, nil); err != nil {
		return errors.NewStorageError("put failed", err)
	}
	return nil
}

func (s *Store) Has(key []byte) (bool, error) {
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, errors.NewStorageError("has failed", err)
	}
	return ok, nil
}

func (s *Store) Delete(key []byte) error {
	if err := s.db.Delete(key, nil); err != nil {
		return errors.NewStorageError("delete failed", err)
	}
	return nil
}

func (s *Store) NewBatch() kv.Batch {
	return &batch{db: s.db, b: new(leveldb.Batch)}
}

func (s *Store) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return errors.NewStorageError("iteration failed", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type batch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *batch) Put(key, value []byte) {
	b.b.Put(key, value)
}

func (b *batch) Delete(key []byte) {
	b.b.Delete(key)
}

func (b *batch) Write() error {
	if err := b.db.Write(b.b, nil); err != nil {
		return errors.NewStorageError("batch write failed", err)
	}
	b.b.Reset()
	return nil
}
