package rootchain

import (
	"encoding/binary"
	"math/big"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/stores/kv"
)

// Key prefixes of the root namespace. Stable across restarts.
var (
	prefixRootBlock      = []byte("rb:")
	prefixTotalDiff      = []byte("td:")
	prefixHeightToHash   = []byte("rh:")
	prefixValidatedMinor = []byte("vm:")

	keyTip = []byte("tip:root")
)

// RootDB persists the root chain and the validated minor header pool in the
// master's exclusively-owned KV namespace.
type RootDB struct {
	store kv.Store
}

func NewRootDB(store kv.Store) *RootDB {
	return &RootDB{store: store}
}

func hashKey(prefix []byte, h model.Hash) []byte {
	return append(append([]byte{}, prefix...), h[:]...)
}

func heightKey(height uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return append(append([]byte{}, prefixHeightToHash...), b[:]...)
}

func (db *RootDB) PutRootBlock(block *model.RootBlock, totalDiff *big.Int) error {
	raw, err := model.SerializeToBytes(block)
	if err != nil {
		return err
	}

	batch := db.store.NewBatch()
	batch.Put(hashKey(prefixRootBlock, block.Hash()), raw)

	var td [32]byte
	totalDiff.FillBytes(td[:])
	batch.Put(hashKey(prefixTotalDiff, block.Hash()), td[:])

	return batch.Write()
}

func (db *RootDB) GetRootBlock(h model.Hash) (*model.RootBlock, error) {
	raw, err := db.store.Get(hashKey(prefixRootBlock, h))
	if err != nil {
		return nil, err
	}
	block := &model.RootBlock{}
	if err := model.DeserializeFromBytes(raw, block); err != nil {
		return nil, errors.NewIntegrityError("undecodable root block %s on disk", h, err)
	}
	return block, nil
}

func (db *RootDB) ContainRootBlock(h model.Hash) bool {
	ok, _ := db.store.Has(hashKey(prefixRootBlock, h))
	return ok
}

func (db *RootDB) GetTotalDifficulty(h model.Hash) (*big.Int, error) {
	raw, err := db.store.Get(hashKey(prefixTotalDiff, h))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (db *RootDB) PutCanonicalHash(height uint64, h model.Hash) error {
	return db.store.Put(heightKey(height), h[:])
}

func (db *RootDB) DeleteCanonicalHash(height uint64) error {
	return db.store.Delete(heightKey(height))
}

func (db *RootDB) GetCanonicalHash(height uint64) (model.Hash, error) {
	raw, err := db.store.Get(heightKey(height))
	if err != nil {
		return model.Hash{}, err
	}
	return model.NewHashFromSlice(raw)
}

// PutValidatedMinorHeader records a shard-validated minor header, making it
// eligible for confirmation by a future root block.
func (db *RootDB) PutValidatedMinorHeader(header *model.MinorBlockHeader) error {
	raw, err := model.SerializeToBytes(header)
	if err != nil {
		return err
	}
	return db.store.Put(hashKey(prefixValidatedMinor, header.Hash()), raw)
}

func (db *RootDB) ContainValidatedMinorHeader(h model.Hash) bool {
	ok, _ := db.store.Has(hashKey(prefixValidatedMinor, h))
	return ok
}

func (db *RootDB) GetValidatedMinorHeader(h model.Hash) (*model.MinorBlockHeader, error) {
	raw, err := db.store.Get(hashKey(prefixValidatedMinor, h))
	if err != nil {
		return nil, err
	}
	header := &model.MinorBlockHeader{}
	if err := model.DeserializeFromBytes(raw, header); err != nil {
		return nil, errors.NewIntegrityError("undecodable minor header %s on disk", h, err)
	}
	return header, nil
}

func (db *RootDB) PutTip(h model.Hash) error {
	return db.store.Put(keyTip, h[:])
}

func (db *RootDB) GetTip() (model.Hash, error) {
	raw, err := db.store.Get(keyTip)
	if err != nil {
		return model.Hash{}, err
	}
	return model.NewHashFromSlice(raw)
}
