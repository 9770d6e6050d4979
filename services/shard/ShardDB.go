package shard

import (
	"encoding/binary"
	"math/big"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/stores/kv"
)

// Key prefixes of the per-shard namespace. The encodings are part of the
// on-disk format and must stay stable across restarts.
var (
	prefixMinorBlock   = []byte("mb:")
	prefixTotalDiff    = []byte("td:")
	prefixHeightToHash = []byte("hh:")
	prefixState        = []byte("st:")
	prefixXShardIn     = []byte("xs:")
	prefixXShardOut    = []byte("xo:")
	prefixRootBlock    = []byte("rb:")

	keyMinorTip = []byte("tip:minor")
	keyRootTip  = []byte("tip:root")
)

// ShardDB persists one shard's chain in its exclusively-owned KV namespace.
type ShardDB struct {
	store kv.Store
}

func NewShardDB(store kv.Store) *ShardDB {
	return &ShardDB{store: store}
}

func hashKey(prefix []byte, h model.Hash) []byte {
	return append(append([]byte{}, prefix...), h[:]...)
}

func heightKey(height uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return append(append([]byte{}, prefixHeightToHash...), b[:]...)
}

func xshardOutKey(h model.Hash, to model.Branch) []byte {
	key := hashKey(prefixXShardOut, h)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], to.Value())
	return append(key, b[:]...)
}

func (db *ShardDB) PutMinorBlock(block *model.MinorBlock, totalDiff *big.Int) error {
	raw, err := model.SerializeToBytes(block)
	if err != nil {
		return err
	}

	batch := db.store.NewBatch()
	batch.Put(hashKey(prefixMinorBlock, block.Hash()), raw)

	var td [32]byte
	totalDiff.FillBytes(td[:])
	batch.Put(hashKey(prefixTotalDiff, block.Hash()), td[:])

	return batch.Write()
}

func (db *ShardDB) GetMinorBlock(h model.Hash) (*model.MinorBlock, error) {
	raw, err := db.store.Get(hashKey(prefixMinorBlock, h))
	if err != nil {
		return nil, err
	}
	block := &model.MinorBlock{}
	if err := model.DeserializeFromBytes(raw, block); err != nil {
		return nil, errors.NewIntegrityError("undecodable minor block %s on disk", h, err)
	}
	return block, nil
}

func (db *ShardDB) ContainMinorBlock(h model.Hash) bool {
	ok, _ := db.store.Has(hashKey(prefixMinorBlock, h))
	return ok
}

func (db *ShardDB) GetTotalDifficulty(h model.Hash) (*big.Int, error) {
	raw, err := db.store.Get(hashKey(prefixTotalDiff, h))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// PutCanonicalHash records the canonical chain membership at a height.
func (db *ShardDB) PutCanonicalHash(height uint64, h model.Hash) error {
	return db.store.Put(heightKey(height), h[:])
}

func (db *ShardDB) DeleteCanonicalHash(height uint64) error {
	return db.store.Delete(heightKey(height))
}

func (db *ShardDB) GetCanonicalHash(height uint64) (model.Hash, error) {
	raw, err := db.store.Get(heightKey(height))
	if err != nil {
		return model.Hash{}, err
	}
	return model.NewHashFromSlice(raw)
}

func (db *ShardDB) PutState(blockHash model.Hash, st *AccountState) error {
	raw, err := model.SerializeToBytes(st)
	if err != nil {
		return err
	}
	return db.store.Put(hashKey(prefixState, blockHash), raw)
}

func (db *ShardDB) GetState(blockHash model.Hash) (*AccountState, error) {
	raw, err := db.store.Get(hashKey(prefixState, blockHash))
	if err != nil {
		return nil, err
	}
	st := NewAccountState()
	if err := model.DeserializeFromBytes(raw, st); err != nil {
		return nil, errors.NewIntegrityError("undecodable state for block %s on disk", blockHash, err)
	}
	return st, nil
}

// PutIncomingXShardList stores the deposits a remote (or sibling) shard
// block produced for this shard, keyed by the source block hash.
func (db *ShardDB) PutIncomingXShardList(sourceBlockHash model.Hash, list *model.CrossShardTransactionList) error {
	raw, err := model.SerializeToBytes(list)
	if err != nil {
		return err
	}
	return db.store.Put(hashKey(prefixXShardIn, sourceBlockHash), raw)
}

func (db *ShardDB) GetIncomingXShardList(sourceBlockHash model.Hash) (*model.CrossShardTransactionList, error) {
	raw, err := db.store.Get(hashKey(prefixXShardIn, sourceBlockHash))
	if err != nil {
		return nil, err
	}
	list := &model.CrossShardTransactionList{}
	if err := model.DeserializeFromBytes(raw, list); err != nil {
		return nil, errors.NewIntegrityError("undecodable xshard list for %s on disk", sourceBlockHash, err)
	}
	return list, nil
}

func (db *ShardDB) ContainRemoteMinorBlockHash(sourceBlockHash model.Hash) bool {
	ok, _ := db.store.Has(hashKey(prefixXShardIn, sourceBlockHash))
	return ok
}

// PutOutgoingXShardList stores the deposits one of our own blocks produced
// for a destination shard, pending fan-out.
func (db *ShardDB) PutOutgoingXShardList(blockHash model.Hash, to model.Branch, list *model.CrossShardTransactionList) error {
	raw, err := model.SerializeToBytes(list)
	if err != nil {
		return err
	}
	return db.store.Put(xshardOutKey(blockHash, to), raw)
}

func (db *ShardDB) GetOutgoingXShardList(blockHash model.Hash, to model.Branch) (*model.CrossShardTransactionList, error) {
	raw, err := db.store.Get(xshardOutKey(blockHash, to))
	if err != nil {
		return nil, err
	}
	list := &model.CrossShardTransactionList{}
	if err := model.DeserializeFromBytes(raw, list); err != nil {
		return nil, errors.NewIntegrityError("undecodable xshard list for %s on disk", blockHash, err)
	}
	return list, nil
}

func (db *ShardDB) PutRootBlock(block *model.RootBlock) error {
	raw, err := model.SerializeToBytes(block)
	if err != nil {
		return err
	}
	return db.store.Put(hashKey(prefixRootBlock, block.Hash()), raw)
}

func (db *ShardDB) GetRootBlock(h model.Hash) (*model.RootBlock, error) {
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

func (db *ShardDB) ContainRootBlock(h model.Hash) bool {
	ok, _ := db.store.Has(hashKey(prefixRootBlock, h))
	return ok
}

func (db *ShardDB) PutTips(minorTip, rootTip model.Hash) error {
	batch := db.store.NewBatch()
	batch.Put(keyMinorTip, minorTip[:])
	batch.Put(keyRootTip, rootTip[:])
	return batch.Write()
}

func (db *ShardDB) GetTips() (minorTip, rootTip model.Hash, err error) {
	raw, err := db.store.Get(keyMinorTip)
	if err != nil {
		return model.Hash{}, model.Hash{}, err
	}
	if minorTip, err = model.NewHashFromSlice(raw); err != nil {
		return model.Hash{}, model.Hash{}, err
	}
	raw, err = db.store.Get(keyRootTip)
	if err != nil {
		return model.Hash{}, model.Hash{}, err
	}
	rootTip, err = model.NewHashFromSlice(raw)
	return minorTip, rootTip, err
}
