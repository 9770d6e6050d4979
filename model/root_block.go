package model

import (
	"io"
	"math/big"
	"sync"
)

// RootBlockHeader is the header of a root-chain block. The merkle root
// commits to the list of minor block headers the block confirms.
type RootBlockHeader struct {
	Version           uint32
	Height            uint64
	CoinbaseAddress   Address
	CoinbaseAmount    *big.Int
	HashPrevRootBlock Hash
	HashMerkleRoot    Hash
	Time              uint64
	Difficulty        uint64
	Nonce             uint64

	hashOnce sync.Once
	hash     Hash
}

func (h *RootBlockHeader) Serialize(w io.Writer) error {
	if err := WriteUint32(w, h.Version); err != nil {
		return err
	}
	if err := WriteUint64(w, h.Height); err != nil {
		return err
	}
	if err := h.CoinbaseAddress.Serialize(w); err != nil {
		return err
	}
	if err := WriteBigUint256(w, h.CoinbaseAmount); err != nil {
		return err
	}
	if err := WriteHash(w, h.HashPrevRootBlock); err != nil {
		return err
	}
	if err := WriteHash(w, h.HashMerkleRoot); err != nil {
		return err
	}
	if err := WriteUint64(w, h.Time); err != nil {
		return err
	}
	if err := WriteUint64(w, h.Difficulty); err != nil {
		return err
	}
	return WriteUint64(w, h.Nonce)
}

func (h *RootBlockHeader) Deserialize(r io.Reader) error {
	var err error
	if h.Version, err = ReadUint32(r); err != nil {
		return err
	}
	if h.Height, err = ReadUint64(r); err != nil {
		return err
	}
	if err = h.CoinbaseAddress.Deserialize(r); err != nil {
		return err
	}
	if h.CoinbaseAmount, err = ReadBigUint256(r); err != nil {
		return err
	}
	if h.HashPrevRootBlock, err = ReadHash(r); err != nil {
		return err
	}
	if h.HashMerkleRoot, err = ReadHash(r); err != nil {
		return err
	}
	if h.Time, err = ReadUint64(r); err != nil {
		return err
	}
	if h.Difficulty, err = ReadUint64(r); err != nil {
		return err
	}
	h.Nonce, err = ReadUint64(r)
	return err
}

// Hash returns the header digest. Cached; headers must not be mutated after
// the first call.
func (h *RootBlockHeader) Hash() Hash {
	h.hashOnce.Do(func() {
		b, err := SerializeToBytes(h)
		if err != nil {
			return
		}
		h.hash = HashOf(b)
	})
	return h.hash
}

// CreateBlockToAppend returns an unfinalized successor root block.
func (h *RootBlockHeader) CreateBlockToAppend(createTime uint64, difficulty uint64, coinbase Address) *RootBlock {
	if createTime <= h.Time {
		createTime = h.Time + 1
	}
	if difficulty == 0 {
		difficulty = h.Difficulty
	}

	header := &RootBlockHeader{
		Version:           h.Version,
		Height:            h.Height + 1,
		CoinbaseAddress:   coinbase,
		CoinbaseAmount:    new(big.Int),
		HashPrevRootBlock: h.Hash(),
		Time:              createTime,
		Difficulty:        difficulty,
	}

	return &RootBlock{Header: header}
}

// RootBlock is a root-chain block: a header plus the minor block headers it
// confirms, in deterministic per-shard height-ascending order.
type RootBlock struct {
	Header            *RootBlockHeader
	MinorBlockHeaders []*MinorBlockHeader
}

func (b *RootBlock) Serialize(w io.Writer) error {
	if err := b.Header.Serialize(w); err != nil {
		return err
	}
	return WriteMinorBlockHeaderList(w, b.MinorBlockHeaders)
}

func (b *RootBlock) Deserialize(r io.Reader) error {
	b.Header = &RootBlockHeader{}
	if err := b.Header.Deserialize(r); err != nil {
		return err
	}
	var err error
	b.MinorBlockHeaders, err = ReadMinorBlockHeaderList(r)
	return err
}

func (b *RootBlock) Hash() Hash {
	return b.Header.Hash()
}

// Finalize seals the confirmed minor header list into the merkle root and
// sets the coinbase.
func (b *RootBlock) Finalize(coinbaseAmount *big.Int, coinbase Address) *RootBlock {
	leaves := make([]Hash, len(b.MinorBlockHeaders))
	for i, h := range b.MinorBlockHeaders {
		leaves[i] = h.Hash()
	}
	b.Header.HashMerkleRoot = CalculateMerkleRoot(leaves)
	b.Header.CoinbaseAmount = new(big.Int).Set(coinbaseAmount)
	b.Header.CoinbaseAddress = coinbase
	return b
}

func (b *RootBlock) AddMinorBlockHeader(h *MinorBlockHeader) {
	b.MinorBlockHeaders = append(b.MinorBlockHeaders, h)
}
