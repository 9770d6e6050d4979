package model

import (
	"io"
	"math/big"
	"sync"

	"github.com/lattice-network/lattice/errors"
)

// MinorBlockHeader is the header of a shard-chain block. HashPrevRootBlock
// commits the block to a root-chain ancestor; a minor block is only
// admissible on a shard whose view of the root chain contains that ancestor.
type MinorBlockHeader struct {
	Version            uint32
	Branch             Branch
	Height             uint64
	CoinbaseAddress    Address
	CoinbaseAmount     *big.Int
	HashPrevMinorBlock Hash
	HashPrevRootBlock  Hash
	HashMerkleRoot     Hash
	GasLimit           uint64
	GasUsed            uint64
	Time               uint64
	Difficulty         uint64
	Nonce              uint64
	ExtraData          []byte

	hashOnce sync.Once
	hash     Hash
}

func (h *MinorBlockHeader) Serialize(w io.Writer) error {
	if err := WriteUint32(w, h.Version); err != nil {
		return err
	}
	if err := WriteUint32(w, h.Branch.Value()); err != nil {
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
	if err := WriteHash(w, h.HashPrevMinorBlock); err != nil {
		return err
	}
	if err := WriteHash(w, h.HashPrevRootBlock); err != nil {
		return err
	}
	if err := WriteHash(w, h.HashMerkleRoot); err != nil {
		return err
	}
	if err := WriteUint64(w, h.GasLimit); err != nil {
		return err
	}
	if err := WriteUint64(w, h.GasUsed); err != nil {
		return err
	}
	if err := WriteUint64(w, h.Time); err != nil {
		return err
	}
	if err := WriteUint64(w, h.Difficulty); err != nil {
		return err
	}
	if err := WriteUint64(w, h.Nonce); err != nil {
		return err
	}
	return WriteVarBytes(w, h.ExtraData)
}

func (h *MinorBlockHeader) Deserialize(r io.Reader) error {
	var err error
	if h.Version, err = ReadUint32(r); err != nil {
		return err
	}
	var branch uint32
	if branch, err = ReadUint32(r); err != nil {
		return err
	}
	h.Branch = NewBranch(branch)
	if h.Height, err = ReadUint64(r); err != nil {
		return err
	}
	if err = h.CoinbaseAddress.Deserialize(r); err != nil {
		return err
	}
	if h.CoinbaseAmount, err = ReadBigUint256(r); err != nil {
		return err
	}
	if h.HashPrevMinorBlock, err = ReadHash(r); err != nil {
		return err
	}
	if h.HashPrevRootBlock, err = ReadHash(r); err != nil {
		return err
	}
	if h.HashMerkleRoot, err = ReadHash(r); err != nil {
		return err
	}
	if h.GasLimit, err = ReadUint64(r); err != nil {
		return err
	}
	if h.GasUsed, err = ReadUint64(r); err != nil {
		return err
	}
	if h.Time, err = ReadUint64(r); err != nil {
		return err
	}
	if h.Difficulty, err = ReadUint64(r); err != nil {
		return err
	}
	if h.Nonce, err = ReadUint64(r); err != nil {
		return err
	}
	h.ExtraData, err = ReadVarBytes(r)
	return err
}

// Hash returns the header digest. Cached; headers must not be mutated after
// the first call.
func (h *MinorBlockHeader) Hash() Hash {
	h.hashOnce.Do(func() {
		b, err := SerializeToBytes(h)
		if err != nil {
			return
		}
		h.hash = HashOf(b)
	})
	return h.hash
}

func WriteMinorBlockHeaderList(w io.Writer, list []*MinorBlockHeader) error {
	if err := WriteListLength(w, len(list)); err != nil {
		return err
	}
	for _, h := range list {
		if err := h.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func ReadMinorBlockHeaderList(r io.Reader) ([]*MinorBlockHeader, error) {
	n, err := ReadListLength(r)
	if err != nil {
		return nil, err
	}
	list := make([]*MinorBlockHeader, n)
	for i := range list {
		list[i] = &MinorBlockHeader{}
		if err := list[i].Deserialize(r); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// MinorBlock is a shard-chain block: a header plus its transaction list.
type MinorBlock struct {
	Header       *MinorBlockHeader
	Transactions []*EvmTransaction
}

func (b *MinorBlock) Serialize(w io.Writer) error {
	if err := b.Header.Serialize(w); err != nil {
		return err
	}
	return WriteTransactionList(w, b.Transactions)
}

func (b *MinorBlock) Deserialize(r io.Reader) error {
	b.Header = &MinorBlockHeader{}
	if err := b.Header.Deserialize(r); err != nil {
		return err
	}
	var err error
	b.Transactions, err = ReadTransactionList(r)
	return err
}

func (b *MinorBlock) Hash() Hash {
	return b.Header.Hash()
}

// CreateBlockToAppend returns an unfinalized successor block carrying the
// parent's branch, gas limit and root-chain commitment.
func (b *MinorBlock) CreateBlockToAppend(createTime uint64, difficulty uint64, coinbase Address) *MinorBlock {
	if createTime == 0 {
		createTime = b.Header.Time + 1
	}
	if createTime <= b.Header.Time {
		createTime = b.Header.Time + 1
	}
	if difficulty == 0 {
		difficulty = b.Header.Difficulty
	}

	header := &MinorBlockHeader{
		Version:            b.Header.Version,
		Branch:             b.Header.Branch,
		Height:             b.Header.Height + 1,
		CoinbaseAddress:    coinbase,
		CoinbaseAmount:     new(big.Int),
		HashPrevMinorBlock: b.Header.Hash(),
		HashPrevRootBlock:  b.Header.HashPrevRootBlock,
		GasLimit:           b.Header.GasLimit,
		Time:               createTime,
		Difficulty:         difficulty,
	}

	return &MinorBlock{Header: header}
}

// Finalize seals the body into the header: merkle root, gas used and the
// coinbase amount (fees plus the miner's share of the block reward).
func (b *MinorBlock) Finalize(gasUsed uint64, coinbaseAmount *big.Int) *MinorBlock {
	b.Header.HashMerkleRoot = TransactionMerkleRoot(b.Transactions)
	b.Header.GasUsed = gasUsed
	b.Header.CoinbaseAmount = new(big.Int).Set(coinbaseAmount)
	return b
}

// AddTx appends a transaction to the unfinalized body.
func (b *MinorBlock) AddTx(tx *EvmTransaction) {
	b.Transactions = append(b.Transactions, tx)
}

// DecodeMinorBlock deserializes a raw minor block and checks the branch it
// claims to belong to.
func DecodeMinorBlock(raw []byte, branch Branch) (*MinorBlock, error) {
	block := &MinorBlock{}
	if err := DeserializeFromBytes(raw, block); err != nil {
		return nil, errors.NewBlockInvalidError("undecodable minor block", err)
	}
	if block.Header.Branch != branch {
		return nil, errors.NewBlockInvalidError("minor block branch %s does not match %s",
			block.Header.Branch.String(), branch.String())
	}
	return block, nil
}
