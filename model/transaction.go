package model

import (
	"bytes"
	"io"
	"math/big"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/lattice-network/lattice/errors"
)

// Gas costs. The in-shard transfer cost matches the EVM intrinsic transfer
// gas; the cross-shard half is charged on the source side on top of it.
const (
	GTXCOST       = uint64(21000)
	GTXXSHARDCOST = uint64(9000)
)

const signatureLength = 65

// EvmTransaction is a signed value transfer. Cross-shardness is a derived
// property: the from and to full shard keys map onto different branches.
type EvmTransaction struct {
	Nonce            uint64
	GasPrice         *big.Int
	Gas              uint64
	To               Recipient
	Value            *big.Int
	Data             []byte
	FromFullShardKey uint32
	ToFullShardKey   uint32
	NetworkID        uint32
	Signature        [signatureLength]byte

	hashOnce sync.Once
	hash     Hash
}

func NewEvmTransaction(nonce uint64, to Recipient, value *big.Int, gas uint64, gasPrice *big.Int,
	fromFullShardKey, toFullShardKey, networkID uint32, data []byte) *EvmTransaction {
	return &EvmTransaction{
		Nonce:            nonce,
		GasPrice:         gasPrice,
		Gas:              gas,
		To:               to,
		Value:            value,
		Data:             data,
		FromFullShardKey: fromFullShardKey,
		ToFullShardKey:   toFullShardKey,
		NetworkID:        networkID,
	}
}

func (tx *EvmTransaction) serializeUnsigned(w io.Writer) error {
	if err := WriteUint64(w, tx.Nonce); err != nil {
		return err
	}
	if err := WriteBigUint256(w, tx.GasPrice); err != nil {
		return err
	}
	if err := WriteUint64(w, tx.Gas); err != nil {
		return err
	}
	if _, err := w.Write(tx.To[:]); err != nil {
		return err
	}
	if err := WriteBigUint256(w, tx.Value); err != nil {
		return err
	}
	if err := WriteVarBytes(w, tx.Data); err != nil {
		return err
	}
	if err := WriteUint32(w, tx.FromFullShardKey); err != nil {
		return err
	}
	if err := WriteUint32(w, tx.ToFullShardKey); err != nil {
		return err
	}
	return WriteUint32(w, tx.NetworkID)
}

func (tx *EvmTransaction) Serialize(w io.Writer) error {
	if err := tx.serializeUnsigned(w); err != nil {
		return err
	}
	_, err := w.Write(tx.Signature[:])
	return err
}

func (tx *EvmTransaction) Deserialize(r io.Reader) error {
	var err error
	if tx.Nonce, err = ReadUint64(r); err != nil {
		return err
	}
	if tx.GasPrice, err = ReadBigUint256(r); err != nil {
		return err
	}
	if tx.Gas, err = ReadUint64(r); err != nil {
		return err
	}
	if _, err = io.ReadFull(r, tx.To[:]); err != nil {
		return err
	}
	if tx.Value, err = ReadBigUint256(r); err != nil {
		return err
	}
	if tx.Data, err = ReadVarBytes(r); err != nil {
		return err
	}
	if tx.FromFullShardKey, err = ReadUint32(r); err != nil {
		return err
	}
	if tx.ToFullShardKey, err = ReadUint32(r); err != nil {
		return err
	}
	if tx.NetworkID, err = ReadUint32(r); err != nil {
		return err
	}
	_, err = io.ReadFull(r, tx.Signature[:])
	return err
}

// SigningHash is the digest the sender signs: everything except the
// signature itself.
func (tx *EvmTransaction) SigningHash() (Hash, error) {
	buf := bytes.NewBuffer(nil)
	if err := tx.serializeUnsigned(buf); err != nil {
		return Hash{}, err
	}
	return HashOf(buf.Bytes()), nil
}

// Hash returns the digest of the full signed transaction. Cached; a
// transaction must not be mutated after the first call.
func (tx *EvmTransaction) Hash() Hash {
	tx.hashOnce.Do(func() {
		b, err := SerializeToBytes(tx)
		if err != nil {
			return
		}
		tx.hash = HashOf(b)
	})
	return tx.hash
}

func (tx *EvmTransaction) Sign(key *secp256k1.PrivateKey) error {
	h, err := tx.SigningHash()
	if err != nil {
		return err
	}
	sig := ecdsa.SignCompact(key, h[:], false)
	copy(tx.Signature[:], sig)
	return nil
}

// Sender recovers the signing recipient from the signature.
func (tx *EvmTransaction) Sender() (Recipient, error) {
	h, err := tx.SigningHash()
	if err != nil {
		return Recipient{}, err
	}
	pub, _, err := ecdsa.RecoverCompact(tx.Signature[:], h[:])
	if err != nil {
		return Recipient{}, errors.NewTxInvalidError("signature recovery failed", err)
	}
	return PublicKeyToRecipient(pub), nil
}

// FromBranch maps the source full shard key onto a shard of the given size.
func (tx *EvmTransaction) FromBranch(shardSize uint32) Branch {
	return Address{FullShardKey: tx.FromFullShardKey}.GetFullShardID(shardSize)
}

func (tx *EvmTransaction) ToBranch(shardSize uint32) Branch {
	return Address{FullShardKey: tx.ToFullShardKey}.GetFullShardID(shardSize)
}

// IsCrossShard reports whether the destination lives on a different shard
// than the source, given the source chain's shard size.
func (tx *EvmTransaction) IsCrossShard(shardSize uint32) bool {
	return tx.FromBranch(shardSize) != tx.ToBranch(shardSize)
}

// IntrinsicGas is the minimum gas a transaction must carry.
func (tx *EvmTransaction) IntrinsicGas(shardSize uint32) uint64 {
	gas := GTXCOST
	if tx.IsCrossShard(shardSize) {
		gas += GTXXSHARDCOST
	}
	return gas
}

// GasFee returns gasPrice * gas as a big integer.
func (tx *EvmTransaction) GasFee() *big.Int {
	return new(big.Int).Mul(tx.GasPrice, new(big.Int).SetUint64(tx.Gas))
}

// Cost is the total balance the sender must hold: value + gasPrice*gas.
func (tx *EvmTransaction) Cost() *big.Int {
	return new(big.Int).Add(tx.Value, tx.GasFee())
}

func WriteTransactionList(w io.Writer, list []*EvmTransaction) error {
	if err := WriteListLength(w, len(list)); err != nil {
		return err
	}
	for _, tx := range list {
		if err := tx.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func ReadTransactionList(r io.Reader) ([]*EvmTransaction, error) {
	n, err := ReadListLength(r)
	if err != nil {
		return nil, err
	}
	list := make([]*EvmTransaction, n)
	for i := range list {
		list[i] = &EvmTransaction{}
		if err := list[i].Deserialize(r); err != nil {
			return nil, err
		}
	}
	return list, nil
}
