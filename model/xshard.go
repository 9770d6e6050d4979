package model

import (
	"io"
	"math/big"
)

// CrossShardTransactionDeposit is one cross-shard transfer extracted from a
// minor block on the source shard, to be credited on the destination shard
// once the containing block is confirmed by a canonical root block.
type CrossShardTransactionDeposit struct {
	TxHash   Hash
	From     Address
	To       Address
	Value    *big.Int
	GasPrice *big.Int
}

func (d *CrossShardTransactionDeposit) Serialize(w io.Writer) error {
	if err := WriteHash(w, d.TxHash); err != nil {
		return err
	}
	if err := d.From.Serialize(w); err != nil {
		return err
	}
	if err := d.To.Serialize(w); err != nil {
		return err
	}
	if err := WriteBigUint256(w, d.Value); err != nil {
		return err
	}
	return WriteBigUint256(w, d.GasPrice)
}

func (d *CrossShardTransactionDeposit) Deserialize(r io.Reader) error {
	var err error
	if d.TxHash, err = ReadHash(r); err != nil {
		return err
	}
	if err = d.From.Deserialize(r); err != nil {
		return err
	}
	if err = d.To.Deserialize(r); err != nil {
		return err
	}
	if d.Value, err = ReadBigUint256(r); err != nil {
		return err
	}
	d.GasPrice, err = ReadBigUint256(r)
	return err
}

// CrossShardTransactionList is the set of deposits one minor block produced
// for a given destination shard, keyed in storage by the source block hash.
type CrossShardTransactionList struct {
	TxList []*CrossShardTransactionDeposit
}

func (l *CrossShardTransactionList) Serialize(w io.Writer) error {
	if err := WriteListLength(w, len(l.TxList)); err != nil {
		return err
	}
	for _, d := range l.TxList {
		if err := d.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func (l *CrossShardTransactionList) Deserialize(r io.Reader) error {
	n, err := ReadListLength(r)
	if err != nil {
		return err
	}
	l.TxList = make([]*CrossShardTransactionDeposit, n)
	for i := range l.TxList {
		l.TxList[i] = &CrossShardTransactionDeposit{}
		if err := l.TxList[i].Deserialize(r); err != nil {
			return err
		}
	}
	return nil
}
