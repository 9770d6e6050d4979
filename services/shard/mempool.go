package shard

import (
	"bytes"
	"container/heap"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
)

// TxPool is a per-shard mempool ordered by gas price. It is not safe for
// concurrent use; the owning ShardState serializes access.
type TxPool struct {
	limit  uint32
	byHash map[model.Hash]*model.EvmTransaction
}

func NewTxPool(limit uint32) *TxPool {
	return &TxPool{
		limit:  limit,
		byHash: make(map[model.Hash]*model.EvmTransaction),
	}
}

// Add admits a transaction. When the pool is full the newest entry is the
// one rejected.
func (p *TxPool) Add(tx *model.EvmTransaction) error {
	hash := tx.Hash()
	if _, ok := p.byHash[hash]; ok {
		return errors.NewTxInvalidError("transaction %s already queued", hash)
	}
	if uint32(len(p.byHash)) >= p.limit {
		return errors.NewTxInvalidError("transaction queue full")
	}
	p.byHash[hash] = tx
	return nil
}

func (p *TxPool) Remove(hash model.Hash) {
	delete(p.byHash, hash)
}

func (p *TxPool) Contains(hash model.Hash) bool {
	_, ok := p.byHash[hash]
	return ok
}

func (p *TxPool) Size() int {
	return len(p.byHash)
}

// Transactions returns the queued transactions in descending gas price
// order, ties broken by hash so the order is deterministic.
func (p *TxPool) Transactions() []*model.EvmTransaction {
	h := make(txPriceHeap, 0, len(p.byHash))
	for _, tx := range p.byHash {
		h = append(h, tx)
	}
	heap.Init(&h)

	out := make([]*model.EvmTransaction, 0, len(h))
	for h.Len() > 0 {
		out = append(out, heap.Pop(&h).(*model.EvmTransaction))
	}
	return out
}

// Requalify drops every queued transaction the check function rejects.
// Called after a reorg with a validator bound to the new tip state.
func (p *TxPool) Requalify(check func(tx *model.EvmTransaction) error) {
	for hash, tx := range p.byHash {
		if err := check(tx); err != nil {
			delete(p.byHash, hash)
		}
	}
}

type txPriceHeap []*model.EvmTransaction

func (h txPriceHeap) Len() int { return len(h) }

func (h txPriceHeap) Less(i, j int) bool {
	switch h[i].GasPrice.Cmp(h[j].GasPrice) {
	case 1:
		return true
	case -1:
		return false
	}
	a, b := h[i].Hash(), h[j].Hash()
	return bytes.Compare(a[:], b[:]) < 0
}

func (h txPriceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *txPriceHeap) Push(x interface{}) {
	*h = append(*h, x.(*model.EvmTransaction))
}

func (h *txPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
