package model

// CalculateMerkleRoot builds a binary merkle tree over the given leaf hashes
// and returns its root. A level with an odd number of nodes promotes the
// last node unchanged; an empty leaf set yields the zero hash.
func CalculateMerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return Hash{}
	}

	level := make([]Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, HashOf(level[i][:], level[i+1][:]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}

	return level[0]
}

// TransactionMerkleRoot hashes each transaction and reduces the list.
func TransactionMerkleRoot(txs []*EvmTransaction) Hash {
	leaves := make([]Hash, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.Hash()
	}
	return CalculateMerkleRoot(leaves)
}
