package model

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranch(t *testing.T) {
	t.Run("decomposition", func(t *testing.T) {
		b := BranchFrom(3, 8, 5)
		assert.Equal(t, uint32(3), b.ChainID())
		assert.Equal(t, uint32(8), b.ShardSize())
		assert.Equal(t, uint32(5), b.ShardID())
		assert.Equal(t, uint32(3<<16|8|5), b.Value())
	})

	t.Run("single shard chain", func(t *testing.T) {
		b := NewBranch(1<<16 | 1 | 0)
		assert.Equal(t, uint32(1), b.ChainID())
		assert.Equal(t, uint32(1), b.ShardSize())
		assert.Equal(t, uint32(0), b.ShardID())
	})
}

func TestBranchIsNeighbor(t *testing.T) {
	t.Run("same chain power of two distance", func(t *testing.T) {
		source := BranchFrom(0, 64, 0)

		neighbors := 0
		for shardID := uint32(0); shardID < 64; shardID++ {
			if source.IsNeighbor(BranchFrom(0, 64, shardID)) {
				neighbors++
				assert.Contains(t, []uint32{1, 2, 4, 8, 16, 32}, shardID)
			}
		}
		// log2(64) neighbors exactly
		assert.Equal(t, 6, neighbors)
	})

	t.Run("not neighbor of itself", func(t *testing.T) {
		b := BranchFrom(0, 2, 0)
		assert.False(t, b.IsNeighbor(b))
	})

	t.Run("different chain same shard id", func(t *testing.T) {
		assert.True(t, BranchFrom(0, 1, 0).IsNeighbor(BranchFrom(1, 1, 0)))
		assert.False(t, BranchFrom(0, 4, 1).IsNeighbor(BranchFrom(1, 4, 2)))
	})

	t.Run("symmetry", func(t *testing.T) {
		a := BranchFrom(0, 8, 3)
		b := BranchFrom(0, 8, 7)
		assert.Equal(t, a.IsNeighbor(b), b.IsNeighbor(a))
	})
}

func TestShardMask(t *testing.T) {
	// mask 0b101 matches full shard keys whose low two bits are 0b01
	m := ShardMask(0b101)
	assert.True(t, m.ContainsFullShardKey(0b1))
	assert.True(t, m.ContainsFullShardKey(0b101))
	assert.True(t, m.ContainsFullShardKey(0b1101))
	assert.False(t, m.ContainsFullShardKey(0b0))
	assert.False(t, m.ContainsFullShardKey(0b11))

	// mask 0b1 matches everything
	all := ShardMask(0b1)
	assert.True(t, all.ContainsFullShardKey(0))
	assert.True(t, all.ContainsFullShardKey(12345))

	assert.True(t, ShardMask(0b101).HasOverlap(ShardMask(0b1)))
	assert.False(t, ShardMask(0b10).HasOverlap(ShardMask(0b11)))
}

func TestAddressShardMapping(t *testing.T) {
	addr := Address{Recipient: RandomRecipient(), FullShardKey: 0}
	assert.Equal(t, NewBranch(0b10), addr.GetFullShardID(2))

	addr1 := addr.AddressInShard(1)
	assert.Equal(t, addr.Recipient, addr1.Recipient)
	assert.Equal(t, NewBranch(0b11), addr1.GetFullShardID(2))

	// chain selection lives in the high 16 bits of the key
	addr2 := addr.AddressInShard(1 << 16)
	assert.Equal(t, NewBranch(1<<16|1|0), addr2.GetFullShardID(1))
}

func TestTransactionSignAndRecover(t *testing.T) {
	id, err := CreateRandomIdentity()
	require.NoError(t, err)

	to := RandomRecipient()
	tx := NewEvmTransaction(0, to, big.NewInt(12345), GTXCOST, big.NewInt(1), 0, 1, 3, nil)
	require.NoError(t, tx.Sign(id.Key()))

	sender, err := tx.Sender()
	require.NoError(t, err)
	assert.Equal(t, id.Recipient(), sender)

	t.Run("tampered value changes sender", func(t *testing.T) {
		bad := NewEvmTransaction(0, to, big.NewInt(99999), GTXCOST, big.NewInt(1), 0, 1, 3, nil)
		bad.Signature = tx.Signature
		recovered, err := bad.Sender()
		if err == nil {
			assert.NotEqual(t, id.Recipient(), recovered)
		}
	})
}

func TestTransactionCrossShard(t *testing.T) {
	tx := NewEvmTransaction(0, RandomRecipient(), big.NewInt(1), GTXCOST, big.NewInt(1), 0, 1, 3, nil)
	assert.True(t, tx.IsCrossShard(2))
	assert.Equal(t, GTXCOST+GTXXSHARDCOST, tx.IntrinsicGas(2))

	local := NewEvmTransaction(0, RandomRecipient(), big.NewInt(1), GTXCOST, big.NewInt(1), 0, 0, 3, nil)
	assert.False(t, local.IsCrossShard(2))
	assert.Equal(t, GTXCOST, local.IntrinsicGas(2))
}

func TestSerializationRoundTrips(t *testing.T) {
	id, err := CreateRandomIdentity()
	require.NoError(t, err)

	tx := NewEvmTransaction(7, RandomRecipient(), big.NewInt(54321), GTXCOST+GTXXSHARDCOST, big.NewInt(3), 0, 1, 3, []byte{0xde, 0xad})
	require.NoError(t, tx.Sign(id.Key()))

	t.Run("transaction", func(t *testing.T) {
		b, err := SerializeToBytes(tx)
		require.NoError(t, err)

		decoded := &EvmTransaction{}
		require.NoError(t, DeserializeFromBytes(b, decoded))
		assert.Equal(t, tx.Hash(), decoded.Hash())
		assert.Equal(t, tx.Nonce, decoded.Nonce)
		assert.Equal(t, 0, tx.Value.Cmp(decoded.Value))
	})

	minorHeader := &MinorBlockHeader{
		Version:            0,
		Branch:             NewBranch(0b10),
		Height:             42,
		CoinbaseAddress:    Address{Recipient: RandomRecipient(), FullShardKey: 0},
		CoinbaseAmount:     new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)),
		HashPrevMinorBlock: HashOf([]byte("prev minor")),
		HashPrevRootBlock:  HashOf([]byte("prev root")),
		HashMerkleRoot:     HashOf([]byte("merkle")),
		GasLimit:           12_000_000,
		GasUsed:            30_000,
		Time:               1519147489,
		Difficulty:         10,
		Nonce:              99,
		ExtraData:          []byte("x"),
	}

	t.Run("minor block", func(t *testing.T) {
		block := &MinorBlock{Header: minorHeader, Transactions: []*EvmTransaction{tx}}
		b, err := SerializeToBytes(block)
		require.NoError(t, err)

		decoded := &MinorBlock{}
		require.NoError(t, DeserializeFromBytes(b, decoded))
		assert.Equal(t, block.Hash(), decoded.Hash())
		require.Len(t, decoded.Transactions, 1)
		assert.Equal(t, tx.Hash(), decoded.Transactions[0].Hash())
	})

	t.Run("root block", func(t *testing.T) {
		block := &RootBlock{
			Header: &RootBlockHeader{
				Height:            3,
				CoinbaseAddress:   Address{Recipient: RandomRecipient()},
				CoinbaseAmount:    new(big.Int).Mul(big.NewInt(120), big.NewInt(1e18)),
				HashPrevRootBlock: HashOf([]byte("prev")),
				Time:              1519147489,
				Difficulty:        1000,
			},
			MinorBlockHeaders: []*MinorBlockHeader{minorHeader},
		}
		block.Finalize(block.Header.CoinbaseAmount, block.Header.CoinbaseAddress)

		b, err := SerializeToBytes(block)
		require.NoError(t, err)

		decoded := &RootBlock{}
		require.NoError(t, DeserializeFromBytes(b, decoded))
		assert.Equal(t, block.Hash(), decoded.Hash())
		require.Len(t, decoded.MinorBlockHeaders, 1)
		assert.Equal(t, minorHeader.Hash(), decoded.MinorBlockHeaders[0].Hash())
	})

	t.Run("cross shard list", func(t *testing.T) {
		list := &CrossShardTransactionList{TxList: []*CrossShardTransactionDeposit{{
			TxHash:   tx.Hash(),
			From:     Address{Recipient: RandomRecipient(), FullShardKey: 0},
			To:       Address{Recipient: RandomRecipient(), FullShardKey: 1},
			Value:    big.NewInt(54321),
			GasPrice: big.NewInt(3),
		}}}

		b, err := SerializeToBytes(list)
		require.NoError(t, err)

		decoded := &CrossShardTransactionList{}
		require.NoError(t, DeserializeFromBytes(b, decoded))
		require.Len(t, decoded.TxList, 1)
		assert.Equal(t, tx.Hash(), decoded.TxList[0].TxHash)
		assert.Equal(t, 0, decoded.TxList[0].Value.Cmp(big.NewInt(54321)))
	})

	t.Run("trailing bytes rejected", func(t *testing.T) {
		b, err := SerializeToBytes(minorHeader)
		require.NoError(t, err)
		decoded := &MinorBlockHeader{}
		require.Error(t, DeserializeFromBytes(append(b, 0x00), decoded))
	})
}

func TestMerkleRoot(t *testing.T) {
	assert.Equal(t, Hash{}, CalculateMerkleRoot(nil))

	single := HashOf([]byte("a"))
	assert.Equal(t, single, CalculateMerkleRoot([]Hash{single}))

	a, b, c := HashOf([]byte("a")), HashOf([]byte("b")), HashOf([]byte("c"))
	root3 := CalculateMerkleRoot([]Hash{a, b, c})
	assert.Equal(t, HashOf(HashOf(a[:], b[:]).Bytes(), c[:]), root3)

	// order matters
	assert.NotEqual(t, CalculateMerkleRoot([]Hash{a, b}), CalculateMerkleRoot([]Hash{b, a}))
}

func TestCheckPow(t *testing.T) {
	assert.True(t, CheckPow(Hash{}, 1_000_000))
	var worst Hash
	for i := range worst {
		worst[i] = 0xff
	}
	assert.False(t, CheckPow(worst, 2))
	assert.True(t, CheckPow(worst, 0))
}
