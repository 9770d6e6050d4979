package cluster

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/stores/kv"
	"github.com/lattice-network/lattice/stores/kv/memory"
	"github.com/lattice-network/lattice/ulogger"
)

func memoryStoreFactory() func(string) (kv.Store, error) {
	return func(string) (kv.Store, error) {
		return memory.New(), nil
	}
}

// newTestCluster starts an in-process cluster without the peer plane.
func newTestCluster(t *testing.T, funded *model.Identity, opts ...config.LocalClusterOption) *Cluster {
	t.Helper()

	if funded != nil {
		alloc := map[string]config.Amount{
			hex.EncodeToString(funded.Recipient().Bytes()): config.NewAmount(config.TokensToWei(1000)),
		}
		opts = append([]config.LocalClusterOption{config.WithGenesisAlloc(alloc)}, opts...)
	}

	cfg, err := config.NewLocalClusterConfig(opts...)
	require.NoError(t, err)
	cfg.P2P = nil

	c, err := New(ulogger.TestLogger{}, cfg, memoryStoreFactory())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	return c
}

func transferTx(t *testing.T, cfg *config.ClusterConfig, id *model.Identity,
	fromKey, toKey uint32, to model.Recipient, value int64, gasPrice int64, nonce uint64) *model.EvmTransaction {
	t.Helper()

	gas := model.GTXCOST
	fromBranch, err := cfg.GetFullShardIDByFullShardKey(fromKey)
	require.NoError(t, err)
	toBranch, err := cfg.GetFullShardIDByFullShardKey(toKey)
	require.NoError(t, err)
	if fromBranch != toBranch {
		gas += model.GTXXSHARDCOST
	}

	tx := model.NewEvmTransaction(nonce, to, big.NewInt(value), gas, big.NewInt(gasPrice),
		fromKey, toKey, cfg.NetworkID, nil)
	require.NoError(t, tx.Sign(id.Key()))
	return tx
}

func TestClusterStartup(t *testing.T) {
	c := newTestCluster(t, nil)

	assert.Len(t, c.Slaves, 2)
	for _, branch := range c.Cfg.GetFullShardIDs() {
		state := c.GetShardState(branch)
		require.NotNil(t, state, "shard %s", branch)
		assert.True(t, state.Initialized())
		assert.Equal(t, uint64(0), state.Tip().Height)
	}
}

func TestCreateShardAtDifferentHeight(t *testing.T) {
	id1 := uint32(0<<16 | 1 | 0)
	id2 := uint32(1<<16 | 1 | 0)

	acc := model.EmptyAddress(0)
	c := newTestCluster(t, nil,
		config.WithChainSize(2),
		config.WithShardSize(1),
		config.WithGenesisRootHeights(map[uint32]uint64{id1: 1, id2: 2}),
	)
	ctx := context.Background()

	// before any root block both shards are dormant
	assert.False(t, c.GetShardState(model.NewBranch(id1)).Initialized())
	assert.False(t, c.GetShardState(model.NewBranch(id2)).Initialized())

	isRoot, root, _, err := c.Master.GetNextBlockToMine(ctx, acc, false)
	require.NoError(t, err)
	require.True(t, isRoot)
	assert.Empty(t, root.MinorBlockHeaders)
	require.NoError(t, c.Master.AddRootBlock(ctx, root))

	// shard 0 created at root height 1
	assert.True(t, c.GetShardState(model.NewBranch(id1)).Initialized())
	assert.False(t, c.GetShardState(model.NewBranch(id2)).Initialized())

	isRoot, root, _, err = c.Master.GetNextBlockToMine(ctx, acc, false)
	require.NoError(t, err)
	require.True(t, isRoot)
	require.Len(t, root.MinorBlockHeaders, 1)
	assert.Equal(t, uint64(0), root.MinorBlockHeaders[0].Height)
	require.NoError(t, c.Master.AddRootBlock(ctx, root))

	// shard 1 created at root height 2
	assert.True(t, c.GetShardState(model.NewBranch(id1)).Initialized())
	assert.True(t, c.GetShardState(model.NewBranch(id2)).Initialized())

	genesis1 := c.GetShardState(model.NewBranch(id1))
	rootAtHeight1, err := c.Master.RootState().GetRootBlockByHeight(1)
	require.NoError(t, err)
	block, err := genesis1.GetMinorBlockByHeight(0)
	require.NoError(t, err)
	assert.Equal(t, rootAtHeight1.Hash(), block.Header.HashPrevRootBlock)
}

func TestGetNextBlockToMine(t *testing.T) {
	id1, err := model.CreateRandomIdentity()
	require.NoError(t, err)

	c := newTestCluster(t, id1)
	ctx := context.Background()

	acc1 := id1.AddressInShard(0)
	acc2 := model.NewAddress(model.RandomRecipient(), 0)
	acc3 := model.NewAddress(model.RandomRecipient(), 1)

	// the first root block confirms the four genesis headers
	isRoot, root, _, err := c.Master.GetNextBlockToMine(ctx, acc2, false)
	require.NoError(t, err)
	require.True(t, isRoot)
	assert.Equal(t, uint64(1), root.Header.Height)
	assert.Len(t, root.MinorBlockHeaders, 4)
	for _, mh := range root.MinorBlockHeaders {
		assert.Equal(t, uint64(0), mh.Height)
	}
	require.NoError(t, c.Master.AddRootBlock(ctx, root))

	// a pending transaction makes shard 0b10 the best candidate
	tx := transferTx(t, c.Cfg, id1, 0, 1, acc3.Recipient, 54321, 3, 0)
	require.NoError(t, c.Master.AddTransaction(ctx, tx))

	isRoot, _, block1, err := c.Master.GetNextBlockToMine(ctx, acc2, false)
	require.NoError(t, err)
	require.False(t, isRoot)
	assert.Equal(t, uint64(1), block1.Header.Height)
	assert.Equal(t, uint32(0b10), block1.Header.Branch.Value())
	require.Len(t, block1.Transactions, 1)

	original, err := c.Master.GetPrimaryAccountData(ctx, acc1)
	require.NoError(t, err)

	raw, err := model.SerializeToBytes(block1)
	require.NoError(t, err)
	require.NoError(t, c.Master.AddRawMinorBlock(ctx, block1.Header.Branch, raw))

	gasPaid := int64(3) * int64(model.GTXCOST+model.GTXXSHARDCOST)
	after, err := c.Master.GetPrimaryAccountData(ctx, acc1)
	require.NoError(t, err)
	expected := new(big.Int).Sub(original.Balance, big.NewInt(54321+gasPaid))
	assert.Equal(t, 0, after.Balance.Cmp(expected))

	// nothing on the destination shard yet
	balance, err := c.GetShardState(model.NewBranch(0b11)).GetBalance(acc3.Recipient)
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Sign())

	// the mined header goes into the next root block
	isRoot, root, _, err = c.Master.GetNextBlockToMine(ctx, acc2, false)
	require.NoError(t, err)
	require.True(t, isRoot)
	assert.Equal(t, uint64(2), root.Header.Height)
	require.Len(t, root.MinorBlockHeaders, 1)
	assert.Equal(t, block1.Hash(), root.MinorBlockHeaders[0].Hash())
	require.NoError(t, c.Master.AddRootBlock(ctx, root))

	// still unapplied until the destination shard mines on the new root
	balance, err = c.GetShardState(model.NewBranch(0b11)).GetBalance(acc3.Recipient)
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Sign())

	block3, err := c.GetShardState(model.NewBranch(0b11)).CreateBlockToMine(0, acc3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), block3.Header.Height)
	assert.Empty(t, block3.Transactions)

	raw, err = model.SerializeToBytes(block3)
	require.NoError(t, err)
	require.NoError(t, c.Master.AddRawMinorBlock(ctx, block3.Header.Branch, raw))

	data, err := c.Master.GetPrimaryAccountData(ctx, acc3)
	require.NoError(t, err)
	assert.Equal(t, 0, data.Balance.Cmp(big.NewInt(54321)))
}

func TestGetPrimaryAccountData(t *testing.T) {
	id1, err := model.CreateRandomIdentity()
	require.NoError(t, err)

	c := newTestCluster(t, id1)
	ctx := context.Background()

	acc1 := id1.AddressInShard(0)
	acc2 := model.NewAddress(model.RandomRecipient(), 1)

	data, err := c.Master.GetPrimaryAccountData(ctx, acc1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), data.TransactionCount)

	tx := transferTx(t, c.Cfg, id1, 0, 0, acc1.Recipient, 12345, 1, 0)
	require.NoError(t, c.Master.AddTransaction(ctx, tx))

	isRoot, root, _, err := c.Master.GetNextBlockToMine(ctx, acc1, true)
	require.NoError(t, err)
	require.True(t, isRoot)
	require.NoError(t, c.Master.AddRootBlock(ctx, root))

	isRoot, _, block1, err := c.Master.GetNextBlockToMine(ctx, acc1, false)
	require.NoError(t, err)
	require.False(t, isRoot)
	raw, err := model.SerializeToBytes(block1)
	require.NoError(t, err)
	require.NoError(t, c.Master.AddRawMinorBlock(ctx, block1.Header.Branch, raw))

	data, err = c.Master.GetPrimaryAccountData(ctx, acc1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), data.TransactionCount)

	data, err = c.Master.GetPrimaryAccountData(ctx, acc2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), data.TransactionCount)
}

func TestBroadcastCrossShardTransactions(t *testing.T) {
	id1, err := model.CreateRandomIdentity()
	require.NoError(t, err)

	c := newTestCluster(t, id1)
	ctx := context.Background()

	acc1 := id1.AddressInShard(0)
	acc3 := model.NewAddress(model.RandomRecipient(), 1)

	// confirm the genesis headers first so later minor blocks broadcast
	isRoot, root, _, err := c.Master.GetNextBlockToMine(ctx, model.EmptyAddress(0), true)
	require.NoError(t, err)
	require.True(t, isRoot)
	require.NoError(t, c.Master.AddRootBlock(ctx, root))

	tx := transferTx(t, c.Cfg, id1, 0, 1, acc3.Recipient, 54321, 1, 0)
	require.NoError(t, c.Master.AddTransaction(ctx, tx))

	shard0 := c.GetShardState(model.NewBranch(0b10))
	shard1 := c.GetShardState(model.NewBranch(0b11))

	b1, err := shard0.CreateBlockToMine(shard0.Tip().Time+1, acc1)
	require.NoError(t, err)
	b2, err := shard0.CreateBlockToMine(shard0.Tip().Time+2, acc1)
	require.NoError(t, err)
	require.NotEqual(t, b1.Hash(), b2.Hash())

	raw, err := model.SerializeToBytes(b1)
	require.NoError(t, err)
	require.NoError(t, c.Master.AddRawMinorBlock(ctx, b1.Header.Branch, raw))

	// shard 1 received b1's deposit list
	list := shard1.GetMinorBlockXShardTxList(b1.Hash())
	require.NotNil(t, list)
	require.Len(t, list.TxList, 1)
	assert.Equal(t, tx.Hash(), list.TxList[0].TxHash)
	assert.Equal(t, acc1.Recipient, list.TxList[0].From.Recipient)
	assert.Equal(t, acc3.Recipient, list.TxList[0].To.Recipient)
	assert.Equal(t, 0, list.TxList[0].Value.Cmp(big.NewInt(54321)))

	// the side block broadcasts too, without moving the tip
	raw, err = model.SerializeToBytes(b2)
	require.NoError(t, err)
	require.NoError(t, c.Master.AddRawMinorBlock(ctx, b2.Header.Branch, raw))
	assert.Equal(t, b1.Hash(), shard0.Tip().Hash())

	list = shard1.GetMinorBlockXShardTxList(b2.Hash())
	require.NotNil(t, list)
	require.Len(t, list.TxList, 1)

	// mine shard 1 once, commit a root, then the deposit is credited
	b3, err := shard1.CreateBlockToMine(0, acc1.AddressInShard(1))
	require.NoError(t, err)
	raw, err = model.SerializeToBytes(b3)
	require.NoError(t, err)
	require.NoError(t, c.Master.AddRawMinorBlock(ctx, b3.Header.Branch, raw))

	isRoot, root, _, err = c.Master.GetNextBlockToMine(ctx, acc1, false)
	require.NoError(t, err)
	require.True(t, isRoot)
	require.NoError(t, c.Master.AddRootBlock(ctx, root))

	b4, err := shard1.CreateBlockToMine(0, acc1.AddressInShard(1))
	require.NoError(t, err)

	// re-adding earlier blocks must not disturb b4
	for _, block := range []*model.MinorBlock{b1, b2, b3, b4} {
		raw, err := model.SerializeToBytes(block)
		require.NoError(t, err)
		require.NoError(t, c.Master.AddRawMinorBlock(ctx, block.Header.Branch, raw))
	}

	data, err := c.Master.GetPrimaryAccountData(ctx, acc3)
	require.NoError(t, err)
	assert.Equal(t, 0, data.Balance.Cmp(big.NewInt(54321)))
}

func TestBroadcastCrossShardToNeighborsOnly(t *testing.T) {
	id1, err := model.CreateRandomIdentity()
	require.NoError(t, err)

	// 64 shards on one chain, 4 slaves
	c := newTestCluster(t, id1,
		config.WithChainSize(1),
		config.WithShardSize(64),
		config.WithNumSlaves(4),
	)
	ctx := context.Background()

	isRoot, root, _, err := c.Master.GetNextBlockToMine(ctx, model.EmptyAddress(0), true)
	require.NoError(t, err)
	require.True(t, isRoot)
	require.NoError(t, c.Master.AddRootBlock(ctx, root))

	source := c.GetShardState(model.NewBranch(64))
	b1, err := source.CreateBlockToMine(0, id1.AddressInShard(0))
	require.NoError(t, err)

	raw, err := model.SerializeToBytes(b1)
	require.NoError(t, err)
	require.NoError(t, c.Master.AddRawMinorBlock(ctx, b1.Header.Branch, raw))

	neighbors := map[uint32]bool{1: true, 2: true, 4: true, 8: true, 16: true, 32: true}
	for shardID := uint32(0); shardID < 64; shardID++ {
		state := c.GetShardState(model.NewBranch(64 | shardID))
		require.NotNil(t, state)
		if shardID == 0 {
			continue
		}
		if neighbors[shardID] {
			assert.NotNil(t, state.GetMinorBlockXShardTxList(b1.Hash()), "shard %d", shardID)
		} else {
			assert.Nil(t, state.GetMinorBlockXShardTxList(b1.Hash()), "shard %d", shardID)
		}
	}
}
