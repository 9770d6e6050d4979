package cluster

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/ulogger"
)

// newNetworkedCluster starts a cluster with the peer plane on an ephemeral
// loopback port.
func newNetworkedCluster(t *testing.T, funded *model.Identity, opts ...config.LocalClusterOption) *Cluster {
	t.Helper()

	if funded != nil {
		alloc := map[string]config.Amount{
			hex.EncodeToString(funded.Recipient().Bytes()): config.NewAmount(config.TokensToWei(1000)),
		}
		opts = append([]config.LocalClusterOption{config.WithGenesisAlloc(alloc)}, opts...)
	}

	cfg, err := config.NewLocalClusterConfig(opts...)
	require.NoError(t, err)
	cfg.P2P = &config.P2PConfig{ListenHost: "127.0.0.1", ListenPort: 0, MaxPeers: 16}

	c, err := New(ulogger.TestLogger{}, cfg, memoryStoreFactory())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	return c
}

func connectClusters(t *testing.T, from, to *Cluster) {
	t.Helper()
	_, err := from.Network.ConnectPeer(context.Background(), "127.0.0.1", to.Network.ListenPort())
	require.NoError(t, err)
}

func assertWithTimeout(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time: %s", msg)
}

func mineMinor(t *testing.T, c *Cluster, branch model.Branch, coinbase model.Address) *model.MinorBlock {
	t.Helper()

	state := c.GetShardState(branch)
	require.NotNil(t, state)
	block, err := state.CreateBlockToMine(0, coinbase)
	require.NoError(t, err)

	raw, err := model.SerializeToBytes(block)
	require.NoError(t, err)
	require.NoError(t, c.Master.AddRawMinorBlock(context.Background(), branch, raw))
	return block
}

func TestMinorBlockPropagationBetweenClusters(t *testing.T) {
	id1, err := model.CreateRandomIdentity()
	require.NoError(t, err)

	c0 := newNetworkedCluster(t, id1)
	c1 := newNetworkedCluster(t, id1)
	connectClusters(t, c1, c0)

	acc1 := id1.AddressInShard(0)
	b1 := mineMinor(t, c0, model.NewBranch(0b10), acc1)

	// no root block committed yet, so the deposit list was not broadcast
	assert.False(t, c0.GetShardState(model.NewBranch(0b11)).ContainRemoteMinorBlockHash(b1.Hash()))
	assert.True(t, c0.Master.RootState().IsMinorBlockValidated(b1.Hash()))

	assertWithTimeout(t, func() bool {
		return c1.GetShardState(model.NewBranch(0b10)).ContainBlockByHash(b1.Hash())
	}, "cluster 1 downloads b1")
	assertWithTimeout(t, func() bool {
		return c1.Master.RootState().IsMinorBlockValidated(b1.Hash())
	}, "cluster 1 validates b1")

	assert.False(t, c1.GetShardState(model.NewBranch(0b11)).ContainRemoteMinorBlockHash(b1.Hash()))
}

func TestTransactionPropagationBetweenClusters(t *testing.T) {
	id1, err := model.CreateRandomIdentity()
	require.NoError(t, err)

	c0 := newNetworkedCluster(t, id1)
	c1 := newNetworkedCluster(t, id1)
	connectClusters(t, c1, c0)

	tx := transferTx(t, c0.Cfg, id1, 0, 0, id1.Recipient(), 12345, 1, 0)
	require.NoError(t, c0.Master.AddTransaction(context.Background(), tx))
	require.Equal(t, 1, c0.GetShardState(model.NewBranch(0b10)).TxPoolSize())

	assertWithTimeout(t, func() bool {
		return c1.GetShardState(model.NewBranch(0b10)).TxPoolSize() == 1
	}, "cluster 1 receives the relayed transaction")
}

func TestRootBlockPropagationWithForkOverride(t *testing.T) {
	id1, err := model.CreateRandomIdentity()
	require.NoError(t, err)

	// a slow root chain gives one root block enough budget for 13 shard
	// blocks
	opts := []config.LocalClusterOption{config.WithBlockTimes(30, 3)}

	c0 := newNetworkedCluster(t, id1, opts...)
	c1 := newNetworkedCluster(t, id1, opts...)

	acc1 := id1.AddressInShard(0)

	// partitioned: cluster 0 builds 7 blocks on 0b10 and one on 0b11
	var b1 *model.MinorBlock
	for i := 0; i < 7; i++ {
		b1 = mineMinor(t, c0, model.NewBranch(0b10), acc1)
	}
	require.Equal(t, uint64(7), b1.Header.Height)
	b2 := mineMinor(t, c0, model.NewBranch(0b11), acc1)

	// cluster 1 builds a conflicting block on 0b11 (a different coinbase
	// keeps the hash distinct from b2)
	b3 := mineMinor(t, c1, model.NewBranch(0b11), model.NewAddress(model.RandomRecipient(), 0))
	require.NotEqual(t, b2.Hash(), b3.Hash())
	require.Equal(t, b3.Hash(), c1.GetShardState(model.NewBranch(0b11)).Tip().Hash())

	connectClusters(t, c1, c0)

	// cluster 0 commits a root block confirming its headers
	ctx := context.Background()
	isRoot, root1, _, err := c0.Master.GetNextBlockToMine(ctx, acc1, true)
	require.NoError(t, err)
	require.True(t, isRoot)
	require.NoError(t, c0.Master.AddRootBlock(ctx, root1))
	require.Equal(t, root1.Hash(), c0.Master.RootState().Tip().Hash())

	// cluster 1 adopts the root block and downloads the minor chain
	assertWithTimeout(t, func() bool {
		return c1.Master.RootState().Tip().Hash() == root1.Hash()
	}, "cluster 1 adopts the root tip")

	assertWithTimeout(t, func() bool {
		return c1.GetShardState(model.NewBranch(0b10)).Tip().Hash() == b1.Hash()
	}, "cluster 1 downloads the 0b10 chain")

	// root-chain-first: the conflicting 0b11 tip is rewritten to b2
	assertWithTimeout(t, func() bool {
		return c1.GetShardState(model.NewBranch(0b11)).Tip().Hash() == b2.Hash()
	}, "cluster 1 rewrites its 0b11 tip")
}

func TestShardSynchronizerWithFork(t *testing.T) {
	id1, err := model.CreateRandomIdentity()
	require.NoError(t, err)

	c0 := newNetworkedCluster(t, id1)
	c1 := newNetworkedCluster(t, id1)

	acc1 := id1.AddressInShard(0)
	branch := model.NewBranch(0b10)

	// partitioned: 13 blocks on cluster 0, 12 different ones on cluster 1
	var blocks []*model.MinorBlock
	for i := 0; i < 13; i++ {
		blocks = append(blocks, mineMinor(t, c0, branch, acc1))
	}
	other := model.NewAddress(model.RandomRecipient(), 0)
	for i := 0; i < 12; i++ {
		mineMinor(t, c1, branch, other)
	}
	require.Equal(t, uint64(13), c0.GetShardState(branch).Tip().Height)
	require.Equal(t, uint64(12), c1.GetShardState(branch).Tip().Height)

	connectClusters(t, c1, c0)

	// one more block on cluster 0 triggers the catch-up on cluster 1
	blocks = append(blocks, mineMinor(t, c0, branch, acc1))

	for _, block := range blocks {
		block := block
		assertWithTimeout(t, func() bool {
			return c1.GetShardState(branch).ContainBlockByHash(block.Hash())
		}, "cluster 1 downloads the longer chain")
		assertWithTimeout(t, func() bool {
			return c1.Master.RootState().IsMinorBlockValidated(block.Hash())
		}, "cluster 1 validates the longer chain")
	}

	assertWithTimeout(t, func() bool {
		return c1.GetShardState(branch).Tip().Hash() == c0.GetShardState(branch).Tip().Hash()
	}, "tips converge")
}

func TestShardGenesisForkAtRootDivergence(t *testing.T) {
	acc1 := model.NewAddress(model.RandomRecipient(), 0)
	acc2 := model.NewAddress(model.RandomRecipient(), 0)

	heights := map[uint32]uint64{2: 0, 3: 1}
	opts := []config.LocalClusterOption{
		config.WithChainSize(1),
		config.WithShardSize(2),
		config.WithGenesisRootHeights(heights),
	}

	c0 := newNetworkedCluster(t, nil, opts...)
	c1 := newNetworkedCluster(t, nil, opts...)

	ctx := context.Background()
	branch := model.NewBranch(0b11)

	// partitioned: each cluster mines a different root at height 1
	isRoot, root0, _, err := c0.Master.GetNextBlockToMine(ctx, acc1, true)
	require.NoError(t, err)
	require.True(t, isRoot)
	require.NoError(t, c0.Master.AddRootBlock(ctx, root0))

	genesis0, err := c0.GetShardState(branch).GetMinorBlockByHeight(0)
	require.NoError(t, err)
	assert.Equal(t, root0.Hash(), genesis0.Header.HashPrevRootBlock)

	isRoot, root1, _, err := c1.Master.GetNextBlockToMine(ctx, acc2, true)
	require.NoError(t, err)
	require.True(t, isRoot)
	require.NotEqual(t, root0.Hash(), root1.Hash())
	require.NoError(t, c1.Master.AddRootBlock(ctx, root1))

	genesis1, err := c1.GetShardState(branch).GetMinorBlockByHeight(0)
	require.NoError(t, err)
	assert.Equal(t, root1.Hash(), genesis1.Header.HashPrevRootBlock)

	// cluster 1's root chain grows heavier
	isRoot, root2, _, err := c1.Master.GetNextBlockToMine(ctx, acc2, true)
	require.NoError(t, err)
	require.True(t, isRoot)
	require.NoError(t, c1.Master.AddRootBlock(ctx, root2))
	require.Equal(t, uint64(2), c1.Master.RootState().Tip().Height)

	connectClusters(t, c1, c0)

	// cluster 0 replaces its shard genesis with cluster 1's
	assertWithTimeout(t, func() bool {
		block, err := c0.GetShardState(branch).GetMinorBlockByHeight(0)
		return err == nil && block.Hash() == genesis1.Hash()
	}, "cluster 0 adopts the winning genesis")

	assertWithTimeout(t, func() bool {
		return c0.GetShardState(branch).RootTip().Hash() == root2.Header.Hash()
	}, "cluster 0 follows the winning root chain")
}
