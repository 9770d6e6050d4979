package config

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-network/lattice/model"
)

func TestNewLocalClusterConfig(t *testing.T) {
	cfg, err := NewLocalClusterConfig()
	require.NoError(t, err)

	ids := cfg.GetFullShardIDs()
	require.Len(t, ids, 4)
	assert.Equal(t, model.NewBranch(0b10), ids[0])
	assert.Equal(t, model.NewBranch(0b11), ids[1])
	assert.Equal(t, model.NewBranch(1<<16|2|0), ids[2])

	size, err := cfg.GetShardSizeByChainID(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), size)

	branch, err := cfg.GetFullShardIDByFullShardKey(0)
	require.NoError(t, err)
	assert.Equal(t, model.NewBranch(0b10), branch)

	branch, err = cfg.GetFullShardIDByFullShardKey(1<<16 | 1)
	require.NoError(t, err)
	assert.Equal(t, model.NewBranch(1<<16|2|1), branch)

	assert.Equal(t, big.NewRat(1, 2), cfg.RewardTaxRateFraction())
	assert.Equal(t, big.NewRat(1, 2), cfg.MinerRewardFraction())
}

func TestDeferredGenesisHeights(t *testing.T) {
	id1 := uint32(0<<16 | 1 | 0)
	id2 := uint32(1<<16 | 1 | 0)
	cfg, err := NewLocalClusterConfig(
		WithChainSize(2),
		WithShardSize(1),
		WithGenesisRootHeights(map[uint32]uint64{id1: 1, id2: 2}),
	)
	require.NoError(t, err)

	h, err := cfg.GetGenesisRootHeight(model.NewBranch(id1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h)

	assert.Empty(t, cfg.GetInitializedFullShardIDsBeforeRootHeight(1))
	assert.Equal(t, []model.Branch{model.NewBranch(id1)}, cfg.GetInitializedFullShardIDsBeforeRootHeight(2))
	assert.Len(t, cfg.GetInitializedFullShardIDsBeforeRootHeight(3), 2)
}

func TestLoadBytes(t *testing.T) {
	cfg, err := NewLocalClusterConfig()
	require.NoError(t, err)

	b, err := json.Marshal(cfg)
	require.NoError(t, err)

	reloaded, err := LoadBytes(b)
	require.NoError(t, err)
	assert.Equal(t, cfg.NetworkID, reloaded.NetworkID)
	assert.Equal(t, len(cfg.Shards), len(reloaded.Shards))
	assert.Equal(t, 0, reloaded.Root.CoinbaseAmount.Value().Cmp(TokensToWei(120)))

	t.Run("unknown keys rejected", func(t *testing.T) {
		_, err := LoadBytes([]byte(`{"NETWORK_ID": 3, "BOGUS": true}`))
		require.Error(t, err)
	})

	t.Run("unknown consensus type rejected", func(t *testing.T) {
		_, err := LoadBytes([]byte(`{"ROOT": {"CONSENSUS_TYPE": "POW_SHA3"}}`))
		require.Error(t, err)
	})
}

func TestInitAndValidate(t *testing.T) {
	t.Run("shard size must be power of two", func(t *testing.T) {
		cfg, err := NewLocalClusterConfig(WithShardSize(2))
		require.NoError(t, err)
		cfg.Shards[0].ShardSize = 3
		require.Error(t, cfg.InitAndValidate())
	})

	t.Run("shard ids must cover the size", func(t *testing.T) {
		cfg, err := NewLocalClusterConfig()
		require.NoError(t, err)
		cfg.Shards = cfg.Shards[:len(cfg.Shards)-1]
		require.Error(t, cfg.InitAndValidate())
	})

	t.Run("chain ids must cover chain size", func(t *testing.T) {
		cfg, err := NewLocalClusterConfig()
		require.NoError(t, err)
		cfg.ChainSize = 3
		require.Error(t, cfg.InitAndValidate())
	})

	t.Run("every shard needs exactly one slave", func(t *testing.T) {
		cfg, err := NewLocalClusterConfig()
		require.NoError(t, err)
		cfg.Slaves = cfg.Slaves[:1]
		require.Error(t, cfg.InitAndValidate())
	})
}

func TestShardConfigDerivations(t *testing.T) {
	cfg, err := NewLocalClusterConfig(WithBlockTimes(10, 3))
	require.NoError(t, err)

	shard, err := cfg.GetShardConfigByFullShardID(model.NewBranch(0b10))
	require.NoError(t, err)

	// 10/3 + 3 extra
	assert.Equal(t, uint32(6), shard.MaxBlocksPerShardInOneRootBlock(cfg.Root))
	// 60 * 10 / 3
	assert.Equal(t, uint64(200), shard.MaxStaleMinorBlockHeightDiff(cfg.Root))
}
