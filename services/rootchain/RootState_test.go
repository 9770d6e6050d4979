package rootchain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/stores/kv/memory"
	"github.com/lattice-network/lattice/ulogger"
)

func newTestRootState(t *testing.T, opts ...config.LocalClusterOption) (*RootState, *config.ClusterConfig) {
	t.Helper()

	cfg, err := config.NewLocalClusterConfig(opts...)
	require.NoError(t, err)

	state, err := NewRootState(ulogger.TestLogger{}, cfg, memory.New())
	require.NoError(t, err)
	return state, cfg
}

func minorHeader(branch model.Branch, height uint64, anchor, prev model.Hash) *model.MinorBlockHeader {
	return &model.MinorBlockHeader{
		Branch:             branch,
		Height:             height,
		CoinbaseAmount:     new(big.Int),
		HashPrevMinorBlock: prev,
		HashPrevRootBlock:  anchor,
		Time:               1519147489 + height,
	}
}

// minorChain builds n parent-linked headers from height 0, the first one
// rooted at the zero hash like a shard genesis.
func minorChain(branch model.Branch, n int, anchor model.Hash) []*model.MinorBlockHeader {
	headers := make([]*model.MinorBlockHeader, n)
	prev := model.Hash{}
	for i := range headers {
		headers[i] = minorHeader(branch, uint64(i), anchor, prev)
		prev = headers[i].Hash()
	}
	return headers
}

func TestRootStateGenesis(t *testing.T) {
	state, cfg := newTestRootState(t)

	assert.Equal(t, uint64(0), state.Tip().Height)
	assert.Equal(t, state.Genesis().Hash(), state.Tip().Hash())
	assert.True(t, state.IsCanonical(state.Genesis().Hash()))

	t.Run("deterministic across instances", func(t *testing.T) {
		other, err := NewRootState(ulogger.TestLogger{}, cfg, memory.New())
		require.NoError(t, err)
		assert.Equal(t, state.Genesis().Hash(), other.Genesis().Hash())
	})
}

func TestRootStateValidatedPoolAndMining(t *testing.T) {
	state, _ := newTestRootState(t)
	genesisHash := state.Genesis().Hash()

	chain0 := minorChain(model.NewBranch(0b10), 2, genesisHash)
	chain1 := minorChain(model.NewBranch(0b11), 1, genesisHash)
	h1, h2, h3 := chain0[0], chain0[1], chain1[0]

	assert.False(t, state.IsMinorBlockValidated(h1.Hash()))
	require.NoError(t, state.AddValidatedMinorBlockHeader(h2))
	require.NoError(t, state.AddValidatedMinorBlockHeader(h1))
	require.NoError(t, state.AddValidatedMinorBlockHeader(h3))
	assert.True(t, state.IsMinorBlockValidated(h1.Hash()))

	pending := state.PendingMinorBlockHeaders()
	require.Len(t, pending, 3)
	// per-shard, height ascending
	assert.Equal(t, h1.Hash(), pending[0].Hash())
	assert.Equal(t, h2.Hash(), pending[1].Hash())
	assert.Equal(t, h3.Hash(), pending[2].Hash())

	block, err := state.CreateBlockToMine(nil, model.EmptyAddress(0), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), block.Header.Height)
	require.Len(t, block.MinorBlockHeaders, 3)

	reorg, err := state.AddBlock(block)
	require.NoError(t, err)
	assert.Nil(t, reorg)
	assert.Equal(t, block.Hash(), state.Tip().Hash())

	// confirmed headers leave the pending pool but stay validated
	assert.Empty(t, state.PendingMinorBlockHeaders())
	assert.True(t, state.IsMinorBlockValidated(h1.Hash()))

	confirming, ok := state.GetConfirmingRootBlock(h1.Hash())
	require.True(t, ok)
	assert.Equal(t, block.Hash(), confirming)

	t.Run("re-add is a no-op", func(t *testing.T) {
		reorg, err := state.AddBlock(block)
		require.NoError(t, err)
		assert.Nil(t, reorg)
	})
}

func TestRootStatePerShardCap(t *testing.T) {
	// root 10s / shard 3s + 3 extra = 6 per shard per root block
	state, _ := newTestRootState(t)
	genesisHash := state.Genesis().Hash()

	for _, header := range minorChain(model.NewBranch(0b10), 10, genesisHash) {
		require.NoError(t, state.AddValidatedMinorBlockHeader(header))
	}

	pending := state.PendingMinorBlockHeaders()
	require.Len(t, pending, 6)
	assert.Equal(t, uint64(0), pending[0].Height)
	assert.Equal(t, uint64(5), pending[5].Height)
}

func TestRootStateRejectsUnvalidatedHeaders(t *testing.T) {
	state, _ := newTestRootState(t)

	unknown := minorHeader(model.NewBranch(0b10), 1, state.Genesis().Hash(), model.HashOf([]byte("parent")))
	block, err := state.CreateBlockToMine([]*model.MinorBlockHeader{unknown}, model.EmptyAddress(0), 0)
	require.NoError(t, err)

	_, err = state.AddBlock(block)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBlockInvalid))
}

func TestRootStateUnknownParent(t *testing.T) {
	state, _ := newTestRootState(t)

	block, err := state.CreateBlockToMine(nil, model.EmptyAddress(0), 0)
	require.NoError(t, err)
	block.Header.HashPrevRootBlock = model.HashOf([]byte("orphan"))

	_, err = state.AddBlock(block)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownAncestor))
}

func TestRootStateReorgAndRollback(t *testing.T) {
	state, _ := newTestRootState(t)

	// branch a: height 1
	blockA, err := state.CreateBlockToMine(nil, model.EmptyAddress(0), 1519147500)
	require.NoError(t, err)
	_, err = state.AddBlock(blockA)
	require.NoError(t, err)
	require.Equal(t, blockA.Hash(), state.Tip().Hash())

	// branch b: heights 1 and 2 with a different coinbase
	other := model.NewAddress(model.RandomRecipient(), 0)
	blockB1, err := state.CreateBlockToMine(nil, other, 1519147501)
	require.NoError(t, err)
	blockB1.Header.HashPrevRootBlock = state.Genesis().Hash()
	blockB1.Header.Height = 1
	require.NotEqual(t, blockA.Hash(), blockB1.Hash())

	reorg, err := state.AddBlock(blockB1)
	require.NoError(t, err)
	assert.Nil(t, reorg) // equal work, tip unchanged
	assert.Equal(t, blockA.Hash(), state.Tip().Hash())

	blockB2 := blockB1.Header.CreateBlockToAppend(blockB1.Header.Time+1, 0, other)
	blockB2.Finalize(big.NewInt(0), other)

	reorg, err = state.AddBlock(blockB2)
	require.NoError(t, err)
	require.NotNil(t, reorg)
	assert.Equal(t, blockA.Hash(), reorg.OldTip.Hash())
	assert.Equal(t, blockB2.Hash(), reorg.NewTip.Hash())
	require.Len(t, reorg.NewChain, 2)
	assert.Equal(t, blockB1.Hash(), reorg.NewChain[0].Hash())
	assert.Equal(t, blockB2.Hash(), reorg.NewChain[1].Hash())

	assert.True(t, state.IsCanonical(blockB1.Hash()))
	assert.False(t, state.IsCanonical(blockA.Hash()))

	t.Run("reset tip rolls back to the previous view", func(t *testing.T) {
		require.NoError(t, state.ResetTip(blockA.Hash()))
		assert.Equal(t, blockA.Hash(), state.Tip().Hash())
		assert.True(t, state.IsCanonical(blockA.Hash()))
		assert.False(t, state.IsCanonical(blockB2.Hash()))
	})
}

func TestRootStateStaleBlockDropped(t *testing.T) {
	state, cfg := newTestRootState(t)
	cfg.Root.MaxStaleRootBlockHeightDiff = 2

	tip := state.Genesis()
	for i := 0; i < 5; i++ {
		block, err := state.CreateBlockToMine(nil, model.EmptyAddress(0), tip.Header.Time+uint64(i)+1)
		require.NoError(t, err)
		_, err = state.AddBlock(block)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(5), state.Tip().Height)

	// a fork block at height 1 is far below the tip now
	stale := state.Genesis().Header.CreateBlockToAppend(1519149999, 0, model.NewAddress(model.RandomRecipient(), 0))
	stale.Finalize(big.NewInt(0), stale.Header.CoinbaseAddress)

	_, err := state.AddBlock(stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBlockStale))
}
