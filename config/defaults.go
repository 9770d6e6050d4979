package config

import (
	"github.com/google/uuid"
)

// Default target block times, in seconds.
const (
	DefaultRootBlockTime  = uint32(10)
	DefaultShardBlockTime = uint32(3)
)

const defaultShardGasLimit = uint64(30000 * 400)

// LocalClusterOption tweaks a generated local cluster config.
type LocalClusterOption func(*localClusterParams)

type localClusterParams struct {
	chainSize          uint32
	shardSize          uint32
	numSlaves          int
	genesisRootHeights map[uint32]uint64
	rootBlockTime      uint32
	shardBlockTime     uint32
	alloc              map[string]Amount
}

func WithChainSize(n uint32) LocalClusterOption {
	return func(p *localClusterParams) { p.chainSize = n }
}

func WithShardSize(n uint32) LocalClusterOption {
	return func(p *localClusterParams) { p.shardSize = n }
}

func WithNumSlaves(n int) LocalClusterOption {
	return func(p *localClusterParams) { p.numSlaves = n }
}

// WithGenesisRootHeights defers shard creation: the map is keyed by full
// shard id.
func WithGenesisRootHeights(heights map[uint32]uint64) LocalClusterOption {
	return func(p *localClusterParams) { p.genesisRootHeights = heights }
}

func WithBlockTimes(rootSeconds, shardSeconds uint32) LocalClusterOption {
	return func(p *localClusterParams) {
		p.rootBlockTime = rootSeconds
		p.shardBlockTime = shardSeconds
	}
}

// WithGenesisAlloc pre-funds recipients (hex encoded) on every shard.
func WithGenesisAlloc(alloc map[string]Amount) LocalClusterOption {
	return func(p *localClusterParams) { p.alloc = alloc }
}

// NewLocalClusterConfig builds a ready-to-run cluster config with Simulate
// consensus and difficulty checks disabled. It is the programmatic
// equivalent of the JSON file a deployment would load, and is what the test
// harnesses use.
func NewLocalClusterConfig(opts ...LocalClusterOption) (*ClusterConfig, error) {
	p := &localClusterParams{
		chainSize:      2,
		shardSize:      2,
		numSlaves:      2,
		rootBlockTime:  DefaultRootBlockTime,
		shardBlockTime: DefaultShardBlockTime,
	}
	for _, opt := range opts {
		opt(p)
	}

	cfg := &ClusterConfig{
		NetworkID:                         NetworkTestnet,
		ChainSize:                         p.chainSize,
		RewardTaxRate:                     0.5,
		TransactionQueueSizeLimitPerShard: 10000,
		BlockExtraDataSizeLimit:           1024,
		SkipRootDifficultyCheck:           true,
		SkipMinorDifficultyCheck:          true,
		Root: &RootConfig{
			MaxStaleRootBlockHeightDiff:    60,
			ConsensusType:                  ConsensusSimulate,
			ConsensusConfig:                NewPowConfig(p.rootBlockTime),
			Genesis:                        &RootGenesis{Timestamp: 1519147489, Difficulty: 1000000},
			CoinbaseAmount:                 NewAmount(TokensToWei(120)),
			DifficultyAdjustmentCutoffTime: 40,
			DifficultyAdjustmentFactor:     1024,
		},
	}

	for chainID := uint32(0); chainID < p.chainSize; chainID++ {
		for shardID := uint32(0); shardID < p.shardSize; shardID++ {
			shard := &ShardConfig{
				ChainID:       chainID,
				ShardSize:     p.shardSize,
				ShardID:       shardID,
				ConsensusType: ConsensusSimulate,
				ConsensusConfig: NewPowConfig(p.shardBlockTime),
				Genesis: &ShardGenesis{
					Timestamp:  1519147489,
					Difficulty: 10000,
					GasLimit:   defaultShardGasLimit,
					Alloc:      p.alloc,
				},
				CoinbaseAmount:                 NewAmount(TokensToWei(5)),
				GasLimitMinimum:                5000,
				GasLimitMaximum:                1<<63 - 1,
				DifficultyAdjustmentCutoffTime: 7,
				DifficultyAdjustmentFactor:     512,
				ExtraShardBlocksInRootBlock:    3,
			}
			if h, ok := p.genesisRootHeights[shard.FullShardID().Value()]; ok {
				shard.Genesis.RootHeight = h
			}
			cfg.Shards = append(cfg.Shards, shard)
		}
	}

	// split the shard space across the slaves by id modulo
	if p.numSlaves > 0 {
		n := nextPowerOfTwo(uint32(p.numSlaves))
		for i := uint32(0); i < n; i++ {
			cfg.Slaves = append(cfg.Slaves, &SlaveConfig{
				ID:            uuid.NewString(),
				ShardMaskList: []uint32{i | n},
			})
		}
	}

	if err := cfg.InitAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func nextPowerOfTwo(v uint32) uint32 {
	n := uint32(1)
	for n < v {
		n <<= 1
	}
	return n
}
