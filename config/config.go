package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"
	"sort"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
)

// Network ids.
const (
	NetworkMainnet uint32 = 1
	NetworkTestnet uint32 = 3
)

// RootGenesis describes the root chain's genesis block.
type RootGenesis struct {
	Version    uint32 `json:"VERSION"`
	Height     uint64 `json:"HEIGHT"`
	Timestamp  uint64 `json:"TIMESTAMP"`
	Difficulty uint64 `json:"DIFFICULTY"`
	Nonce      uint64 `json:"NONCE"`
}

// ShardGenesis describes one shard's genesis block. RootHeight is the root
// block height the shard genesis anchors to; the shard does not exist before
// the root chain reaches it.
type ShardGenesis struct {
	RootHeight uint64            `json:"ROOT_HEIGHT"`
	Version    uint32            `json:"VERSION"`
	Height     uint64            `json:"HEIGHT"`
	Timestamp  uint64            `json:"TIMESTAMP"`
	Difficulty uint64            `json:"DIFFICULTY"`
	GasLimit   uint64            `json:"GAS_LIMIT"`
	ExtraData  string            `json:"EXTRA_DATA"`
	Alloc      map[string]Amount `json:"ALLOC"`
}

// RootConfig is the root chain's consensus and reward configuration.
type RootConfig struct {
	// Blocks with heights this far below the tip are dropped outright. The
	// network forks permanently after a longer partition.
	MaxStaleRootBlockHeightDiff uint64 `json:"MAX_STALE_ROOT_BLOCK_HEIGHT_DIFF"`

	ConsensusType   ConsensusType `json:"CONSENSUS_TYPE"`
	ConsensusConfig *PowConfig    `json:"CONSENSUS_CONFIG,omitempty"`
	Genesis         *RootGenesis  `json:"GENESIS,omitempty"`

	CoinbaseAddress string `json:"COINBASE_ADDRESS"`
	CoinbaseAmount  Amount `json:"COINBASE_AMOUNT"`

	DifficultyAdjustmentCutoffTime uint32 `json:"DIFFICULTY_ADJUSTMENT_CUTOFF_TIME"`
	DifficultyAdjustmentFactor     uint32 `json:"DIFFICULTY_ADJUSTMENT_FACTOR"`
}

// ShardConfig is one shard's consensus, reward and gas configuration. The
// derived rate limits take the root config as an explicit argument; shard
// configs hold no back-pointer.
type ShardConfig struct {
	ChainID   uint32 `json:"CHAIN_ID"`
	ShardSize uint32 `json:"SHARD_SIZE"`
	ShardID   uint32 `json:"SHARD_ID"`

	ConsensusType   ConsensusType `json:"CONSENSUS_TYPE"`
	ConsensusConfig *PowConfig    `json:"CONSENSUS_CONFIG,omitempty"`
	Genesis         *ShardGenesis `json:"GENESIS,omitempty"`

	CoinbaseAddress string `json:"COINBASE_ADDRESS"`
	CoinbaseAmount  Amount `json:"COINBASE_AMOUNT"`

	GasLimitMinimum uint64 `json:"GAS_LIMIT_MINIMUM"`
	GasLimitMaximum uint64 `json:"GAS_LIMIT_MAXIMUM"`

	DifficultyAdjustmentCutoffTime uint32 `json:"DIFFICULTY_ADJUSTMENT_CUTOFF_TIME"`
	DifficultyAdjustmentFactor     uint32 `json:"DIFFICULTY_ADJUSTMENT_FACTOR"`

	ExtraShardBlocksInRootBlock uint32 `json:"EXTRA_SHARD_BLOCKS_IN_ROOT_BLOCK"`
}

func (s *ShardConfig) FullShardID() model.Branch {
	return model.BranchFrom(s.ChainID, s.ShardSize, s.ShardID)
}

// MaxBlocksPerShardInOneRootBlock bounds how many headers of this shard a
// single root block may confirm: the expected block count during one root
// interval plus slack for block time variance.
func (s *ShardConfig) MaxBlocksPerShardInOneRootBlock(root *RootConfig) uint32 {
	return root.ConsensusConfig.TargetBlockTime/s.ConsensusConfig.TargetBlockTime +
		s.ExtraShardBlocksInRootBlock
}

// MaxStaleMinorBlockHeightDiff scales the root-chain staleness window to the
// shard's faster block cadence.
func (s *ShardConfig) MaxStaleMinorBlockHeightDiff(root *RootConfig) uint64 {
	return root.MaxStaleRootBlockHeightDiff *
		uint64(root.ConsensusConfig.TargetBlockTime) /
		uint64(s.ConsensusConfig.TargetBlockTime)
}

// CoinbaseRecipient parses the configured hex coinbase address.
func (s *ShardConfig) CoinbaseRecipient() (model.Address, error) {
	return parseCoinbaseAddress(s.CoinbaseAddress)
}

// P2PConfig configures the inter-cluster peer plane.
type P2PConfig struct {
	ListenHost    string `json:"LISTEN_HOST"`
	ListenPort    uint16 `json:"LISTEN_PORT"`
	BootstrapHost string `json:"BOOTSTRAP_HOST"`
	BootstrapPort uint16 `json:"BOOTSTRAP_PORT"`
	MaxPeers      uint32 `json:"MAX_PEERS"`
}

// SlaveConfig names one slave process and the shards it hosts.
type SlaveConfig struct {
	ID            string   `json:"ID"`
	ShardMaskList []uint32 `json:"SHARD_MASK_LIST"`
}

func (s *SlaveConfig) Masks() []model.ShardMask {
	masks := make([]model.ShardMask, len(s.ShardMaskList))
	for i, m := range s.ShardMaskList {
		masks[i] = model.ShardMask(m)
	}
	return masks
}

// ClusterConfig is the immutable cluster topology, loaded from JSON at
// startup. Unknown keys are rejected.
type ClusterConfig struct {
	NetworkID uint32 `json:"NETWORK_ID"`
	ChainSize uint32 `json:"CHAIN_SIZE"`

	// Share of every minor block reward taxed to the root chain.
	RewardTaxRate float64 `json:"REWARD_TAX_RATE"`

	TransactionQueueSizeLimitPerShard uint32 `json:"TRANSACTION_QUEUE_SIZE_LIMIT_PER_SHARD"`
	BlockExtraDataSizeLimit           uint32 `json:"BLOCK_EXTRA_DATA_SIZE_LIMIT"`

	SkipRootDifficultyCheck  bool `json:"SKIP_ROOT_DIFFICULTY_CHECK"`
	SkipMinorDifficultyCheck bool `json:"SKIP_MINOR_DIFFICULTY_CHECK"`

	P2P    *P2PConfig     `json:"P2P,omitempty"`
	Slaves []*SlaveConfig `json:"SLAVES"`

	Root   *RootConfig    `json:"ROOT"`
	Shards []*ShardConfig `json:"SHARDS"`

	shardsByID       map[model.Branch]*ShardConfig
	shardSizeByChain map[uint32]uint32
	taxRate          *big.Rat
}

// Load reads and validates a cluster config file.
func Load(path string) (*ClusterConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigurationError("cannot read config %s", path, err)
	}
	return LoadBytes(b)
}

// LoadBytes parses a JSON cluster config, rejecting unknown keys.
func LoadBytes(b []byte) (*ClusterConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	cfg := &ClusterConfig{}
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.NewConfigurationError("invalid cluster config", err)
	}
	if err := cfg.InitAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitAndValidate checks the topology invariants and builds the lookup
// indexes. It must be called before any getter.
func (c *ClusterConfig) InitAndValidate() error {
	if c.Root == nil {
		return errors.NewConfigurationError("missing ROOT config")
	}
	if c.Root.ConsensusType.IsPow() && c.Root.ConsensusConfig == nil {
		return errors.NewConfigurationError("root consensus %s requires CONSENSUS_CONFIG", c.Root.ConsensusType)
	}
	if c.Root.Genesis == nil {
		return errors.NewConfigurationError("missing root GENESIS")
	}

	taxRate := new(big.Rat).SetFloat64(c.RewardTaxRate)
	if taxRate == nil || taxRate.Sign() < 0 || taxRate.Cmp(big.NewRat(1, 1)) > 0 {
		return errors.NewConfigurationError("REWARD_TAX_RATE %v out of range", c.RewardTaxRate)
	}
	// keep it a percent-level fraction, not a float artifact
	taxRate = ratLimitDenominator(taxRate, 100)
	c.taxRate = taxRate

	c.shardsByID = make(map[model.Branch]*ShardConfig, len(c.Shards))
	c.shardSizeByChain = make(map[uint32]uint32)
	shardIDsByChain := make(map[uint32]map[uint32]bool)

	for _, shard := range c.Shards {
		fullShardID := shard.FullShardID()
		if shard.ShardSize == 0 || shard.ShardSize&(shard.ShardSize-1) != 0 {
			return errors.NewConfigurationError("SHARD_SIZE %d is not a power of two", shard.ShardSize)
		}
		if shard.ShardID >= shard.ShardSize {
			return errors.NewConfigurationError("SHARD_ID %d out of range for size %d", shard.ShardID, shard.ShardSize)
		}
		if size, ok := c.shardSizeByChain[shard.ChainID]; ok && size != shard.ShardSize {
			return errors.NewConfigurationError("chain %d has inconsistent shard sizes", shard.ChainID)
		}
		c.shardSizeByChain[shard.ChainID] = shard.ShardSize
		if shard.ConsensusType.IsPow() && shard.ConsensusConfig == nil {
			return errors.NewConfigurationError("shard %s consensus %s requires CONSENSUS_CONFIG",
				fullShardID, shard.ConsensusType)
		}
		if shard.Genesis == nil {
			return errors.NewConfigurationError("shard %s has no GENESIS", fullShardID)
		}
		if _, dup := c.shardsByID[fullShardID]; dup {
			return errors.NewConfigurationError("duplicate shard %s", fullShardID)
		}
		c.shardsByID[fullShardID] = shard

		ids, ok := shardIDsByChain[shard.ChainID]
		if !ok {
			ids = make(map[uint32]bool)
			shardIDsByChain[shard.ChainID] = ids
		}
		ids[shard.ShardID] = true
	}

	// shard ids of every chain must cover 0..shard_size
	for chainID, ids := range shardIDsByChain {
		size := c.shardSizeByChain[chainID]
		if uint32(len(ids)) != size {
			return errors.NewConfigurationError("chain %d covers %d of %d shard ids", chainID, len(ids), size)
		}
	}

	// chain ids must cover 0..chain_size
	if uint32(len(shardIDsByChain)) != c.ChainSize {
		return errors.NewConfigurationError("config covers %d of %d chains", len(shardIDsByChain), c.ChainSize)
	}
	for chainID := uint32(0); chainID < c.ChainSize; chainID++ {
		if _, ok := shardIDsByChain[chainID]; !ok {
			return errors.NewConfigurationError("missing chain %d", chainID)
		}
	}

	// every shard must be hosted by exactly one slave
	if len(c.Slaves) > 0 {
		for fullShardID := range c.shardsByID {
			owners := 0
			for _, slave := range c.Slaves {
				for _, mask := range slave.Masks() {
					if mask.ContainsBranch(fullShardID) {
						owners++
						break
					}
				}
			}
			if owners != 1 {
				return errors.NewConfigurationError("shard %s is hosted by %d slaves", fullShardID, owners)
			}
		}
	}

	return nil
}

// RewardTaxRateFraction is the root chain's share of minor block rewards.
func (c *ClusterConfig) RewardTaxRateFraction() *big.Rat {
	return c.taxRate
}

// MinerRewardFraction is the shard miner's share: 1 - tax rate.
func (c *ClusterConfig) MinerRewardFraction() *big.Rat {
	return new(big.Rat).Sub(big.NewRat(1, 1), c.taxRate)
}

func (c *ClusterConfig) GetShardConfigByFullShardID(id model.Branch) (*ShardConfig, error) {
	shard, ok := c.shardsByID[id]
	if !ok {
		return nil, errors.NewNotFoundError("no shard config for %s", id)
	}
	return shard, nil
}

func (c *ClusterConfig) GetShardSizeByChainID(chainID uint32) (uint32, error) {
	size, ok := c.shardSizeByChain[chainID]
	if !ok {
		return 0, errors.NewNotFoundError("no chain %d", chainID)
	}
	return size, nil
}

// GetFullShardIDByFullShardKey maps an address full shard key onto the shard
// that owns it.
func (c *ClusterConfig) GetFullShardIDByFullShardKey(fullShardKey uint32) (model.Branch, error) {
	chainID := fullShardKey >> 16
	size, err := c.GetShardSizeByChainID(chainID)
	if err != nil {
		return 0, err
	}
	return model.BranchFrom(chainID, size, fullShardKey&(size-1)), nil
}

// GetFullShardIDs returns every configured shard id, sorted.
func (c *ClusterConfig) GetFullShardIDs() []model.Branch {
	ids := make([]model.Branch, 0, len(c.shardsByID))
	for id := range c.shardsByID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetGenesisRootHeight returns the root height at which the shard's genesis
// minor block is created.
func (c *ClusterConfig) GetGenesisRootHeight(id model.Branch) (uint64, error) {
	shard, err := c.GetShardConfigByFullShardID(id)
	if err != nil {
		return 0, err
	}
	return shard.Genesis.RootHeight, nil
}

// GetInitializedFullShardIDsBeforeRootHeight lists the shards whose genesis
// exists strictly before the given root height.
func (c *ClusterConfig) GetInitializedFullShardIDsBeforeRootHeight(rootHeight uint64) []model.Branch {
	var ids []model.Branch
	for id, shard := range c.shardsByID {
		if shard.Genesis.RootHeight < rootHeight {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RootCoinbaseRecipient parses the root coinbase address.
func (c *ClusterConfig) RootCoinbaseRecipient() (model.Address, error) {
	return parseCoinbaseAddress(c.Root.CoinbaseAddress)
}

func parseCoinbaseAddress(s string) (model.Address, error) {
	if s == "" {
		return model.Address{}, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != model.RecipientLength+4 {
		return model.Address{}, errors.NewConfigurationError("invalid coinbase address %q", s)
	}
	recipient, _ := model.NewRecipientFromSlice(b[:model.RecipientLength])
	key := uint32(b[20])<<24 | uint32(b[21])<<16 | uint32(b[22])<<8 | uint32(b[23])
	return model.NewAddress(recipient, key), nil
}

func ratLimitDenominator(r *big.Rat, maxDenominator int64) *big.Rat {
	if r.Denom().Cmp(big.NewInt(maxDenominator)) <= 0 {
		return r
	}
	// truncate to the next lower multiple of 1/maxDenominator
	num := new(big.Int).Mul(r.Num(), big.NewInt(maxDenominator))
	num.Quo(num, r.Denom())
	return new(big.Rat).SetFrac(num, big.NewInt(maxDenominator))
}
