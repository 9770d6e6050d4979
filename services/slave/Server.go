package slave

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/services/shard"
	"github.com/lattice-network/lattice/stores/kv"
	"github.com/lattice-network/lattice/ulogger"
)

// StoreFactory opens the exclusively-owned KV namespace for one shard.
type StoreFactory func(namespace string) (kv.Store, error)

// Slave hosts the subset of shards selected by its shard masks. A
// ShardState exists for every covered shard from startup; those with a
// deferred genesis stay dormant until the root chain reaches their genesis
// root height.
type Slave struct {
	logger ulogger.Logger
	cfg    *config.ClusterConfig
	id     string
	masks  []model.ShardMask
	router Router
	shards map[model.Branch]*shard.ShardState
}

func NewSlave(logger ulogger.Logger, cfg *config.ClusterConfig, slaveCfg *config.SlaveConfig,
	storeFactory StoreFactory, router Router) (*Slave, error) {
	s := &Slave{
		logger: logger,
		cfg:    cfg,
		id:     slaveCfg.ID,
		masks:  slaveCfg.Masks(),
		router: router,
		shards: make(map[model.Branch]*shard.ShardState),
	}

	for _, branch := range cfg.GetFullShardIDs() {
		if !s.CoversBranch(branch) {
			continue
		}
		store, err := storeFactory(fmt.Sprintf("shard-%08x", branch.Value()))
		if err != nil {
			return nil, err
		}
		state, err := shard.NewShardState(logger, cfg, branch, store, nil)
		if err != nil {
			return nil, err
		}
		s.shards[branch] = state
	}

	return s, nil
}

func (s *Slave) ID() string {
	return s.id
}

func (s *Slave) CoversBranch(branch model.Branch) bool {
	for _, mask := range s.masks {
		if mask.ContainsBranch(branch) {
			return true
		}
	}
	return false
}

// GetShard returns the hosted ShardState, nil for shards this slave does
// not cover.
func (s *Slave) GetShard(branch model.Branch) *shard.ShardState {
	return s.shards[branch]
}

func (s *Slave) getShard(branch model.Branch) (*shard.ShardState, error) {
	state, ok := s.shards[branch]
	if !ok {
		return nil, errors.NewInvalidArgumentError("slave %s does not host shard %s", s.id, branch)
	}
	return state, nil
}

// AddTx routes a transaction to the owning shard's mempool.
func (s *Slave) AddTx(ctx context.Context, tx *model.EvmTransaction) error {
	branch, err := s.cfg.GetFullShardIDByFullShardKey(tx.FromFullShardKey)
	if err != nil {
		return errors.NewTxInvalidError("unroutable transaction", err)
	}
	state, err := s.getShard(branch)
	if err != nil {
		return err
	}
	return state.AddTx(tx)
}

// AddBlock decodes a raw minor block and hands it to the owning shard.
func (s *Slave) AddBlock(ctx context.Context, branch model.Branch, raw []byte) error {
	block, err := model.DecodeMinorBlock(raw, branch)
	if err != nil {
		return err
	}
	return s.AddMinorBlock(ctx, block)
}

// AddMinorBlock validates a minor block on its shard and, on first
// acceptance, submits the header for root confirmation and fans the
// cross-shard lists out to the neighbor shards that existed before the
// block's root commitment.
func (s *Slave) AddMinorBlock(ctx context.Context, block *model.MinorBlock) error {
	state, err := s.getShard(block.Header.Branch)
	if err != nil {
		return err
	}

	lists, prevRootHeight, err := state.AddBlock(block)
	if err != nil {
		return err
	}
	if lists == nil {
		return nil // already known
	}

	if err := s.router.AddValidatedMinorBlockHeader(ctx, block.Header); err != nil {
		return err
	}

	// only shards whose genesis predates the committed root view receive
	// the fan-out; a dormant shard has no inbox yet
	targets := make(map[model.Branch]*model.CrossShardTransactionList)
	for _, active := range s.cfg.GetInitializedFullShardIDsBeforeRootHeight(prevRootHeight) {
		if list, ok := lists[active]; ok {
			targets[active] = list
		}
	}
	if len(targets) > 0 {
		if err := s.router.BroadcastXShardTxList(ctx, block.Hash(), targets); err != nil {
			return err
		}
	}

	s.router.MinorBlockAdded(block)
	return nil
}

// AddRootBlock propagates a committed root block to every hosted shard and
// reports the genesis headers of shards it activated.
func (s *Slave) AddRootBlock(ctx context.Context, block *model.RootBlock) ([]*model.MinorBlockHeader, error) {
	var created []*model.MinorBlockHeader

	branches := make([]model.Branch, 0, len(s.shards))
	for branch := range s.shards {
		branches = append(branches, branch)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i] < branches[j] })

	for _, branch := range branches {
		state := s.shards[branch]
		wasInitialized := state.Initialized()
		if err := state.AddRootBlock(block); err != nil {
			return nil, err
		}
		if !wasInitialized && state.Initialized() {
			created = append(created, state.Tip())
		}
	}

	return created, nil
}

func (s *Slave) CreateBlockToMine(ctx context.Context, branch model.Branch, coinbase model.Address, createTime uint64) (*model.MinorBlock, error) {
	state, err := s.getShard(branch)
	if err != nil {
		return nil, err
	}
	return state.CreateBlockToMine(createTime, coinbase.AddressInBranch(branch))
}

func (s *Slave) GetAccountData(ctx context.Context, address model.Address) (*AccountData, error) {
	branch, err := s.cfg.GetFullShardIDByFullShardKey(address.FullShardKey)
	if err != nil {
		return nil, err
	}
	state, err := s.getShard(branch)
	if err != nil {
		return nil, err
	}

	data := &AccountData{Branch: branch, Balance: new(big.Int)}
	if !state.Initialized() {
		return data, nil
	}

	if data.Balance, err = state.GetBalance(address.Recipient); err != nil {
		return nil, err
	}
	if data.TransactionCount, err = state.GetTransactionCount(address.Recipient); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Slave) HandleXShardTxList(ctx context.Context, branch model.Branch, sourceBlockHash model.Hash, list *model.CrossShardTransactionList) error {
	state, err := s.getShard(branch)
	if err != nil {
		return err
	}
	return state.HandleXShardTxList(sourceBlockHash, list)
}

func (s *Slave) GetMinorBlockByHash(ctx context.Context, branch model.Branch, h model.Hash) (*model.MinorBlock, error) {
	state, err := s.getShard(branch)
	if err != nil {
		return nil, err
	}
	return state.GetMinorBlockByHash(h)
}

func (s *Slave) GetShardStats(ctx context.Context) ([]shard.ShardStats, error) {
	stats := make([]shard.ShardStats, 0, len(s.shards))
	for _, state := range s.shards {
		stats = append(stats, state.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Branch < stats[j].Branch })
	return stats, nil
}

var _ ClientI = (*Slave)(nil)
