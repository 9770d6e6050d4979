package master

import (
	"context"
	"math/big"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/services/rootchain"
	"github.com/lattice-network/lattice/services/shard"
	"github.com/lattice-network/lattice/services/slave"
	"github.com/lattice-network/lattice/stores/kv"
	"github.com/lattice-network/lattice/ulogger"
)

// Announcer is the p2p plane's hook for events worth gossiping. The master
// works without one.
type Announcer interface {
	// AnnounceNewTip advertises the canonical root tip and freshly accepted
	// minor headers to every peer.
	AnnounceNewTip(rootTip *model.RootBlockHeader, minorHeaders []*model.MinorBlockHeader)

	// BroadcastTransactions relays freshly admitted transactions.
	BroadcastTransactions(txs []*model.EvmTransaction)
}

// Master orchestrates one cluster: it owns the root state, is the sole
// origin of root blocks, and routes everything else to the slave hosting
// the target shard.
type Master struct {
	logger    ulogger.Logger
	cfg       *config.ClusterConfig
	rootState *rootchain.RootState
	slaves    []slave.ClientI

	// serializes root commits and the mining decision against each other
	commitMu sync.Mutex

	announcerMu sync.RWMutex
	announcer   Announcer
}

func NewMaster(logger ulogger.Logger, cfg *config.ClusterConfig, rootStore kv.Store) (*Master, error) {
	rootState, err := rootchain.NewRootState(logger, cfg, rootStore)
	if err != nil {
		return nil, err
	}

	initPrometheusMetrics()

	return &Master{
		logger:    logger,
		cfg:       cfg,
		rootState: rootState,
	}, nil
}

// RootState exposes the canonical root chain.
func (m *Master) RootState() *rootchain.RootState {
	return m.rootState
}

func (m *Master) Config() *config.ClusterConfig {
	return m.cfg
}

// ConnectSlave registers a slave client. All slaves must be connected
// before Setup.
func (m *Master) ConnectSlave(client slave.ClientI) {
	m.slaves = append(m.slaves, client)
}

// SetAnnouncer installs the p2p announce hook.
func (m *Master) SetAnnouncer(a Announcer) {
	m.announcerMu.Lock()
	defer m.announcerMu.Unlock()
	m.announcer = a
}

func (m *Master) getAnnouncer() Announcer {
	m.announcerMu.RLock()
	defer m.announcerMu.RUnlock()
	return m.announcer
}

// Setup runs genesis orchestration: the root genesis is pushed to every
// slave so that shards with genesis root height zero come alive, and their
// genesis headers enter the confirmation pool.
func (m *Master) Setup(ctx context.Context) error {
	genesis := m.rootState.Genesis()

	for _, client := range m.slaves {
		created, err := client.AddRootBlock(ctx, genesis)
		if err != nil {
			return errors.NewProcessingError("slave %s failed genesis setup", client.ID(), err)
		}
		for _, header := range created {
			if err := m.rootState.AddValidatedMinorBlockHeader(header); err != nil {
				return err
			}
		}
	}

	m.logger.Infof("[Master] cluster ready: %d slaves, %d shards",
		len(m.slaves), len(m.cfg.GetFullShardIDs()))
	return nil
}

func (m *Master) slaveForBranch(branch model.Branch) (slave.ClientI, error) {
	for _, client := range m.slaves {
		if client.CoversBranch(branch) {
			return client, nil
		}
	}
	return nil, errors.NewServiceUnavailableError("no slave hosts shard %s", branch)
}

// ---------------------------------------------------------------------------
// node API

// GetNextBlockToMine picks the next block a miner should work on. The
// shard candidate carrying the highest pending fees wins; with no
// fee-bearing candidate, or when the caller prefers it, the root chain is
// mined, confirming whatever validated headers are pending.
func (m *Master) GetNextBlockToMine(ctx context.Context, coinbase model.Address, preferRoot bool) (bool, *model.RootBlock, *model.MinorBlock, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if !preferRoot {
		best, err := m.bestMinorCandidate(ctx, coinbase)
		if err != nil {
			return false, nil, nil, err
		}
		if best != nil {
			return false, nil, best, nil
		}
	}

	rootBlock, err := m.rootState.CreateBlockToMine(nil, coinbase, 0)
	if err != nil {
		return false, nil, nil, err
	}
	return true, rootBlock, nil, nil
}

// bestMinorCandidate asks every live shard for a candidate and keeps the
// one with the highest fees; candidates without fees are not worth
// preempting the root chain for.
func (m *Master) bestMinorCandidate(ctx context.Context, coinbase model.Address) (*model.MinorBlock, error) {
	var (
		best     *model.MinorBlock
		bestFees = new(big.Int)
	)

	for _, branch := range m.cfg.GetFullShardIDs() {
		client, err := m.slaveForBranch(branch)
		if err != nil {
			return nil, err
		}
		candidate, err := client.CreateBlockToMine(ctx, branch, coinbase, 0)
		if err != nil {
			if errors.Is(err, errors.ErrServiceUnavailable) {
				continue // dormant shard
			}
			return nil, err
		}
		if len(candidate.Transactions) == 0 {
			continue
		}

		fees := m.candidateFees(branch, candidate)
		if fees.Cmp(bestFees) > 0 {
			best = candidate
			bestFees = fees
		}
	}

	return best, nil
}

func (m *Master) candidateFees(branch model.Branch, block *model.MinorBlock) *big.Int {
	fees := new(big.Int).Set(block.Header.CoinbaseAmount)
	if shardCfg, err := m.cfg.GetShardConfigByFullShardID(branch); err == nil {
		frac := m.cfg.MinerRewardFraction()
		reward := new(big.Int).Mul(shardCfg.CoinbaseAmount.Value(), frac.Num())
		reward.Div(reward, frac.Denom())
		fees.Sub(fees, reward)
	}
	if fees.Sign() < 0 {
		return new(big.Int)
	}
	return fees
}

// AddRootBlock commits a root block: the root state first, then every
// slave. The commit is all-or-nothing; if any slave fails, the master
// resets its tip so the cluster keeps the previous canonical view.
func (m *Master) AddRootBlock(ctx context.Context, block *model.RootBlock) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	oldTip := m.rootState.Tip()

	reorg, err := m.rootState.AddBlock(block)
	if err != nil {
		return err
	}
	if m.rootState.Tip().Hash() != block.Hash() {
		return nil // stored side root, nothing to propagate
	}

	// replay the whole adopted branch on a fork, just the block otherwise
	toSend := []*model.RootBlock{block}
	if reorg != nil && len(reorg.NewChain) > 0 {
		toSend = reorg.NewChain
	}

	created, err := m.propagateRootBlocks(ctx, toSend)
	if err != nil {
		if resetErr := m.rootState.ResetTip(oldTip.Hash()); resetErr != nil {
			return errors.NewIntegrityError("root rollback failed after slave error", resetErr)
		}
		m.logger.Errorf("[Master] root block %s aborted, tip retained at %d: %v",
			block.Hash(), oldTip.Height, err)
		return err
	}

	for _, header := range created {
		if err := m.rootState.AddValidatedMinorBlockHeader(header); err != nil {
			return err
		}
	}

	prometheusMasterRootBlockCommitted.Inc()

	if a := m.getAnnouncer(); a != nil {
		a.AnnounceNewTip(m.rootState.Tip(), nil)
	}
	return nil
}

// propagateRootBlocks fans each block out to every slave, oldest first.
// Within one block the slaves run concurrently; any failure aborts.
func (m *Master) propagateRootBlocks(ctx context.Context, blocks []*model.RootBlock) ([]*model.MinorBlockHeader, error) {
	var (
		mu      sync.Mutex
		created []*model.MinorBlockHeader
	)

	for _, rootBlock := range blocks {
		g, gCtx := errgroup.WithContext(ctx)
		for _, client := range m.slaves {
			client := client
			rootBlock := rootBlock
			g.Go(func() error {
				headers, err := client.AddRootBlock(gCtx, rootBlock)
				if err != nil {
					return errors.NewProcessingError("slave %s rejected root block %s",
						client.ID(), rootBlock.Hash(), err)
				}
				mu.Lock()
				created = append(created, headers...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return created, nil
}

// AddRawMinorBlock routes a serialized minor block to the slave owning its
// branch.
func (m *Master) AddRawMinorBlock(ctx context.Context, branch model.Branch, raw []byte) error {
	client, err := m.slaveForBranch(branch)
	if err != nil {
		return err
	}
	return client.AddBlock(ctx, branch, raw)
}

// AddMinorBlock routes a decoded minor block, used by the synchronizer.
func (m *Master) AddMinorBlock(ctx context.Context, block *model.MinorBlock) error {
	client, err := m.slaveForBranch(block.Header.Branch)
	if err != nil {
		return err
	}
	return client.AddMinorBlock(ctx, block)
}

// AddTransaction routes a transaction to its source shard and relays it to
// the peers on success.
func (m *Master) AddTransaction(ctx context.Context, tx *model.EvmTransaction) error {
	branch, err := m.cfg.GetFullShardIDByFullShardKey(tx.FromFullShardKey)
	if err != nil {
		return errors.NewTxInvalidError("unroutable transaction", err)
	}
	client, err := m.slaveForBranch(branch)
	if err != nil {
		return err
	}
	if err := client.AddTx(ctx, tx); err != nil {
		return err
	}

	if a := m.getAnnouncer(); a != nil {
		a.BroadcastTransactions([]*model.EvmTransaction{tx})
	}
	return nil
}

// AddTransactionFromPeer admits a relayed transaction without re-announcing
// it.
func (m *Master) AddTransactionFromPeer(ctx context.Context, tx *model.EvmTransaction) error {
	branch, err := m.cfg.GetFullShardIDByFullShardKey(tx.FromFullShardKey)
	if err != nil {
		return errors.NewTxInvalidError("unroutable transaction", err)
	}
	client, err := m.slaveForBranch(branch)
	if err != nil {
		return err
	}
	return client.AddTx(ctx, tx)
}

// GetPrimaryAccountData reports balance and transaction count on the
// address's primary shard.
func (m *Master) GetPrimaryAccountData(ctx context.Context, address model.Address) (*slave.AccountData, error) {
	branch, err := m.cfg.GetFullShardIDByFullShardKey(address.FullShardKey)
	if err != nil {
		return nil, err
	}
	client, err := m.slaveForBranch(branch)
	if err != nil {
		return nil, err
	}
	return client.GetAccountData(ctx, address)
}

// GetShardStats aggregates per-shard status across the slaves.
func (m *Master) GetShardStats(ctx context.Context) ([]shard.ShardStats, error) {
	var out []shard.ShardStats
	for _, client := range m.slaves {
		stats, err := client.GetShardStats(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, stats...)
	}
	return out, nil
}

// GetMinorBlockByHash serves block download requests from peers.
func (m *Master) GetMinorBlockByHash(ctx context.Context, branch model.Branch, h model.Hash) (*model.MinorBlock, error) {
	client, err := m.slaveForBranch(branch)
	if err != nil {
		return nil, err
	}
	return client.GetMinorBlockByHash(ctx, branch, h)
}

// ---------------------------------------------------------------------------
// slave.Router

// BroadcastXShardTxList routes each destination shard's deposit list to the
// slave owning it.
func (m *Master) BroadcastXShardTxList(ctx context.Context, sourceBlockHash model.Hash, lists map[model.Branch]*model.CrossShardTransactionList) error {
	for branch, list := range lists {
		client, err := m.slaveForBranch(branch)
		if err != nil {
			return err
		}
		if err := client.HandleXShardTxList(ctx, branch, sourceBlockHash, list); err != nil {
			return err
		}
	}
	return nil
}

// AddValidatedMinorBlockHeader records a shard-validated header for root
// confirmation.
func (m *Master) AddValidatedMinorBlockHeader(ctx context.Context, header *model.MinorBlockHeader) error {
	return m.rootState.AddValidatedMinorBlockHeader(header)
}

// MinorBlockAdded announces a freshly accepted minor block to the peers.
func (m *Master) MinorBlockAdded(block *model.MinorBlock) {
	prometheusMasterMinorBlockRouted.Inc()
	if a := m.getAnnouncer(); a != nil {
		a.AnnounceNewTip(m.rootState.Tip(), []*model.MinorBlockHeader{block.Header})
	}
}

var _ slave.Router = (*Master)(nil)
