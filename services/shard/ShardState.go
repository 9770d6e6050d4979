package shard

import (
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/stores/kv"
	"github.com/lattice-network/lattice/ulogger"
)

// ShardState is the canonical chain, mempool and account state of one
// shard. It lives inside exactly one slave; all methods serialize through
// its lock.
//
// A shard whose genesis root height is above zero starts dormant: the state
// object exists but Initialized() is false until the root chain reaches the
// configured height and the genesis minor block is created.
type ShardState struct {
	logger   ulogger.Logger
	cfg      *config.ClusterConfig
	shardCfg *config.ShardConfig
	branch   model.Branch
	db       *ShardDB
	executor Executor
	pool     *TxPool

	mu          sync.RWMutex
	initialized bool
	headerTip   *model.MinorBlockHeader
	rootTip     *model.RootBlockHeader

	// canonical view of the root chain: hash -> height, rebuilt on root
	// reorgs. Root-chain-first tip selection tests membership here.
	canonicalRoot map[model.Hash]uint64
}

func NewShardState(logger ulogger.Logger, cfg *config.ClusterConfig, branch model.Branch,
	store kv.Store, executor Executor) (*ShardState, error) {
	shardCfg, err := cfg.GetShardConfigByFullShardID(branch)
	if err != nil {
		return nil, err
	}
	if executor == nil {
		executor = TransferExecutor{}
	}

	initPrometheusMetrics()

	return &ShardState{
		logger:        logger,
		cfg:           cfg,
		shardCfg:      shardCfg,
		branch:        branch,
		db:            NewShardDB(store),
		executor:      executor,
		pool:          NewTxPool(cfg.TransactionQueueSizeLimitPerShard),
		canonicalRoot: make(map[model.Hash]uint64),
	}, nil
}

func (s *ShardState) Branch() model.Branch {
	return s.branch
}

func (s *ShardState) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Tip returns the canonical chain tip header, nil while dormant.
func (s *ShardState) Tip() *model.MinorBlockHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headerTip
}

// RootTip returns the latest root block header this shard has applied.
func (s *ShardState) RootTip() *model.RootBlockHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rootTip
}

func (s *ShardState) GenesisRootHeight() uint64 {
	return s.shardCfg.Genesis.RootHeight
}

// ---------------------------------------------------------------------------
// genesis

func (s *ShardState) createGenesisLocked(anchor *model.RootBlock) error {
	genesisCfg := s.shardCfg.Genesis

	header := &model.MinorBlockHeader{
		Version:           genesisCfg.Version,
		Branch:            s.branch,
		Height:            0,
		CoinbaseAddress:   model.EmptyAddress(s.branch.ChainID()<<16 | s.branch.ShardID()),
		CoinbaseAmount:    new(big.Int),
		HashPrevRootBlock: anchor.Hash(),
		GasLimit:          genesisCfg.GasLimit,
		Time:              genesisCfg.Timestamp,
		Difficulty:        genesisCfg.Difficulty,
		ExtraData:         []byte(genesisCfg.ExtraData),
	}
	genesis := &model.MinorBlock{Header: header}
	genesis.Finalize(0, new(big.Int))

	state := NewAccountState()
	for recipientHex, amount := range genesisCfg.Alloc {
		raw, err := hex.DecodeString(recipientHex)
		if err != nil {
			return errors.NewConfigurationError("invalid alloc recipient %q", recipientHex, err)
		}
		recipient, err := model.NewRecipientFromSlice(raw)
		if err != nil {
			return err
		}
		state.AddBalance(recipient, amount.Value())
	}

	if err := s.db.PutMinorBlock(genesis, new(big.Int).SetUint64(header.Difficulty)); err != nil {
		return err
	}
	if err := s.db.PutState(genesis.Hash(), state); err != nil {
		return err
	}
	if err := s.db.PutCanonicalHash(0, genesis.Hash()); err != nil {
		return err
	}

	oldTipHeight := uint64(0)
	if s.headerTip != nil {
		oldTipHeight = s.headerTip.Height
	}
	for h := uint64(1); h <= oldTipHeight; h++ {
		_ = s.db.DeleteCanonicalHash(h)
	}

	s.headerTip = genesis.Header
	s.rootTip = anchor.Header
	s.initialized = true

	if err := s.db.PutTips(genesis.Hash(), anchor.Hash()); err != nil {
		return err
	}

	s.logger.Infof("[ShardState %s] genesis created at root height %d (%s)",
		s.branch, anchor.Header.Height, anchor.Hash())
	return nil
}

// ---------------------------------------------------------------------------
// transactions

// AddTx validates a transaction against the tip state and admits it to the
// mempool.
func (s *ShardState) AddTx(tx *model.EvmTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.NewServiceUnavailableError("shard %s not created yet", s.branch)
	}
	if err := s.validateTxLocked(tx); err != nil {
		prometheusShardTxRejected.Inc()
		return err
	}
	if err := s.pool.Add(tx); err != nil {
		prometheusShardTxRejected.Inc()
		return err
	}

	prometheusShardTxAdded.Inc()
	return nil
}

func (s *ShardState) validateTxLocked(tx *model.EvmTransaction) error {
	if tx.NetworkID != s.cfg.NetworkID {
		return errors.NewTxInvalidError("network id %d does not match %d", tx.NetworkID, s.cfg.NetworkID)
	}

	fromBranch, err := s.cfg.GetFullShardIDByFullShardKey(tx.FromFullShardKey)
	if err != nil {
		return errors.NewTxInvalidError("unroutable source shard key %08x", tx.FromFullShardKey)
	}
	if fromBranch != s.branch {
		return errors.NewTxInvalidError("transaction belongs to %s, not %s", fromBranch, s.branch)
	}

	toBranch, err := s.cfg.GetFullShardIDByFullShardKey(tx.ToFullShardKey)
	if err != nil {
		return errors.NewTxInvalidError("unroutable destination shard key %08x", tx.ToFullShardKey)
	}
	if toBranch != s.branch && !s.branch.IsNeighbor(toBranch) {
		return errors.NewTxInvalidError("destination shard %s is not a neighbor of %s", toBranch, s.branch)
	}

	intrinsic := tx.IntrinsicGas(s.branch.ShardSize())
	if tx.Gas < intrinsic {
		return errors.NewTxInvalidError("gas %d below intrinsic %d", tx.Gas, intrinsic)
	}
	if tx.Gas > s.shardCfg.Genesis.GasLimit {
		return errors.NewTxInvalidError("gas %d above block gas limit %d", tx.Gas, s.shardCfg.Genesis.GasLimit)
	}

	sender, err := tx.Sender()
	if err != nil {
		return err
	}

	state, err := s.db.GetState(s.headerTip.Hash())
	if err != nil {
		return err
	}
	if tx.Nonce < state.GetNonce(sender) {
		return errors.NewTxInvalidError("nonce %d below account nonce %d", tx.Nonce, state.GetNonce(sender))
	}
	if state.GetBalance(sender).Cmp(tx.Cost()) < 0 {
		return errors.NewTxInvalidError("balance below transaction cost")
	}

	return nil
}

// TxPoolSize reports the number of queued transactions.
func (s *ShardState) TxPoolSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool.Size()
}

// PendingTransactions snapshots the queue in priority order, for gossip.
func (s *ShardState) PendingTransactions() []*model.EvmTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool.Transactions()
}

// ---------------------------------------------------------------------------
// block production

// CreateBlockToMine assembles a candidate block on top of the tip, bound to
// the shard's current root tip. Transactions are taken in gas price order
// under the block gas limit.
func (s *ShardState) CreateBlockToMine(createTime uint64, coinbase model.Address) (*model.MinorBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createBlockToMineLocked(createTime, coinbase)
}

func (s *ShardState) createBlockToMineLocked(createTime uint64, coinbase model.Address) (*model.MinorBlock, error) {
	if !s.initialized {
		return nil, errors.NewServiceUnavailableError("shard %s not created yet", s.branch)
	}
	if createTime == 0 {
		createTime = uint64(time.Now().Unix())
	}

	tipBlock, err := s.db.GetMinorBlock(s.headerTip.Hash())
	if err != nil {
		return nil, err
	}

	block := tipBlock.CreateBlockToAppend(createTime, s.headerTip.Difficulty, coinbase)
	block.Header.HashPrevRootBlock = s.rootTip.Hash()

	state, err := s.db.GetState(s.headerTip.Hash())
	if err != nil {
		return nil, err
	}
	state = state.Copy()

	if err := s.applyConfirmedDepositsLocked(state, s.headerTip.HashPrevRootBlock, block.Header.HashPrevRootBlock); err != nil {
		return nil, err
	}

	ctx := TxContext{Branch: s.branch, ShardSize: s.branch.ShardSize(), NetworkID: s.cfg.NetworkID}
	for _, tx := range s.pool.Transactions() {
		if state.GasUsed()+tx.Gas > block.Header.GasLimit {
			continue
		}
		trial := state.Copy()
		trial.blockFee.Set(state.blockFee)
		trial.gasUsed = state.gasUsed
		if _, err := s.executor.ApplyTransaction(trial, tx, ctx); err != nil {
			continue
		}
		state = trial
		block.AddTx(tx)
	}

	coinbaseAmount := new(big.Int).Add(state.BlockFee(), s.minerReward())
	block.Finalize(state.GasUsed(), coinbaseAmount)

	return block, nil
}

// minerReward is the shard miner's share of the configured block reward
// after the root chain tax.
func (s *ShardState) minerReward() *big.Int {
	frac := s.cfg.MinerRewardFraction()
	out := new(big.Int).Mul(s.shardCfg.CoinbaseAmount.Value(), frac.Num())
	return out.Div(out, frac.Denom())
}

// RunBlock executes a block's deposits and transactions on top of its
// parent state without committing anything. Used by block producers and
// tests to finalize hand-built blocks.
func (s *ShardState) RunBlock(block *model.MinorBlock) (*AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runBlockLocked(block)
}

func (s *ShardState) runBlockLocked(block *model.MinorBlock) (*AccountState, error) {
	parent, err := s.db.GetMinorBlock(block.Header.HashPrevMinorBlock)
	if err != nil {
		return nil, errors.NewUnknownAncestorError("parent %s not found", block.Header.HashPrevMinorBlock, err)
	}

	state, err := s.db.GetState(parent.Hash())
	if err != nil {
		return nil, err
	}
	state = state.Copy()

	if err := s.applyConfirmedDepositsLocked(state, parent.Header.HashPrevRootBlock, block.Header.HashPrevRootBlock); err != nil {
		return nil, err
	}

	ctx := TxContext{Branch: s.branch, ShardSize: s.branch.ShardSize(), NetworkID: s.cfg.NetworkID}
	for _, tx := range block.Transactions {
		if _, err := s.executor.ApplyTransaction(state, tx, ctx); err != nil {
			return nil, errors.NewBlockInvalidError("transaction %s failed", tx.Hash(), err)
		}
	}

	return state, nil
}

// MinerReward exposes the per-block miner share for block producers.
func (s *ShardState) MinerReward() *big.Int {
	return s.minerReward()
}

// applyConfirmedDepositsLocked credits the cross-shard inbox entries whose
// source blocks were confirmed by root blocks on the path
// (fromRoot, toRoot]. The path follows prev pointers on the shard's stored
// root chain.
func (s *ShardState) applyConfirmedDepositsLocked(state *AccountState, fromRoot, toRoot model.Hash) error {
	if fromRoot == toRoot {
		return nil
	}

	fromHeight := uint64(0)
	if fromBlock, err := s.db.GetRootBlock(fromRoot); err == nil {
		fromHeight = fromBlock.Header.Height
	}

	var path []*model.RootBlock
	cursor := toRoot
	for cursor != fromRoot {
		rootBlock, err := s.db.GetRootBlock(cursor)
		if err != nil {
			return errors.NewUnknownAncestorError("root block %s not found", cursor, err)
		}
		path = append(path, rootBlock)
		if rootBlock.Header.Height <= fromHeight || rootBlock.Header.Height == 0 {
			break
		}
		cursor = rootBlock.Header.HashPrevRootBlock
	}

	// oldest first
	for i := len(path) - 1; i >= 0; i-- {
		for _, mh := range path[i].MinorBlockHeaders {
			if mh.Branch == s.branch || !mh.Branch.IsNeighbor(s.branch) {
				continue
			}
			list, err := s.db.GetIncomingXShardList(mh.Hash())
			if err != nil {
				continue // never delivered: not a neighbor at source, or pre-activation
			}
			for _, deposit := range list.TxList {
				state.ApplyDeposit(deposit)
			}
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// block acceptance

// AddBlock validates and stores a minor block, extending or reorganizing
// the tip when the block has strictly more accumulated work and anchors on
// the canonical root chain.
//
// On first acceptance it returns the cross-shard list produced for every
// neighbor shard (empty lists included) along with the height of the root
// block the new block commits to; the caller fans the lists out. Re-adding
// a known block is a no-op returning nil lists.
func (s *ShardState) AddBlock(block *model.MinorBlock) (map[model.Branch]*model.CrossShardTransactionList, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() {
		prometheusShardAddBlockDuration.Observe(time.Since(start).Seconds())
	}()

	if !s.initialized {
		return nil, 0, errors.NewUnknownAncestorError("shard %s not created yet", s.branch)
	}
	if block.Header.Branch != s.branch {
		return nil, 0, errors.NewBlockInvalidError("block branch %s does not match %s", block.Header.Branch, s.branch)
	}
	if s.db.ContainMinorBlock(block.Hash()) {
		return nil, 0, nil
	}

	prevRoot, err := s.validateBlockLocked(block)
	if err != nil {
		return nil, 0, err
	}

	state, err := s.runBlockLocked(block)
	if err != nil {
		return nil, 0, err
	}

	if state.GasUsed() != block.Header.GasUsed {
		return nil, 0, errors.NewBlockInvalidError("gas used %d does not match header %d",
			state.GasUsed(), block.Header.GasUsed)
	}
	if merkle := model.TransactionMerkleRoot(block.Transactions); merkle != block.Header.HashMerkleRoot {
		return nil, 0, errors.NewBlockInvalidError("merkle root mismatch")
	}
	expectedCoinbase := new(big.Int).Add(state.BlockFee(), s.minerReward())
	if block.Header.CoinbaseAmount.Cmp(expectedCoinbase) != 0 {
		return nil, 0, errors.NewBlockInvalidError("coinbase amount %s does not match %s",
			block.Header.CoinbaseAmount, expectedCoinbase)
	}
	state.AddBalance(block.Header.CoinbaseAddress.Recipient, block.Header.CoinbaseAmount)

	parentTd, err := s.db.GetTotalDifficulty(block.Header.HashPrevMinorBlock)
	if err != nil {
		return nil, 0, err
	}
	td := new(big.Int).Add(parentTd, new(big.Int).SetUint64(block.Header.Difficulty))

	if err := s.db.PutMinorBlock(block, td); err != nil {
		return nil, 0, err
	}
	if err := s.db.PutState(block.Hash(), state); err != nil {
		return nil, 0, err
	}

	xshardLists, err := s.extractXShardListsLocked(block)
	if err != nil {
		return nil, 0, err
	}
	for to, list := range xshardLists {
		if err := s.db.PutOutgoingXShardList(block.Hash(), to, list); err != nil {
			return nil, 0, err
		}
	}

	s.updateTipLocked(block, td)

	prometheusShardBlockAdded.Inc()
	return xshardLists, prevRoot.Header.Height, nil
}

func (s *ShardState) validateBlockLocked(block *model.MinorBlock) (*model.RootBlock, error) {
	header := block.Header

	parent, err := s.db.GetMinorBlock(header.HashPrevMinorBlock)
	if err != nil {
		return nil, errors.NewUnknownAncestorError("parent %s not found", header.HashPrevMinorBlock, err)
	}
	if header.Height != parent.Header.Height+1 {
		return nil, errors.NewBlockInvalidError("height %d does not follow parent %d",
			header.Height, parent.Header.Height)
	}
	if header.Time <= parent.Header.Time {
		return nil, errors.NewBlockInvalidError("timestamp %d not after parent %d",
			header.Time, parent.Header.Time)
	}
	if uint32(len(header.ExtraData)) > s.cfg.BlockExtraDataSizeLimit {
		return nil, errors.NewBlockInvalidError("extra data too large: %d", len(header.ExtraData))
	}
	if header.GasLimit != s.shardCfg.Genesis.GasLimit {
		return nil, errors.NewBlockInvalidError("gas limit %d does not match %d",
			header.GasLimit, s.shardCfg.Genesis.GasLimit)
	}
	if header.GasUsed > header.GasLimit {
		return nil, errors.NewBlockInvalidError("gas used %d above limit %d", header.GasUsed, header.GasLimit)
	}

	maxStale := s.shardCfg.MaxStaleMinorBlockHeightDiff(s.cfg.Root)
	if s.headerTip.Height > header.Height && s.headerTip.Height-header.Height > maxStale {
		return nil, errors.NewBlockStaleError("height %d is %d behind tip", header.Height, s.headerTip.Height-header.Height)
	}

	prevRoot, err := s.db.GetRootBlock(header.HashPrevRootBlock)
	if err != nil {
		return nil, errors.NewUnknownAncestorError("root block %s not found", header.HashPrevRootBlock, err)
	}
	if prevRoot.Header.Height < s.shardCfg.Genesis.RootHeight {
		return nil, errors.NewBlockInvalidError("root height %d below genesis root height %d",
			prevRoot.Header.Height, s.shardCfg.Genesis.RootHeight)
	}
	parentPrevRoot, err := s.db.GetRootBlock(parent.Header.HashPrevRootBlock)
	if err == nil && prevRoot.Header.Height < parentPrevRoot.Header.Height {
		return nil, errors.NewBlockInvalidError("root commitment height %d regresses from parent's %d",
			prevRoot.Header.Height, parentPrevRoot.Header.Height)
	}

	if !s.cfg.SkipMinorDifficultyCheck && s.shardCfg.ConsensusType != config.ConsensusSimulate {
		expected := ExpectedDifficulty(parent.Header.Difficulty, parent.Header.Time, header.Time,
			s.shardCfg.DifficultyAdjustmentCutoffTime, s.shardCfg.DifficultyAdjustmentFactor)
		if header.Difficulty != expected {
			return nil, errors.NewBlockInvalidError("difficulty %d does not match expected %d",
				header.Difficulty, expected)
		}
		if s.shardCfg.ConsensusType == config.ConsensusDoubleSha256 {
			raw, err := model.SerializeToBytes(header)
			if err != nil {
				return nil, err
			}
			if !model.CheckPow(model.PowHashDoubleSha256(raw), header.Difficulty) {
				return nil, errors.NewBlockInvalidError("proof of work check failed")
			}
		}
	}

	return prevRoot, nil
}

// extractXShardListsLocked builds the per-neighbor deposit lists of a
// block. Every configured neighbor gets an entry, empty or not; shards that
// are not neighbors never see one.
func (s *ShardState) extractXShardListsLocked(block *model.MinorBlock) (map[model.Branch]*model.CrossShardTransactionList, error) {
	lists := make(map[model.Branch]*model.CrossShardTransactionList)
	for _, id := range s.cfg.GetFullShardIDs() {
		if s.branch.IsNeighbor(id) {
			lists[id] = &model.CrossShardTransactionList{}
		}
	}

	for _, tx := range block.Transactions {
		toBranch, err := s.cfg.GetFullShardIDByFullShardKey(tx.ToFullShardKey)
		if err != nil || toBranch == s.branch {
			continue
		}
		list, ok := lists[toBranch]
		if !ok {
			return nil, errors.NewBlockInvalidError("cross-shard destination %s is not a neighbor", toBranch)
		}
		sender, err := tx.Sender()
		if err != nil {
			return nil, err
		}
		list.TxList = append(list.TxList, &model.CrossShardTransactionDeposit{
			TxHash:   tx.Hash(),
			From:     model.NewAddress(sender, tx.FromFullShardKey),
			To:       model.NewAddress(tx.To, tx.ToFullShardKey),
			Value:    new(big.Int).Set(tx.Value),
			GasPrice: new(big.Int).Set(tx.GasPrice),
		})
	}

	return lists, nil
}

func (s *ShardState) updateTipLocked(block *model.MinorBlock, td *big.Int) {
	if _, anchored := s.canonicalRoot[block.Header.HashPrevRootBlock]; !anchored {
		return // side branch on an orphan root, kept for a possible future reorg
	}

	tipTd, err := s.db.GetTotalDifficulty(s.headerTip.Hash())
	if err != nil || td.Cmp(tipTd) <= 0 {
		return
	}

	extending := block.Header.HashPrevMinorBlock == s.headerTip.Hash()
	s.setHeaderTipLocked(block.Header)

	if extending {
		for _, tx := range block.Transactions {
			s.pool.Remove(tx.Hash())
		}
	} else {
		prometheusShardReorg.Inc()
		s.requalifyPoolLocked()
	}
}

// setHeaderTipLocked moves the tip and rewrites the canonical height index
// from the new tip back to the fork point.
func (s *ShardState) setHeaderTipLocked(tip *model.MinorBlockHeader) {
	oldHeight := uint64(0)
	if s.headerTip != nil {
		oldHeight = s.headerTip.Height
	}

	for h := tip.Height + 1; h <= oldHeight; h++ {
		_ = s.db.DeleteCanonicalHash(h)
	}

	cursor := tip
	for {
		existing, err := s.db.GetCanonicalHash(cursor.Height)
		if err == nil && existing == cursor.Hash() {
			break
		}
		_ = s.db.PutCanonicalHash(cursor.Height, cursor.Hash())
		if cursor.Height == 0 {
			break
		}
		parentBlock, err := s.db.GetMinorBlock(cursor.HashPrevMinorBlock)
		if err != nil {
			break
		}
		cursor = parentBlock.Header
	}

	s.headerTip = tip
	_ = s.db.PutTips(tip.Hash(), s.rootTip.Hash())
	prometheusShardTipHeight.Set(float64(tip.Height))
}

func (s *ShardState) requalifyPoolLocked() {
	state, err := s.db.GetState(s.headerTip.Hash())
	if err != nil {
		return
	}
	s.pool.Requalify(func(tx *model.EvmTransaction) error {
		sender, err := tx.Sender()
		if err != nil {
			return err
		}
		if tx.Nonce < state.GetNonce(sender) {
			return errors.NewTxInvalidError("stale nonce")
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// root chain coupling

// AddRootBlock informs the shard that a root block is canonical. The shard
// stores it, adopts it as root tip when it advances the root chain, and
// realigns its own tip under the root-chain-first rule. A root-chain fork at
// the shard's genesis root height replaces the genesis itself.
func (s *ShardState) AddRootBlock(rootBlock *model.RootBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.PutRootBlock(rootBlock); err != nil {
		return err
	}

	if !s.initialized {
		return s.maybeCreateGenesisLocked(rootBlock)
	}

	header := rootBlock.Header
	switch {
	case header.HashPrevRootBlock == s.rootTip.Hash():
		// plain extension of the adopted chain
		s.canonicalRoot[header.Hash()] = header.Height
		s.rootTip = header
	case header.Height > s.rootTip.Height:
		// the master committed a heavier fork; rebuild the canonical view
		if err := s.rebuildCanonicalRootLocked(rootBlock); err != nil {
			return err
		}
	default:
		return nil // stored side root, nothing to realign
	}

	s.realignHeaderTipLocked()
	_ = s.db.PutTips(s.headerTip.Hash(), s.rootTip.Hash())
	return nil
}

func (s *ShardState) maybeCreateGenesisLocked(rootBlock *model.RootBlock) error {
	genesisRootHeight := s.shardCfg.Genesis.RootHeight
	if rootBlock.Header.Height < genesisRootHeight {
		return nil
	}

	anchor := rootBlock
	for anchor.Header.Height > genesisRootHeight {
		prev, err := s.db.GetRootBlock(anchor.Header.HashPrevRootBlock)
		if err != nil {
			return nil // ancestors not delivered yet; stay dormant
		}
		anchor = prev
	}

	if err := s.rebuildCanonicalRootFromLocked(rootBlock); err != nil {
		return err
	}
	if err := s.createGenesisLocked(anchor); err != nil {
		return err
	}
	s.rootTip = rootBlock.Header
	_ = s.db.PutTips(s.headerTip.Hash(), s.rootTip.Hash())
	return nil
}

func (s *ShardState) rebuildCanonicalRootLocked(rootBlock *model.RootBlock) error {
	if err := s.rebuildCanonicalRootFromLocked(rootBlock); err != nil {
		return err
	}
	s.rootTip = rootBlock.Header

	// the genesis anchor itself may have been orphaned
	genesisHash, err := s.db.GetCanonicalHash(0)
	if err != nil {
		return err
	}
	genesis, err := s.db.GetMinorBlock(genesisHash)
	if err != nil {
		return err
	}
	if _, ok := s.canonicalRoot[genesis.Header.HashPrevRootBlock]; !ok {
		anchor := rootBlock
		for anchor.Header.Height > s.shardCfg.Genesis.RootHeight {
			prev, err := s.db.GetRootBlock(anchor.Header.HashPrevRootBlock)
			if err != nil {
				return errors.NewUnknownAncestorError("root ancestor %s not found", anchor.Header.HashPrevRootBlock, err)
			}
			anchor = prev
		}
		s.logger.Warnf("[ShardState %s] genesis anchor orphaned by root reorg, recreating genesis", s.branch)
		if err := s.createGenesisLocked(anchor); err != nil {
			return err
		}
		// the adopted root tip stays ahead of the genesis anchor
		s.rootTip = rootBlock.Header
	}

	return nil
}

func (s *ShardState) rebuildCanonicalRootFromLocked(tip *model.RootBlock) error {
	canonical := map[model.Hash]uint64{tip.Hash(): tip.Header.Height}
	cursor := tip
	for cursor.Header.Height > 0 {
		prev, err := s.db.GetRootBlock(cursor.Header.HashPrevRootBlock)
		if err != nil {
			break // older than anything delivered to this shard
		}
		canonical[prev.Hash()] = prev.Header.Height
		cursor = prev
	}
	s.canonicalRoot = canonical
	return nil
}

// realignHeaderTipLocked applies the root-chain-first rule: the canonical
// shard tip must descend from the highest header of this shard confirmed by
// the canonical root chain, and must itself anchor on the canonical root
// path.
func (s *ShardState) realignHeaderTipLocked() {
	confirmed := s.confirmedTipLocked()

	tip := s.headerTip
	for tip.Height > confirmed.Height {
		if _, ok := s.canonicalRoot[tip.HashPrevRootBlock]; ok {
			break
		}
		parentBlock, err := s.db.GetMinorBlock(tip.HashPrevMinorBlock)
		if err != nil {
			tip = confirmed
			break
		}
		tip = parentBlock.Header
	}

	if !s.isSameChainLocked(tip, confirmed) {
		tip = confirmed
	}

	if tip.Hash() != s.headerTip.Hash() {
		s.logger.Infof("[ShardState %s] root reorg rewrites tip %d (%s) -> %d (%s)",
			s.branch, s.headerTip.Height, s.headerTip.Hash(), tip.Height, tip.Hash())
		s.setHeaderTipLocked(tip)
		s.requalifyPoolLocked()
	}
}

// confirmedTipLocked finds the highest minor header of this shard confirmed
// by the canonical root chain whose body this shard holds. Falls back to
// the genesis block.
func (s *ShardState) confirmedTipLocked() *model.MinorBlockHeader {
	var best *model.MinorBlockHeader

	cursor := s.rootTip
	for {
		rootBlock, err := s.db.GetRootBlock(cursor.Hash())
		if err != nil {
			break
		}
		for _, mh := range rootBlock.MinorBlockHeaders {
			if mh.Branch != s.branch || !s.db.ContainMinorBlock(mh.Hash()) {
				continue
			}
			if best == nil || mh.Height > best.Height {
				best = mh
			}
		}
		if best != nil || cursor.Height == 0 {
			break
		}
		prev, err := s.db.GetRootBlock(cursor.HashPrevRootBlock)
		if err != nil {
			break
		}
		cursor = prev.Header
	}

	if best != nil {
		return best
	}

	genesisHash, err := s.db.GetCanonicalHash(0)
	if err != nil {
		return s.headerTip
	}
	genesis, err := s.db.GetMinorBlock(genesisHash)
	if err != nil {
		return s.headerTip
	}
	return genesis.Header
}

func (s *ShardState) isSameChainLocked(descendant, ancestor *model.MinorBlockHeader) bool {
	if descendant.Height < ancestor.Height {
		return false
	}
	cursor := descendant
	for cursor.Height > ancestor.Height {
		parentBlock, err := s.db.GetMinorBlock(cursor.HashPrevMinorBlock)
		if err != nil {
			return false
		}
		cursor = parentBlock.Header
	}
	return cursor.Hash() == ancestor.Hash()
}

// ---------------------------------------------------------------------------
// queries

func (s *ShardState) GetBalance(r model.Recipient) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.NewServiceUnavailableError("shard %s not created yet", s.branch)
	}
	state, err := s.db.GetState(s.headerTip.Hash())
	if err != nil {
		return nil, err
	}
	return state.GetBalance(r), nil
}

func (s *ShardState) GetTransactionCount(r model.Recipient) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return 0, errors.NewServiceUnavailableError("shard %s not created yet", s.branch)
	}
	state, err := s.db.GetState(s.headerTip.Hash())
	if err != nil {
		return 0, err
	}
	return state.GetNonce(r), nil
}

func (s *ShardState) ContainBlockByHash(h model.Hash) bool {
	return s.db.ContainMinorBlock(h)
}

func (s *ShardState) GetMinorBlockByHash(h model.Hash) (*model.MinorBlock, error) {
	return s.db.GetMinorBlock(h)
}

func (s *ShardState) GetMinorBlockByHeight(height uint64) (*model.MinorBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, err := s.db.GetCanonicalHash(height)
	if err != nil {
		return nil, err
	}
	return s.db.GetMinorBlock(h)
}

// GetMinorBlockXShardTxList returns the inbox entry a remote block
// delivered to this shard, or nil when that block never broadcast here.
func (s *ShardState) GetMinorBlockXShardTxList(sourceBlockHash model.Hash) *model.CrossShardTransactionList {
	list, err := s.db.GetIncomingXShardList(sourceBlockHash)
	if err != nil {
		return nil
	}
	return list
}

func (s *ShardState) ContainRemoteMinorBlockHash(sourceBlockHash model.Hash) bool {
	return s.db.ContainRemoteMinorBlockHash(sourceBlockHash)
}

// GetOutgoingXShardList re-reads the fan-out list one of our blocks
// produced for a destination shard.
func (s *ShardState) GetOutgoingXShardList(blockHash model.Hash, to model.Branch) (*model.CrossShardTransactionList, error) {
	return s.db.GetOutgoingXShardList(blockHash, to)
}

// HandleXShardTxList deposits a cross-shard list into the inbox, keyed by
// the source block hash.
func (s *ShardState) HandleXShardTxList(sourceBlockHash model.Hash, list *model.CrossShardTransactionList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.PutIncomingXShardList(sourceBlockHash, list)
}

// ShardStats is the per-shard status surfaced by the node API.
type ShardStats struct {
	Branch        model.Branch
	Height        uint64
	Timestamp     uint64
	TxPoolSize    int
	Initialized   bool
	RootTipHeight uint64
	Difficulty    uint64
}

func (s *ShardState) Stats() ShardStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ShardStats{
		Branch:      s.branch,
		Initialized: s.initialized,
		TxPoolSize:  s.pool.Size(),
	}
	if s.initialized {
		stats.Height = s.headerTip.Height
		stats.Timestamp = s.headerTip.Time
		stats.Difficulty = s.headerTip.Difficulty
		stats.RootTipHeight = s.rootTip.Height
	}
	return stats
}
