package rootchain

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/stores/kv"
	"github.com/lattice-network/lattice/ulogger"
)

// ReorgEvent is emitted when a root block add moves the canonical tip to a
// different branch. Every shard realigns its own tip in response.
type ReorgEvent struct {
	OldTip *model.RootBlockHeader
	NewTip *model.RootBlockHeader

	// NewChain is the adopted branch from the fork point to the new tip,
	// oldest first, so shards can replay it in order.
	NewChain []*model.RootBlock
}

// RootState is the canonical root chain plus the pool of shard-validated
// minor headers awaiting confirmation. The root database is exclusively
// owned by the master.
type RootState struct {
	logger ulogger.Logger
	cfg    *config.ClusterConfig
	db     *RootDB

	mu      sync.RWMutex
	tip     *model.RootBlockHeader
	genesis *model.RootBlock

	// shard-validated minor headers by hash, with the subset already
	// confirmed by the canonical chain.
	validated map[model.Hash]*model.MinorBlockHeader
	confirmed map[model.Hash]model.Hash // minor hash -> containing canonical root hash
	canonical map[model.Hash]uint64     // canonical root hash -> height

	// per shard, the hash of the highest confirmed minor header; the next
	// confirmable chain extends from here
	lastConfirmed map[model.Branch]model.Hash
}

func NewRootState(logger ulogger.Logger, cfg *config.ClusterConfig, store kv.Store) (*RootState, error) {
	initPrometheusMetrics()

	s := &RootState{
		logger:    logger,
		cfg:       cfg,
		db:        NewRootDB(store),
		validated:     make(map[model.Hash]*model.MinorBlockHeader),
		confirmed:     make(map[model.Hash]model.Hash),
		canonical:     make(map[model.Hash]uint64),
		lastConfirmed: make(map[model.Branch]model.Hash),
	}

	genesis := s.buildGenesis()
	s.genesis = genesis

	if tipHash, err := s.db.GetTip(); err == nil {
		tipBlock, err := s.db.GetRootBlock(tipHash)
		if err != nil {
			return nil, errors.NewIntegrityError("root tip %s missing from database", tipHash, err)
		}
		s.tip = tipBlock.Header
		s.rebuildCanonicalLocked(tipBlock)
		if err := s.recoverValidatedHeaders(store); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := s.db.PutRootBlock(genesis, new(big.Int).SetUint64(genesis.Header.Difficulty)); err != nil {
		return nil, err
	}
	if err := s.db.PutCanonicalHash(0, genesis.Hash()); err != nil {
		return nil, err
	}
	if err := s.db.PutTip(genesis.Hash()); err != nil {
		return nil, err
	}
	s.tip = genesis.Header
	s.canonical[genesis.Hash()] = 0

	return s, nil
}

// recoverValidatedHeaders reloads the validated minor header pool after a
// restart.
func (s *RootState) recoverValidatedHeaders(store kv.Store) error {
	return store.Iterate(prefixValidatedMinor, func(_, value []byte) bool {
		header := &model.MinorBlockHeader{}
		if err := model.DeserializeFromBytes(value, header); err != nil {
			return true
		}
		s.validated[header.Hash()] = header
		return true
	})
}

// buildGenesis derives the root genesis deterministically from the config,
// so every cluster on the same network agrees on it.
func (s *RootState) buildGenesis() *model.RootBlock {
	g := s.cfg.Root.Genesis
	header := &model.RootBlockHeader{
		Version:        g.Version,
		Height:         g.Height,
		CoinbaseAmount: new(big.Int),
		Time:           g.Timestamp,
		Difficulty:     g.Difficulty,
		Nonce:          g.Nonce,
	}
	return &model.RootBlock{Header: header}
}

func (s *RootState) Genesis() *model.RootBlock {
	return s.genesis
}

func (s *RootState) Tip() *model.RootBlockHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

// TipBlock returns the full canonical tip block.
func (s *RootState) TipBlock() (*model.RootBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.GetRootBlock(s.tip.Hash())
}

// ---------------------------------------------------------------------------
// validated minor header pool

// AddValidatedMinorBlockHeader records a minor header whose block the
// owning shard has fully validated. Only validated headers may be confirmed
// by a root block.
func (s *RootState) AddValidatedMinorBlockHeader(header *model.MinorBlockHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.validated[header.Hash()]; ok {
		return nil
	}
	if err := s.db.PutValidatedMinorHeader(header); err != nil {
		return err
	}
	s.validated[header.Hash()] = header
	return nil
}

// IsMinorBlockValidated reports whether the header is known to the root
// state: validated by its shard and either pending or already confirmed.
func (s *RootState) IsMinorBlockValidated(h model.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.validated[h]; ok {
		return true
	}
	return s.db.ContainValidatedMinorHeader(h)
}

// PendingMinorBlockHeaders lists the validated headers not yet confirmed by
// the canonical chain, per-shard height-ascending and capped by the
// per-shard confirmation budget.
func (s *RootState) PendingMinorBlockHeaders() []*model.MinorBlockHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingMinorBlockHeadersLocked()
}

func (s *RootState) pendingMinorBlockHeadersLocked() []*model.MinorBlockHeader {
	// candidate headers by (branch, parent hash); a fork leaves at most one
	// confirmable header per parent, lowest hash wins for determinism
	byParent := make(map[model.Branch]map[model.Hash]*model.MinorBlockHeader)
	for h, header := range s.validated {
		if _, ok := s.confirmed[h]; ok {
			continue
		}
		children, ok := byParent[header.Branch]
		if !ok {
			children = make(map[model.Hash]*model.MinorBlockHeader)
			byParent[header.Branch] = children
		}
		existing, ok := children[header.HashPrevMinorBlock]
		if !ok || lessHash(header.Hash(), existing.Hash()) {
			children[header.HashPrevMinorBlock] = header
		}
	}

	branches := make([]model.Branch, 0, len(byParent))
	for branch := range byParent {
		branches = append(branches, branch)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i] < branches[j] })

	var out []*model.MinorBlockHeader
	for _, branch := range branches {
		limit := len(byParent[branch])
		if shardCfg, err := s.cfg.GetShardConfigByFullShardID(branch); err == nil {
			if budget := int(shardCfg.MaxBlocksPerShardInOneRootBlock(s.cfg.Root)); budget < limit {
				limit = budget
			}
		}

		// extend the confirmed chain parent-by-parent
		cursor := s.lastConfirmed[branch]
		for i := 0; i < limit; i++ {
			header, ok := byParent[branch][cursor]
			if !ok {
				break
			}
			out = append(out, header)
			cursor = header.Hash()
		}
	}
	return out
}

func lessHash(a, b model.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// block production

// CreateBlockToMine assembles a root block on top of the tip confirming the
// given minor headers; a nil list confirms the currently pending ones.
func (s *RootState) CreateBlockToMine(headers []*model.MinorBlockHeader, coinbase model.Address, createTime uint64) (*model.RootBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if headers == nil {
		headers = s.pendingMinorBlockHeadersLocked()
	}
	if createTime == 0 {
		createTime = uint64(time.Now().Unix())
	}

	block := s.tip.CreateBlockToAppend(createTime, s.tip.Difficulty, coinbase)
	block.MinorBlockHeaders = headers
	block.Finalize(s.cfg.Root.CoinbaseAmount.Value(), coinbase)

	return block, nil
}

// ---------------------------------------------------------------------------
// block acceptance

// AddBlock validates and stores a root block. The canonical tip follows the
// highest cumulative difficulty; a tip change away from the current branch
// returns a ReorgEvent so the caller can realign every shard. Re-adding a
// known block is a no-op.
func (s *RootState) AddBlock(block *model.RootBlock) (*ReorgEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() {
		prometheusRootAddBlockDuration.Observe(time.Since(start).Seconds())
	}()

	var td *big.Int
	if s.db.ContainRootBlock(block.Hash()) {
		// known block: nothing to validate, but a rolled-back tip may still
		// need re-adoption below
		if block.Hash() == s.tip.Hash() {
			return nil, nil
		}
		var err error
		if td, err = s.db.GetTotalDifficulty(block.Hash()); err != nil {
			return nil, err
		}
	} else {
		if err := s.validateBlockLocked(block); err != nil {
			return nil, err
		}

		parentTd, err := s.db.GetTotalDifficulty(block.Header.HashPrevRootBlock)
		if err != nil {
			return nil, err
		}
		td = new(big.Int).Add(parentTd, new(big.Int).SetUint64(block.Header.Difficulty))

		if err := s.db.PutRootBlock(block, td); err != nil {
			return nil, err
		}
	}

	tipTd, err := s.db.GetTotalDifficulty(s.tip.Hash())
	if err != nil {
		return nil, err
	}
	if td.Cmp(tipTd) <= 0 {
		return nil, nil // stored side branch
	}

	oldTip := s.tip
	extending := block.Header.HashPrevRootBlock == s.tip.Hash()

	if extending {
		s.canonical[block.Hash()] = block.Header.Height
		for _, mh := range block.MinorBlockHeaders {
			s.confirmed[mh.Hash()] = block.Hash()
			s.lastConfirmed[mh.Branch] = mh.Hash()
		}
		_ = s.db.PutCanonicalHash(block.Header.Height, block.Hash())

		s.tip = block.Header
		_ = s.db.PutTip(block.Hash())
		prometheusRootBlockAdded.Inc()
		prometheusRootTipHeight.Set(float64(block.Header.Height))
		return nil, nil
	}

	prometheusRootReorg.Inc()
	oldCanonical := s.canonical
	s.rebuildCanonicalLocked(block)

	var newChain []*model.RootBlock
	cursor := block
	for {
		if _, wasCanonical := oldCanonical[cursor.Hash()]; wasCanonical {
			break
		}
		newChain = append([]*model.RootBlock{cursor}, newChain...)
		if cursor.Header.Height == 0 {
			break
		}
		prev, err := s.db.GetRootBlock(cursor.Header.HashPrevRootBlock)
		if err != nil {
			break
		}
		cursor = prev
	}

	s.tip = block.Header
	_ = s.db.PutTip(block.Hash())
	prometheusRootBlockAdded.Inc()
	prometheusRootTipHeight.Set(float64(block.Header.Height))

	s.logger.Infof("[RootState] reorg %d (%s) -> %d (%s)",
		oldTip.Height, oldTip.Hash(), block.Header.Height, block.Hash())
	return &ReorgEvent{OldTip: oldTip, NewTip: block.Header, NewChain: newChain}, nil
}

// ResetTip rolls the canonical tip back to a previously stored block. Used
// by the master to abort a root commit that a slave rejected.
func (s *RootState) ResetTip(h model.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.db.GetRootBlock(h)
	if err != nil {
		return err
	}
	s.rebuildCanonicalLocked(block)
	s.tip = block.Header
	return s.db.PutTip(h)
}

func (s *RootState) validateBlockLocked(block *model.RootBlock) error {
	header := block.Header

	parent, err := s.db.GetRootBlock(header.HashPrevRootBlock)
	if err != nil {
		return errors.NewUnknownAncestorError("parent %s not found", header.HashPrevRootBlock, err)
	}
	if header.Height != parent.Header.Height+1 {
		return errors.NewBlockInvalidError("height %d does not follow parent %d",
			header.Height, parent.Header.Height)
	}
	if header.Time <= parent.Header.Time {
		return errors.NewBlockInvalidError("timestamp %d not after parent %d", header.Time, parent.Header.Time)
	}

	if s.tip.Height > header.Height && s.tip.Height-header.Height > s.cfg.Root.MaxStaleRootBlockHeightDiff {
		return errors.NewBlockStaleError("height %d is %d behind tip", header.Height, s.tip.Height-header.Height)
	}

	if !s.cfg.SkipRootDifficultyCheck && s.cfg.Root.ConsensusType == config.ConsensusDoubleSha256 {
		raw, err := model.SerializeToBytes(header)
		if err != nil {
			return err
		}
		if !model.CheckPow(model.PowHashDoubleSha256(raw), header.Difficulty) {
			return errors.NewBlockInvalidError("proof of work check failed")
		}
	}

	leaves := make([]model.Hash, len(block.MinorBlockHeaders))
	lastHeight := make(map[model.Branch]uint64)
	count := make(map[model.Branch]int)
	for i, mh := range block.MinorBlockHeaders {
		hash := mh.Hash()
		leaves[i] = hash

		// genesis headers are derived deterministically from their root
		// anchor; shards realign to them on their own
		if mh.Height != 0 {
			if _, ok := s.validated[hash]; !ok && !s.db.ContainValidatedMinorHeader(hash) {
				return errors.NewBlockInvalidError("minor block %s is not validated", hash)
			}
		}
		if prev, ok := lastHeight[mh.Branch]; ok && mh.Height <= prev {
			return errors.NewBlockInvalidError("minor headers of %s are not height-ascending", mh.Branch)
		}
		lastHeight[mh.Branch] = mh.Height
		count[mh.Branch]++
	}

	for branch, n := range count {
		shardCfg, err := s.cfg.GetShardConfigByFullShardID(branch)
		if err != nil {
			return errors.NewBlockInvalidError("unknown shard %s", branch)
		}
		if limit := int(shardCfg.MaxBlocksPerShardInOneRootBlock(s.cfg.Root)); n > limit {
			return errors.NewBlockInvalidError("%d headers of %s exceed the per-root budget %d", n, branch, limit)
		}
	}

	if model.CalculateMerkleRoot(leaves) != header.HashMerkleRoot {
		return errors.NewBlockInvalidError("minor header merkle root mismatch")
	}

	return nil
}

// rebuildCanonicalLocked recomputes the canonical hash set, the height
// index and the confirmed minor header index from a new tip.
func (s *RootState) rebuildCanonicalLocked(tip *model.RootBlock) {
	oldHeight := uint64(0)
	if s.tip != nil {
		oldHeight = s.tip.Height
	}
	for h := tip.Header.Height + 1; h <= oldHeight; h++ {
		_ = s.db.DeleteCanonicalHash(h)
	}

	s.canonical = make(map[model.Hash]uint64)
	s.confirmed = make(map[model.Hash]model.Hash)
	s.lastConfirmed = make(map[model.Branch]model.Hash)

	cursor := tip
	for {
		s.canonical[cursor.Hash()] = cursor.Header.Height
		_ = s.db.PutCanonicalHash(cursor.Header.Height, cursor.Hash())
		blockTop := make(map[model.Branch]*model.MinorBlockHeader)
		for _, mh := range cursor.MinorBlockHeaders {
			s.confirmed[mh.Hash()] = cursor.Hash()
			if top, ok := blockTop[mh.Branch]; !ok || mh.Height > top.Height {
				blockTop[mh.Branch] = mh
			}
		}
		// walking tip-down, the first block mentioning a branch holds its
		// highest confirmed header
		for branch, mh := range blockTop {
			if _, ok := s.lastConfirmed[branch]; !ok {
				s.lastConfirmed[branch] = mh.Hash()
			}
		}
		if cursor.Header.Height == 0 {
			break
		}
		prev, err := s.db.GetRootBlock(cursor.Header.HashPrevRootBlock)
		if err != nil {
			break
		}
		cursor = prev
	}
}

// ---------------------------------------------------------------------------
// queries

func (s *RootState) ContainRootBlockByHash(h model.Hash) bool {
	return s.db.ContainRootBlock(h)
}

func (s *RootState) GetRootBlockByHash(h model.Hash) (*model.RootBlock, error) {
	return s.db.GetRootBlock(h)
}

func (s *RootState) GetRootBlockByHeight(height uint64) (*model.RootBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, err := s.db.GetCanonicalHash(height)
	if err != nil {
		return nil, err
	}
	return s.db.GetRootBlock(h)
}

// IsCanonical reports whether the root block hash lies on the canonical
// chain.
func (s *RootState) IsCanonical(h model.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.canonical[h]
	return ok
}

// GetConfirmingRootBlock returns the canonical root block hash confirming a
// minor block, if any.
func (s *RootState) GetConfirmingRootBlock(minorHash model.Hash) (model.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.confirmed[minorHash]
	return h, ok
}
