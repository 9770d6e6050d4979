package p2p

import (
	"context"
	"time"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/ulogger"
	"github.com/lattice-network/lattice/util/retry"
)

// syncState of a Synchronizer.
type syncState int32

const (
	syncIdle syncState = iota
	syncPulling
	syncValidating
)

const maxSyncDepth = 5000

// Synchronizer is the per-peer download state machine: Idle until an
// announce puts the peer ahead of the local chain, then Pulling blocks by
// hash and Validating them through the regular add paths, then Idle again.
// Failures back off and eventually close the peer.
type Synchronizer struct {
	logger  ulogger.Logger
	backend Backend
	peer    *Peer

	notifyCh chan *NewMinorBlockHeaderListCommand
	state    syncState
}

func newSynchronizer(logger ulogger.Logger, backend Backend, peer *Peer) *Synchronizer {
	return &Synchronizer{
		logger:   logger,
		backend:  backend,
		peer:     peer,
		notifyCh: make(chan *NewMinorBlockHeaderListCommand, 1),
	}
}

// Notify hands the synchronizer a fresh announce. A newer announce
// supersedes one still waiting.
func (s *Synchronizer) Notify(cmd *NewMinorBlockHeaderListCommand) {
	for {
		select {
		case s.notifyCh <- cmd:
			return
		default:
			select {
			case <-s.notifyCh:
			default:
			}
		}
	}
}

func (s *Synchronizer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.peer.closed:
			return
		case cmd := <-s.notifyCh:
			s.state = syncPulling
			_, err := retry.Do(ctx, s.logger, func() (struct{}, error) {
				return struct{}{}, s.sync(ctx, cmd)
			},
				retry.WithMessage("[Synchronizer] sync with "+s.peer.IDString()+" failed"),
				retry.WithAttempts(3),
				retry.WithBackoff(500*time.Millisecond),
				retry.WithExponentialBackoff(),
			)
			s.state = syncIdle
			if err != nil && !errors.Is(err, context.Canceled) {
				s.peer.closeWithError("synchronization failed: %v", err)
				return
			}
		}
	}
}

func (s *Synchronizer) sync(ctx context.Context, cmd *NewMinorBlockHeaderListCommand) error {
	if err := s.syncRootChain(ctx, cmd.RootTip); err != nil {
		return err
	}

	for _, header := range cmd.MinorBlockHeaderList {
		if err := s.syncMinorChain(ctx, header.Branch, header.Hash()); err != nil {
			return err
		}
	}
	return nil
}

// syncRootChain pulls the peer's root branch back to a locally known
// ancestor, then replays it forward. Each root block's referenced minor
// blocks are downloaded and validated before the root block itself, so the
// add path sees them as shard-validated.
func (s *Synchronizer) syncRootChain(ctx context.Context, tip *model.RootBlockHeader) error {
	var pending []*model.RootBlock

	cursor := tip.Hash()
	for !s.backend.ContainRootBlock(cursor) {
		if len(pending) >= maxSyncDepth {
			return errors.NewPeerViolationError("root chain pull exceeded %d blocks", maxSyncDepth)
		}
		block, err := s.fetchRootBlock(ctx, cursor)
		if err != nil {
			return err
		}
		pending = append(pending, block)
		if block.Header.Height == 0 {
			break
		}
		cursor = block.Header.HashPrevRootBlock
	}

	// oldest first
	for i := len(pending) - 1; i >= 0; i-- {
		block := pending[i]
		s.state = syncValidating

		for _, mh := range block.MinorBlockHeaders {
			if mh.Height == 0 {
				continue // genesis blocks are derived locally, never downloaded
			}
			if err := s.syncMinorChain(ctx, mh.Branch, mh.Hash()); err != nil {
				return err
			}
		}

		if err := s.backend.AddRootBlock(ctx, block); err != nil {
			if errors.Is(err, errors.ErrBlockStale) {
				continue
			}
			if errors.Is(err, errors.ErrBlockInvalid) {
				return errors.NewPeerViolationError("peer served invalid root block %s", block.Hash(), err)
			}
			return err
		}
		prometheusSyncRootBlocks.Inc()
		s.state = syncPulling
	}

	return nil
}

// syncMinorChain pulls one shard branch back to a known ancestor and
// replays it forward through the owning slave.
func (s *Synchronizer) syncMinorChain(ctx context.Context, branch model.Branch, hash model.Hash) error {
	var pending []*model.MinorBlock

	cursor := hash
	for !s.backend.ContainMinorBlock(branch, cursor) {
		if len(pending) >= maxSyncDepth {
			return errors.NewPeerViolationError("minor chain pull exceeded %d blocks", maxSyncDepth)
		}
		block, err := s.fetchMinorBlock(ctx, branch, cursor)
		if err != nil {
			return err
		}
		pending = append(pending, block)
		if block.Header.Height == 0 {
			break
		}
		cursor = block.Header.HashPrevMinorBlock
	}

	for i := len(pending) - 1; i >= 0; i-- {
		block := pending[i]
		if block.Header.Height == 0 {
			continue // the local shard derives its own genesis
		}
		if err := s.backend.AddMinorBlock(ctx, block); err != nil {
			if errors.Is(err, errors.ErrBlockStale) {
				continue
			}
			if errors.Is(err, errors.ErrBlockInvalid) {
				return errors.NewPeerViolationError("peer served invalid minor block %s", block.Hash(), err)
			}
			return err
		}
		prometheusSyncMinorBlocks.Inc()
	}

	return nil
}

func (s *Synchronizer) fetchRootBlock(ctx context.Context, h model.Hash) (*model.RootBlock, error) {
	req := &GetRootBlockListRequest{RootBlockHashList: []model.Hash{h}}
	f, err := s.peer.writeRPC(ctx, OpGetRootBlockListRequest, req, OpGetRootBlockListResponse)
	if err != nil {
		return nil, err
	}
	resp := &GetRootBlockListResponse{}
	if err := decodePayload(f, resp); err != nil {
		return nil, err
	}
	if len(resp.RootBlockList) != 1 || resp.RootBlockList[0].Hash() != h {
		return nil, errors.NewPeerViolationError("peer did not serve root block %s", h)
	}
	return resp.RootBlockList[0], nil
}

func (s *Synchronizer) fetchMinorBlock(ctx context.Context, branch model.Branch, h model.Hash) (*model.MinorBlock, error) {
	req := &GetMinorBlockListRequest{Branch: branch, MinorBlockHashList: []model.Hash{h}}
	f, err := s.peer.writeRPC(ctx, OpGetMinorBlockListRequest, req, OpGetMinorBlockListResponse)
	if err != nil {
		return nil, err
	}
	resp := &GetMinorBlockListResponse{}
	if err := decodePayload(f, resp); err != nil {
		return nil, err
	}
	if len(resp.MinorBlockList) != 1 || resp.MinorBlockList[0].Hash() != h {
		return nil, errors.NewPeerViolationError("peer did not serve minor block %s", h)
	}
	return resp.MinorBlockList[0], nil
}
