package p2p

import (
	"context"

	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/services/master"
)

// Backend is the slice of the cluster the peer plane needs: tip queries,
// block download serving, and the add paths the synchronizer drives.
type Backend interface {
	RootTip() *model.RootBlockHeader

	ContainRootBlock(h model.Hash) bool
	GetRootBlockByHash(h model.Hash) (*model.RootBlock, error)
	AddRootBlock(ctx context.Context, block *model.RootBlock) error

	ContainMinorBlock(branch model.Branch, h model.Hash) bool
	GetMinorBlockByHash(ctx context.Context, branch model.Branch, h model.Hash) (*model.MinorBlock, error)
	AddMinorBlock(ctx context.Context, block *model.MinorBlock) error

	AddTransactionFromPeer(ctx context.Context, tx *model.EvmTransaction) error
}

// masterBackend adapts the in-process master to the Backend surface.
type masterBackend struct {
	master *master.Master
}

// NewMasterBackend wraps a master for use by the peer plane.
func NewMasterBackend(m *master.Master) Backend {
	return &masterBackend{master: m}
}

func (b *masterBackend) RootTip() *model.RootBlockHeader {
	return b.master.RootState().Tip()
}

func (b *masterBackend) ContainRootBlock(h model.Hash) bool {
	return b.master.RootState().ContainRootBlockByHash(h)
}

func (b *masterBackend) GetRootBlockByHash(h model.Hash) (*model.RootBlock, error) {
	return b.master.RootState().GetRootBlockByHash(h)
}

func (b *masterBackend) AddRootBlock(ctx context.Context, block *model.RootBlock) error {
	return b.master.AddRootBlock(ctx, block)
}

func (b *masterBackend) ContainMinorBlock(branch model.Branch, h model.Hash) bool {
	_, err := b.master.GetMinorBlockByHash(context.Background(), branch, h)
	return err == nil
}

func (b *masterBackend) GetMinorBlockByHash(ctx context.Context, branch model.Branch, h model.Hash) (*model.MinorBlock, error) {
	return b.master.GetMinorBlockByHash(ctx, branch, h)
}

func (b *masterBackend) AddMinorBlock(ctx context.Context, block *model.MinorBlock) error {
	return b.master.AddMinorBlock(ctx, block)
}

func (b *masterBackend) AddTransactionFromPeer(ctx context.Context, tx *model.EvmTransaction) error {
	return b.master.AddTransactionFromPeer(ctx, tx)
}
