package slave

import (
	"context"
	"math/big"

	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/services/shard"
)

// AccountData is the primary-shard view of an address.
type AccountData struct {
	Branch           model.Branch
	Balance          *big.Int
	TransactionCount uint64
}

// ClientI is the master's handle on one slave. The in-process slave
// implements it directly; a remote slave would sit behind the cluster RPC
// codec with the same surface.
type ClientI interface {
	ID() string
	CoversBranch(branch model.Branch) bool

	AddTx(ctx context.Context, tx *model.EvmTransaction) error
	AddBlock(ctx context.Context, branch model.Branch, raw []byte) error
	AddMinorBlock(ctx context.Context, block *model.MinorBlock) error

	// AddRootBlock propagates a committed root block to every hosted shard
	// and returns the headers of any genesis minor blocks it brought into
	// existence.
	AddRootBlock(ctx context.Context, block *model.RootBlock) ([]*model.MinorBlockHeader, error)

	CreateBlockToMine(ctx context.Context, branch model.Branch, coinbase model.Address, createTime uint64) (*model.MinorBlock, error)

	GetAccountData(ctx context.Context, address model.Address) (*AccountData, error)
	HandleXShardTxList(ctx context.Context, branch model.Branch, sourceBlockHash model.Hash, list *model.CrossShardTransactionList) error

	GetMinorBlockByHash(ctx context.Context, branch model.Branch, h model.Hash) (*model.MinorBlock, error)
	GetShardStats(ctx context.Context) ([]shard.ShardStats, error)
}

// Router is the slave's way back into the cluster: cross-shard fan-out and
// minor header submission go through the master.
type Router interface {
	// BroadcastXShardTxList delivers one source block's deposit lists to the
	// slaves owning the destination shards.
	BroadcastXShardTxList(ctx context.Context, sourceBlockHash model.Hash, lists map[model.Branch]*model.CrossShardTransactionList) error

	// AddValidatedMinorBlockHeader submits a shard-validated header to the
	// root state's confirmation pool.
	AddValidatedMinorBlockHeader(ctx context.Context, header *model.MinorBlockHeader) error

	// MinorBlockAdded is the announce hook for newly accepted blocks.
	MinorBlockAdded(block *model.MinorBlock)
}
