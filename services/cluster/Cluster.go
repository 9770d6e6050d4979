package cluster

import (
	"context"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/services/master"
	"github.com/lattice-network/lattice/services/p2p"
	"github.com/lattice-network/lattice/services/shard"
	"github.com/lattice-network/lattice/services/slave"
	"github.com/lattice-network/lattice/ulogger"
)

// Cluster wires one master, its slaves and optionally the inter-cluster
// peer plane into a single process. The production entrypoint and the test
// harnesses both build clusters through this.
type Cluster struct {
	Logger  ulogger.Logger
	Cfg     *config.ClusterConfig
	Master  *master.Master
	Slaves  []*slave.Slave
	Network *p2p.Server
}

// New builds the cluster from its config. storeFactory opens one KV
// namespace per shard plus one for the root chain.
func New(logger ulogger.Logger, cfg *config.ClusterConfig, storeFactory slave.StoreFactory) (*Cluster, error) {
	rootStore, err := storeFactory("root")
	if err != nil {
		return nil, err
	}

	m, err := master.NewMaster(logger, cfg, rootStore)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		Logger: logger,
		Cfg:    cfg,
		Master: m,
	}

	for _, slaveCfg := range cfg.Slaves {
		s, err := slave.NewSlave(logger, cfg, slaveCfg, storeFactory, m)
		if err != nil {
			return nil, err
		}
		c.Slaves = append(c.Slaves, s)
		m.ConnectSlave(s)
	}

	return c, nil
}

// Start runs genesis orchestration and, when the config has a P2P section,
// brings up the peer plane.
func (c *Cluster) Start(ctx context.Context) error {
	if err := c.Master.Setup(ctx); err != nil {
		return err
	}

	if c.Cfg.P2P != nil {
		network, err := p2p.NewServer(c.Logger, c.Cfg, p2p.NewMasterBackend(c.Master))
		if err != nil {
			return err
		}
		if err := network.Start(ctx); err != nil {
			return err
		}
		c.Master.SetAnnouncer(network)
		c.Network = network
	}

	return nil
}

func (c *Cluster) Stop() {
	if c.Network != nil {
		c.Network.Stop()
	}
}

// GetShardState finds the hosted ShardState for a branch, nil when no local
// slave covers it or the shard is still dormant.
func (c *Cluster) GetShardState(branch model.Branch) *shard.ShardState {
	for _, s := range c.Slaves {
		if state := s.GetShard(branch); state != nil {
			return state
		}
	}
	return nil
}

// GetSlaveForBranch returns the hosting slave.
func (c *Cluster) GetSlaveForBranch(branch model.Branch) *slave.Slave {
	for _, s := range c.Slaves {
		if s.CoversBranch(branch) {
			return s
		}
	}
	return nil
}
