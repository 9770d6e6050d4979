package p2p

import (
	"io"

	"github.com/lattice-network/lattice/model"
)

// Command op codes. The numbering is part of the wire protocol and never
// changes.
const (
	OpHello                     = uint8(0)
	OpNewMinorBlockHeaderList   = uint8(1)
	OpNewTransactionList        = uint8(2)
	OpGetRootBlockListRequest   = uint8(3)
	OpGetRootBlockListResponse  = uint8(4)
	OpGetPeerListRequest        = uint8(5)
	OpGetPeerListResponse       = uint8(6)
	OpGetMinorBlockListRequest  = uint8(7)
	OpGetMinorBlockListResponse = uint8(8)
)

const peerIDLength = 32

// HelloCommand opens every connection, in both directions. Incompatible
// versions or networks, self-connects and duplicate peer ids close the
// connection.
type HelloCommand struct {
	Version       uint32
	NetworkID     uint32
	PeerID        [peerIDLength]byte
	PeerIP        [16]byte
	PeerPort      uint16
	ShardMaskList []uint32
	RootTip       *model.RootBlockHeader
}

func (c *HelloCommand) Serialize(w io.Writer) error {
	if err := model.WriteUint32(w, c.Version); err != nil {
		return err
	}
	if err := model.WriteUint32(w, c.NetworkID); err != nil {
		return err
	}
	if _, err := w.Write(c.PeerID[:]); err != nil {
		return err
	}
	if _, err := w.Write(c.PeerIP[:]); err != nil {
		return err
	}
	if err := model.WriteUint16(w, c.PeerPort); err != nil {
		return err
	}
	if err := model.WriteUint32List(w, c.ShardMaskList); err != nil {
		return err
	}
	return c.RootTip.Serialize(w)
}

func (c *HelloCommand) Deserialize(r io.Reader) error {
	var err error
	if c.Version, err = model.ReadUint32(r); err != nil {
		return err
	}
	if c.NetworkID, err = model.ReadUint32(r); err != nil {
		return err
	}
	if _, err = io.ReadFull(r, c.PeerID[:]); err != nil {
		return err
	}
	if _, err = io.ReadFull(r, c.PeerIP[:]); err != nil {
		return err
	}
	if c.PeerPort, err = model.ReadUint16(r); err != nil {
		return err
	}
	if c.ShardMaskList, err = model.ReadUint32List(r); err != nil {
		return err
	}
	c.RootTip = &model.RootBlockHeader{}
	return c.RootTip.Deserialize(r)
}

// NewMinorBlockHeaderListCommand announces the sender's root tip together
// with freshly accepted minor headers. The advertised root height must
// never decrease on one connection.
type NewMinorBlockHeaderListCommand struct {
	RootTip              *model.RootBlockHeader
	MinorBlockHeaderList []*model.MinorBlockHeader
}

func (c *NewMinorBlockHeaderListCommand) Serialize(w io.Writer) error {
	if err := c.RootTip.Serialize(w); err != nil {
		return err
	}
	return model.WriteMinorBlockHeaderList(w, c.MinorBlockHeaderList)
}

func (c *NewMinorBlockHeaderListCommand) Deserialize(r io.Reader) error {
	c.RootTip = &model.RootBlockHeader{}
	if err := c.RootTip.Deserialize(r); err != nil {
		return err
	}
	var err error
	c.MinorBlockHeaderList, err = model.ReadMinorBlockHeaderList(r)
	return err
}

// NewTransactionListCommand relays mempool entries.
type NewTransactionListCommand struct {
	TransactionList []*model.EvmTransaction
}

func (c *NewTransactionListCommand) Serialize(w io.Writer) error {
	return model.WriteTransactionList(w, c.TransactionList)
}

func (c *NewTransactionListCommand) Deserialize(r io.Reader) error {
	var err error
	c.TransactionList, err = model.ReadTransactionList(r)
	return err
}

type GetRootBlockListRequest struct {
	RootBlockHashList []model.Hash
}

func (c *GetRootBlockListRequest) Serialize(w io.Writer) error {
	return model.WriteHashList(w, c.RootBlockHashList)
}

func (c *GetRootBlockListRequest) Deserialize(r io.Reader) error {
	var err error
	c.RootBlockHashList, err = model.ReadHashList(r)
	return err
}

type GetRootBlockListResponse struct {
	RootBlockList []*model.RootBlock
}

func (c *GetRootBlockListResponse) Serialize(w io.Writer) error {
	if err := model.WriteListLength(w, len(c.RootBlockList)); err != nil {
		return err
	}
	for _, block := range c.RootBlockList {
		if err := block.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func (c *GetRootBlockListResponse) Deserialize(r io.Reader) error {
	n, err := model.ReadListLength(r)
	if err != nil {
		return err
	}
	c.RootBlockList = make([]*model.RootBlock, n)
	for i := range c.RootBlockList {
		c.RootBlockList[i] = &model.RootBlock{}
		if err := c.RootBlockList[i].Deserialize(r); err != nil {
			return err
		}
	}
	return nil
}

type GetMinorBlockListRequest struct {
	Branch             model.Branch
	MinorBlockHashList []model.Hash
}

func (c *GetMinorBlockListRequest) Serialize(w io.Writer) error {
	if err := model.WriteUint32(w, c.Branch.Value()); err != nil {
		return err
	}
	return model.WriteHashList(w, c.MinorBlockHashList)
}

func (c *GetMinorBlockListRequest) Deserialize(r io.Reader) error {
	branch, err := model.ReadUint32(r)
	if err != nil {
		return err
	}
	c.Branch = model.NewBranch(branch)
	c.MinorBlockHashList, err = model.ReadHashList(r)
	return err
}

type GetMinorBlockListResponse struct {
	MinorBlockList []*model.MinorBlock
}

func (c *GetMinorBlockListResponse) Serialize(w io.Writer) error {
	if err := model.WriteListLength(w, len(c.MinorBlockList)); err != nil {
		return err
	}
	for _, block := range c.MinorBlockList {
		if err := block.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func (c *GetMinorBlockListResponse) Deserialize(r io.Reader) error {
	n, err := model.ReadListLength(r)
	if err != nil {
		return err
	}
	c.MinorBlockList = make([]*model.MinorBlock, n)
	for i := range c.MinorBlockList {
		c.MinorBlockList[i] = &model.MinorBlock{}
		if err := c.MinorBlockList[i].Deserialize(r); err != nil {
			return err
		}
	}
	return nil
}

type GetPeerListRequest struct {
	MaxPeers uint32
}

func (c *GetPeerListRequest) Serialize(w io.Writer) error {
	return model.WriteUint32(w, c.MaxPeers)
}

func (c *GetPeerListRequest) Deserialize(r io.Reader) error {
	var err error
	c.MaxPeers, err = model.ReadUint32(r)
	return err
}

type PeerInfo struct {
	IP   [16]byte
	Port uint16
}

func (p *PeerInfo) Serialize(w io.Writer) error {
	if _, err := w.Write(p.IP[:]); err != nil {
		return err
	}
	return model.WriteUint16(w, p.Port)
}

func (p *PeerInfo) Deserialize(r io.Reader) error {
	if _, err := io.ReadFull(r, p.IP[:]); err != nil {
		return err
	}
	var err error
	p.Port, err = model.ReadUint16(r)
	return err
}

type GetPeerListResponse struct {
	PeerInfoList []*PeerInfo
}

func (c *GetPeerListResponse) Serialize(w io.Writer) error {
	if err := model.WriteListLength(w, len(c.PeerInfoList)); err != nil {
		return err
	}
	for _, p := range c.PeerInfoList {
		if err := p.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func (c *GetPeerListResponse) Deserialize(r io.Reader) error {
	n, err := model.ReadListLength(r)
	if err != nil {
		return err
	}
	c.PeerInfoList = make([]*PeerInfo, n)
	for i := range c.PeerInfoList {
		c.PeerInfoList[i] = &PeerInfo{}
		if err := c.PeerInfoList[i].Deserialize(r); err != nil {
			return err
		}
	}
	return nil
}
