package p2p

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/ulogger"
)

// ProtocolVersion of the cluster wire protocol.
const ProtocolVersion = uint32(0)

const defaultRPCTimeout = 10 * time.Second

// Peer is one connection to another cluster. Reading is sequential: one
// loop decodes frames and either completes a pending RPC or handles the
// command in place.
type Peer struct {
	logger ulogger.Logger
	server *Server
	conn   net.Conn

	id            [peerIDLength]byte
	shardMaskList []uint32
	ip            [16]byte
	port          uint16

	// best root header this peer has advertised; must never regress
	observedMu             sync.Mutex
	bestRootHeaderObserved *model.RootBlockHeader

	writeMu sync.Mutex

	rpcMu      sync.Mutex
	rpcCounter uint64
	inflight   map[uint64]chan *frame

	closeOnce sync.Once
	closed    chan struct{}

	syncer *Synchronizer
}

func newPeer(server *Server, conn net.Conn) *Peer {
	return &Peer{
		logger:   server.logger,
		server:   server,
		conn:     conn,
		inflight: make(map[uint64]chan *frame),
		closed:   make(chan struct{}),
	}
}

func (p *Peer) ID() [peerIDLength]byte {
	return p.id
}

func (p *Peer) IDString() string {
	return hex.EncodeToString(p.id[:8])
}

// BestRootHeaderObserved returns the highest root header the peer has
// advertised.
func (p *Peer) BestRootHeaderObserved() *model.RootBlockHeader {
	p.observedMu.Lock()
	defer p.observedMu.Unlock()
	return p.bestRootHeaderObserved
}

// ---------------------------------------------------------------------------
// handshake

func (p *Peer) sendHello() error {
	cmd := &HelloCommand{
		Version:       ProtocolVersion,
		NetworkID:     p.server.cfg.NetworkID,
		PeerID:        p.server.selfID,
		PeerIP:        p.server.advertisedIP,
		PeerPort:      p.server.advertisedPort,
		ShardMaskList: p.server.shardMaskList(),
		RootTip:       p.server.backend.RootTip(),
	}
	return p.writeCommand(OpHello, 0, cmd)
}

func (p *Peer) readHello() (*HelloCommand, error) {
	f, err := readFrame(p.conn)
	if err != nil {
		return nil, errors.NewPeerClosedError("connection lost before hello", err)
	}
	if f.op != OpHello {
		return nil, errors.NewPeerViolationError("first command must be hello, got op %d", f.op)
	}
	cmd := &HelloCommand{}
	if err := decodePayload(f, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// handshake exchanges hellos. The dialing side sends first; the accepting
// side answers after validating.
func (p *Peer) handshake(outbound bool) error {
	_ = p.conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer func() {
		_ = p.conn.SetDeadline(time.Time{})
	}()

	if outbound {
		if err := p.sendHello(); err != nil {
			return err
		}
	}

	cmd, err := p.readHello()
	if err != nil {
		return err
	}
	if cmd.Version != ProtocolVersion {
		return errors.NewPeerViolationError("incompatible protocol version %d", cmd.Version)
	}
	if cmd.NetworkID != p.server.cfg.NetworkID {
		return errors.NewPeerViolationError("incompatible network id %d", cmd.NetworkID)
	}
	if cmd.PeerID == p.server.selfID {
		return errors.NewPeerViolationError("cannot connect to self")
	}

	p.id = cmd.PeerID
	p.shardMaskList = cmd.ShardMaskList
	p.ip = cmd.PeerIP
	p.port = cmd.PeerPort
	p.bestRootHeaderObserved = cmd.RootTip

	if err := p.server.registerPeer(p); err != nil {
		return err
	}

	if !outbound {
		if err := p.sendHello(); err != nil {
			p.server.unregisterPeer(p)
			return err
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// wire

func (p *Peer) writeCommand(op uint8, rpcID uint64, cmd model.Serializable) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := writeFrame(p.conn, op, rpcID, cmd); err != nil {
		return errors.NewPeerClosedError("write to peer %s failed", p.IDString(), err)
	}
	return nil
}

// writeRPC sends a request and blocks for the correlated response. Closing
// the peer cancels every pending call with PeerClosed.
func (p *Peer) writeRPC(ctx context.Context, op uint8, cmd model.Serializable, responseOp uint8) (*frame, error) {
	p.rpcMu.Lock()
	p.rpcCounter++
	rpcID := p.rpcCounter
	ch := make(chan *frame, 1)
	p.inflight[rpcID] = ch
	p.rpcMu.Unlock()

	defer func() {
		p.rpcMu.Lock()
		delete(p.inflight, rpcID)
		p.rpcMu.Unlock()
	}()

	if err := p.writeCommand(op, rpcID, cmd); err != nil {
		return nil, err
	}

	timeout := defaultRPCTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	select {
	case f := <-ch:
		if f.op != responseOp {
			p.closeWithError("response op %d does not match request", f.op)
			return nil, errors.NewPeerViolationError("unexpected response op %d", f.op)
		}
		return f, nil
	case <-time.After(timeout):
		return nil, errors.NewRPCTimeoutError("rpc %d to peer %s timed out", op, p.IDString())
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, errors.NewPeerClosedError("peer %s closed", p.IDString())
	}
}

// ---------------------------------------------------------------------------
// read loop

func (p *Peer) run(ctx context.Context) {
	defer p.Close("read loop exited")

	for {
		f, err := readFrame(p.conn)
		if err != nil {
			select {
			case <-p.closed:
			default:
				p.logger.Debugf("[Peer %s] read failed: %v", p.IDString(), err)
			}
			return
		}

		switch f.op {
		case OpGetRootBlockListResponse, OpGetMinorBlockListResponse, OpGetPeerListResponse:
			p.deliverResponse(f)
		default:
			if err := p.handleCommand(ctx, f); err != nil {
				if errors.Is(err, errors.ErrPeerViolation) {
					p.closeWithError("%v", err)
					return
				}
				p.logger.Warnf("[Peer %s] command op %d failed: %v", p.IDString(), f.op, err)
			}
		}
	}
}

func (p *Peer) deliverResponse(f *frame) {
	p.rpcMu.Lock()
	ch, ok := p.inflight[f.rpcID]
	p.rpcMu.Unlock()
	if ok {
		select {
		case ch <- f:
		default: // duplicate response, drop
		}
	}
}

func (p *Peer) handleCommand(ctx context.Context, f *frame) error {
	switch f.op {
	case OpHello:
		return errors.NewPeerViolationError("unexpected hello")

	case OpNewMinorBlockHeaderList:
		cmd := &NewMinorBlockHeaderListCommand{}
		if err := decodePayload(f, cmd); err != nil {
			return err
		}
		return p.handleNewMinorBlockHeaderList(cmd)

	case OpNewTransactionList:
		cmd := &NewTransactionListCommand{}
		if err := decodePayload(f, cmd); err != nil {
			return err
		}
		for _, tx := range cmd.TransactionList {
			if err := p.server.backend.AddTransactionFromPeer(ctx, tx); err != nil {
				p.logger.Debugf("[Peer %s] relayed tx %s rejected: %v", p.IDString(), tx.Hash(), err)
			}
		}
		return nil

	case OpGetRootBlockListRequest:
		cmd := &GetRootBlockListRequest{}
		if err := decodePayload(f, cmd); err != nil {
			return err
		}
		resp := &GetRootBlockListResponse{}
		for _, h := range cmd.RootBlockHashList {
			if block, err := p.server.backend.GetRootBlockByHash(h); err == nil {
				resp.RootBlockList = append(resp.RootBlockList, block)
			}
		}
		return p.writeCommand(OpGetRootBlockListResponse, f.rpcID, resp)

	case OpGetMinorBlockListRequest:
		cmd := &GetMinorBlockListRequest{}
		if err := decodePayload(f, cmd); err != nil {
			return err
		}
		resp := &GetMinorBlockListResponse{}
		for _, h := range cmd.MinorBlockHashList {
			if block, err := p.server.backend.GetMinorBlockByHash(ctx, cmd.Branch, h); err == nil {
				resp.MinorBlockList = append(resp.MinorBlockList, block)
			}
		}
		return p.writeCommand(OpGetMinorBlockListResponse, f.rpcID, resp)

	case OpGetPeerListRequest:
		cmd := &GetPeerListRequest{}
		if err := decodePayload(f, cmd); err != nil {
			return err
		}
		return p.writeCommand(OpGetPeerListResponse, f.rpcID, p.server.peerList(p, cmd.MaxPeers))

	default:
		return errors.NewPeerViolationError("unknown op %d", f.op)
	}
}

// handleNewMinorBlockHeaderList enforces the announce monotonicity rules
// and hands the tip to the synchronizer.
func (p *Peer) handleNewMinorBlockHeaderList(cmd *NewMinorBlockHeaderListCommand) error {
	p.observedMu.Lock()
	observed := p.bestRootHeaderObserved
	switch {
	case observed.Height > cmd.RootTip.Height:
		p.observedMu.Unlock()
		return errors.NewPeerViolationError("advertised root height regressed from %d to %d",
			observed.Height, cmd.RootTip.Height)
	case observed.Height == cmd.RootTip.Height && observed.Hash() != cmd.RootTip.Hash():
		p.observedMu.Unlock()
		return errors.NewPeerViolationError("advertised root header changed at height %d", observed.Height)
	default:
		p.bestRootHeaderObserved = cmd.RootTip
		p.observedMu.Unlock()
	}

	p.syncer.Notify(cmd)
	return nil
}

// ---------------------------------------------------------------------------
// shutdown

func (p *Peer) Close(reason string) {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
		p.server.unregisterPeer(p)
		p.logger.Infof("[Peer %s] disconnected: %s", p.IDString(), reason)
	})
}

func (p *Peer) closeWithError(format string, args ...interface{}) {
	prometheusPeerViolations.Inc()
	p.logger.Warnf("[Peer %s] closing: "+format, append([]interface{}{p.IDString()}, args...)...)
	p.Close("protocol violation")
}
