package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/ulogger"
)

const seenCacheTTL = 60 * time.Second

// Server is one cluster's endpoint on the inter-cluster plane: it accepts
// and dials peers, relays announcements, and serves block downloads.
type Server struct {
	logger  ulogger.Logger
	cfg     *config.ClusterConfig
	backend Backend

	selfID         [peerIDLength]byte
	advertisedIP   [16]byte
	advertisedPort uint16

	listener net.Listener

	peersMu sync.RWMutex
	peers   map[[peerIDLength]byte]*Peer

	// suppresses duplicate announcements of the same header or tx
	seenCache *ttlcache.Cache[model.Hash, bool]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(logger ulogger.Logger, cfg *config.ClusterConfig, backend Backend) (*Server, error) {
	s := &Server{
		logger:  logger,
		cfg:     cfg,
		backend: backend,
		peers:   make(map[[peerIDLength]byte]*Peer),
		seenCache: ttlcache.New[model.Hash, bool](
			ttlcache.WithTTL[model.Hash, bool](seenCacheTTL),
		),
	}
	if _, err := rand.Read(s.selfID[:]); err != nil {
		return nil, err
	}
	copy(s.advertisedIP[12:], net.IPv4(127, 0, 0, 1).To4())

	initPrometheusMetrics()
	return s, nil
}

// SelfID is this cluster endpoint's random 32-byte identity.
func (s *Server) SelfID() [peerIDLength]byte {
	return s.selfID
}

// Start listens on the configured address and, when a bootstrap endpoint is
// configured, dials it and asks for more peers.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.seenCache.Start()

	host, port := "0.0.0.0", uint16(0)
	if s.cfg.P2P != nil {
		if s.cfg.P2P.ListenHost != "" {
			host = s.cfg.P2P.ListenHost
		}
		port = s.cfg.P2P.ListenPort
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return errors.NewServiceUnavailableError("cannot listen on %s:%d", host, port, err)
	}
	s.listener = listener
	s.advertisedPort = uint16(listener.Addr().(*net.TCPAddr).Port)

	s.logger.Infof("[P2P] listening on %s, self id %x", listener.Addr(), s.selfID[:8])

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.P2P != nil && s.cfg.P2P.BootstrapHost != "" {
		s.wg.Add(1)
		go s.bootstrap(s.cfg.P2P.BootstrapHost, s.cfg.P2P.BootstrapPort)
	}

	return nil
}

// ListenPort is the actual bound port, for tests that listen on :0.
func (s *Server) ListenPort() uint16 {
	return s.advertisedPort
}

func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.seenCache.Stop()

	s.peersMu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.RUnlock()
	for _, p := range peers {
		p.Close("server shutdown")
	}

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.logger.Warnf("[P2P] accept failed: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.setupPeer(conn, false)
		}()
	}
}

// ConnectPeer dials another cluster and runs the handshake.
func (s *Server) ConnectPeer(ctx context.Context, host string, port uint16) (*Peer, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, errors.NewPeerClosedError("cannot connect %s:%d", host, port, err)
	}
	return s.setupPeer(conn, true)
}

func (s *Server) setupPeer(conn net.Conn, outbound bool) (*Peer, error) {
	peer := newPeer(s, conn)
	if err := peer.handshake(outbound); err != nil {
		s.logger.Warnf("[P2P] handshake with %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return nil, err
	}

	peer.syncer = newSynchronizer(s.logger, s.backend, peer)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		peer.run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		peer.syncer.run(s.ctx)
	}()

	// the hello itself is the first announce: catch up if the peer is ahead
	peer.syncer.Notify(&NewMinorBlockHeaderListCommand{RootTip: peer.BestRootHeaderObserved()})

	prometheusPeerConnected.Inc()
	s.logger.Infof("[P2P] peer %s connected (%s)", peer.IDString(), conn.RemoteAddr())
	return peer, nil
}

func (s *Server) registerPeer(p *Peer) error {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	if _, ok := s.peers[p.id]; ok {
		return errors.NewPeerViolationError("peer %s already connected", p.IDString())
	}
	if s.cfg.P2P != nil && s.cfg.P2P.MaxPeers > 0 && uint32(len(s.peers)) >= s.cfg.P2P.MaxPeers {
		return errors.NewServiceUnavailableError("peer limit reached")
	}
	s.peers[p.id] = p
	return nil
}

func (s *Server) unregisterPeer(p *Peer) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if existing, ok := s.peers[p.id]; ok && existing == p {
		delete(s.peers, p.id)
	}
}

// Peers snapshots the active peer pool.
func (s *Server) Peers() []*Peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// peerList serves a bounded peer exchange, excluding the asking peer.
func (s *Server) peerList(asking *Peer, maxPeers uint32) *GetPeerListResponse {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	resp := &GetPeerListResponse{}
	for _, p := range s.peers {
		if p == asking {
			continue
		}
		resp.PeerInfoList = append(resp.PeerInfoList, &PeerInfo{IP: p.ip, Port: p.port})
		if uint32(len(resp.PeerInfoList)) >= maxPeers {
			break
		}
	}
	return resp
}

func (s *Server) bootstrap(host string, port uint16) {
	defer s.wg.Done()

	peer, err := s.ConnectPeer(s.ctx, host, port)
	if err != nil {
		s.logger.Warnf("[P2P] bootstrap %s:%d failed: %v", host, port, err)
		return
	}

	f, err := peer.writeRPC(s.ctx, OpGetPeerListRequest, &GetPeerListRequest{MaxPeers: 10}, OpGetPeerListResponse)
	if err != nil {
		return
	}
	resp := &GetPeerListResponse{}
	if err := decodePayload(f, resp); err != nil {
		return
	}

	for _, info := range resp.PeerInfoList {
		info := info
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ip := net.IP(info.IP[12:16]).String()
			if _, err := s.ConnectPeer(s.ctx, ip, info.Port); err != nil {
				s.logger.Debugf("[P2P] discovery dial %s:%d failed: %v", ip, info.Port, err)
			}
		}()
	}
}

func (s *Server) shardMaskList() []uint32 {
	var masks []uint32
	for _, slaveCfg := range s.cfg.Slaves {
		masks = append(masks, slaveCfg.ShardMaskList...)
	}
	return masks
}

// ---------------------------------------------------------------------------
// master.Announcer

// AnnounceNewTip advertises the canonical root tip plus fresh minor
// headers. Headers announced within the cache window are suppressed.
func (s *Server) AnnounceNewTip(rootTip *model.RootBlockHeader, minorHeaders []*model.MinorBlockHeader) {
	fresh := make([]*model.MinorBlockHeader, 0, len(minorHeaders))
	for _, header := range minorHeaders {
		if s.seenCache.Get(header.Hash()) != nil {
			continue
		}
		s.seenCache.Set(header.Hash(), true, ttlcache.DefaultTTL)
		fresh = append(fresh, header)
	}
	if len(fresh) == 0 && len(minorHeaders) > 0 {
		return
	}

	cmd := &NewMinorBlockHeaderListCommand{RootTip: rootTip, MinorBlockHeaderList: fresh}
	for _, p := range s.Peers() {
		if err := p.writeCommand(OpNewMinorBlockHeaderList, 0, cmd); err != nil {
			s.logger.Debugf("[P2P] announce to %s failed: %v", p.IDString(), err)
		}
	}
	prometheusAnnouncesSent.Inc()
}

// BroadcastTransactions relays fresh mempool entries to every peer.
func (s *Server) BroadcastTransactions(txs []*model.EvmTransaction) {
	fresh := make([]*model.EvmTransaction, 0, len(txs))
	for _, tx := range txs {
		if s.seenCache.Get(tx.Hash()) != nil {
			continue
		}
		s.seenCache.Set(tx.Hash(), true, ttlcache.DefaultTTL)
		fresh = append(fresh, tx)
	}
	if len(fresh) == 0 {
		return
	}

	cmd := &NewTransactionListCommand{TransactionList: fresh}
	for _, p := range s.Peers() {
		if err := p.writeCommand(OpNewTransactionList, 0, cmd); err != nil {
			s.logger.Debugf("[P2P] tx relay to %s failed: %v", p.IDString(), err)
		}
	}
}
