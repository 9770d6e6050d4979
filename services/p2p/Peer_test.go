package p2p

import (
	"bytes"
	"context"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-network/lattice/config"
	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/model"
	"github.com/lattice-network/lattice/ulogger"
)

// stubBackend serves a static root chain and records what the synchronizer
// feeds it.
type stubBackend struct {
	mu         sync.Mutex
	rootTip    *model.RootBlockHeader
	rootBlocks map[model.Hash]*model.RootBlock
	minors     map[model.Hash]*model.MinorBlock
	txs        []*model.EvmTransaction
}

func newStubBackend() *stubBackend {
	genesis := &model.RootBlock{Header: &model.RootBlockHeader{
		CoinbaseAmount: new(big.Int),
		Time:           1519147489,
		Difficulty:     1000000,
	}}
	return &stubBackend{
		rootTip:    genesis.Header,
		rootBlocks: map[model.Hash]*model.RootBlock{genesis.Hash(): genesis},
		minors:     make(map[model.Hash]*model.MinorBlock),
	}
}

func (b *stubBackend) RootTip() *model.RootBlockHeader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rootTip
}

func (b *stubBackend) ContainRootBlock(h model.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.rootBlocks[h]
	return ok
}

func (b *stubBackend) GetRootBlockByHash(h model.Hash) (*model.RootBlock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	block, ok := b.rootBlocks[h]
	if !ok {
		return nil, errors.NewNotFoundError("no root block %s", h)
	}
	return block, nil
}

func (b *stubBackend) AddRootBlock(ctx context.Context, block *model.RootBlock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rootBlocks[block.Hash()] = block
	if block.Header.Height > b.rootTip.Height {
		b.rootTip = block.Header
	}
	return nil
}

func (b *stubBackend) ContainMinorBlock(branch model.Branch, h model.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.minors[h]
	return ok
}

func (b *stubBackend) GetMinorBlockByHash(ctx context.Context, branch model.Branch, h model.Hash) (*model.MinorBlock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	block, ok := b.minors[h]
	if !ok {
		return nil, errors.NewNotFoundError("no minor block %s", h)
	}
	return block, nil
}

func (b *stubBackend) AddMinorBlock(ctx context.Context, block *model.MinorBlock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minors[block.Hash()] = block
	return nil
}

func (b *stubBackend) AddTransactionFromPeer(ctx context.Context, tx *model.EvmTransaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs = append(b.txs, tx)
	return nil
}

func newTestServer(t *testing.T) (*Server, *stubBackend) {
	t.Helper()

	cfg, err := config.NewLocalClusterConfig()
	require.NoError(t, err)
	cfg.P2P = &config.P2PConfig{ListenHost: "127.0.0.1", ListenPort: 0, MaxPeers: 8}

	backend := newStubBackend()
	server, err := NewServer(ulogger.TestLogger{}, cfg, backend)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(server.Stop)

	return server, backend
}

func TestFrameRoundTrip(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	req := &GetPeerListRequest{MaxPeers: 10}
	require.NoError(t, writeFrame(buf, OpGetPeerListRequest, 42, req))

	f, err := readFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, OpGetPeerListRequest, f.op)
	assert.Equal(t, uint64(42), f.rpcID)

	decoded := &GetPeerListRequest{}
	require.NoError(t, decodePayload(f, decoded))
	assert.Equal(t, uint32(10), decoded.MaxPeers)

	t.Run("zero rpc id marks an announcement", func(t *testing.T) {
		buf.Reset()
		require.NoError(t, writeFrame(buf, OpNewTransactionList, 0, &NewTransactionListCommand{}))
		f, err := readFrame(buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), f.rpcID)
	})

	t.Run("truncated frame fails", func(t *testing.T) {
		_, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 9, 1}))
		require.Error(t, err)
	})
}

func TestHandshake(t *testing.T) {
	s0, _ := newTestServer(t)
	s1, _ := newTestServer(t)

	peer, err := s1.ConnectPeer(context.Background(), "127.0.0.1", s0.ListenPort())
	require.NoError(t, err)
	assert.Equal(t, s0.SelfID(), peer.ID())
	assert.Equal(t, uint64(0), peer.BestRootHeaderObserved().Height)

	waitFor(t, func() bool { return len(s0.Peers()) == 1 })
	assert.Len(t, s1.Peers(), 1)
}

func TestHandshakeRejectsWrongNetwork(t *testing.T) {
	s0, _ := newTestServer(t)

	conn, err := net.Dial("tcp", listenAddr(s0))
	require.NoError(t, err)
	defer conn.Close()

	hello := &HelloCommand{
		Version:   ProtocolVersion,
		NetworkID: 9999,
		RootTip:   &model.RootBlockHeader{CoinbaseAmount: new(big.Int)},
	}
	require.NoError(t, writeFrame(conn, OpHello, 0, hello))

	// the server closes without answering
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = readFrame(conn)
	require.Error(t, err)
}

func TestHandshakeRequiresHelloFirst(t *testing.T) {
	s0, _ := newTestServer(t)

	conn, err := net.Dial("tcp", listenAddr(s0))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, OpNewTransactionList, 0, &NewTransactionListCommand{}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = readFrame(conn)
	require.Error(t, err)
}

func TestAnnounceRootHeightMustNotRegress(t *testing.T) {
	s0, _ := newTestServer(t)
	s1, backend1 := newTestServer(t)

	// raise s1's advertised tip to height 2
	tip := backend1.RootTip().CreateBlockToAppend(1519147500, 0, model.EmptyAddress(0))
	tip.Finalize(big.NewInt(0), model.EmptyAddress(0))
	require.NoError(t, backend1.AddRootBlock(context.Background(), tip))
	tip2 := tip.Header.CreateBlockToAppend(1519147501, 0, model.EmptyAddress(0))
	tip2.Finalize(big.NewInt(0), model.EmptyAddress(0))
	require.NoError(t, backend1.AddRootBlock(context.Background(), tip2))

	peer, err := s1.ConnectPeer(context.Background(), "127.0.0.1", s0.ListenPort())
	require.NoError(t, err)

	// announcing height 2 then height 1 violates the protocol
	require.NoError(t, peer.writeCommand(OpNewMinorBlockHeaderList, 0,
		&NewMinorBlockHeaderListCommand{RootTip: tip2.Header}))
	require.NoError(t, peer.writeCommand(OpNewMinorBlockHeaderList, 0,
		&NewMinorBlockHeaderListCommand{RootTip: tip.Header}))

	waitFor(t, func() bool { return len(s0.Peers()) == 0 })
}

func TestPeerListExchange(t *testing.T) {
	s0, _ := newTestServer(t)
	s1, _ := newTestServer(t)
	s2, _ := newTestServer(t)

	_, err := s1.ConnectPeer(context.Background(), "127.0.0.1", s0.ListenPort())
	require.NoError(t, err)
	peer, err := s2.ConnectPeer(context.Background(), "127.0.0.1", s0.ListenPort())
	require.NoError(t, err)

	waitFor(t, func() bool { return len(s0.Peers()) == 2 })

	f, err := peer.writeRPC(context.Background(), OpGetPeerListRequest,
		&GetPeerListRequest{MaxPeers: 10}, OpGetPeerListResponse)
	require.NoError(t, err)

	resp := &GetPeerListResponse{}
	require.NoError(t, decodePayload(f, resp))
	require.Len(t, resp.PeerInfoList, 1)
	assert.Equal(t, s1.advertisedPort, resp.PeerInfoList[0].Port)
}

func TestRootBlockDownload(t *testing.T) {
	s0, backend0 := newTestServer(t)
	s1, _ := newTestServer(t)

	block := backend0.RootTip().CreateBlockToAppend(1519147500, 0, model.EmptyAddress(0))
	block.Finalize(big.NewInt(0), model.EmptyAddress(0))
	require.NoError(t, backend0.AddRootBlock(context.Background(), block))

	peer, err := s1.ConnectPeer(context.Background(), "127.0.0.1", s0.ListenPort())
	require.NoError(t, err)

	f, err := peer.writeRPC(context.Background(), OpGetRootBlockListRequest,
		&GetRootBlockListRequest{RootBlockHashList: []model.Hash{block.Hash()}}, OpGetRootBlockListResponse)
	require.NoError(t, err)

	resp := &GetRootBlockListResponse{}
	require.NoError(t, decodePayload(f, resp))
	require.Len(t, resp.RootBlockList, 1)
	assert.Equal(t, block.Hash(), resp.RootBlockList[0].Hash())
}

func TestSynchronizerPullsAdvertisedRootChain(t *testing.T) {
	s0, backend0 := newTestServer(t)
	s1, backend1 := newTestServer(t)

	// grow s0's chain by two blocks
	b1 := backend0.RootTip().CreateBlockToAppend(1519147500, 0, model.EmptyAddress(0))
	b1.Finalize(big.NewInt(0), model.EmptyAddress(0))
	require.NoError(t, backend0.AddRootBlock(context.Background(), b1))
	b2 := b1.Header.CreateBlockToAppend(1519147501, 0, model.EmptyAddress(0))
	b2.Finalize(big.NewInt(0), model.EmptyAddress(0))
	require.NoError(t, backend0.AddRootBlock(context.Background(), b2))

	// the hello announce alone drives the catch-up
	_, err := s1.ConnectPeer(context.Background(), "127.0.0.1", s0.ListenPort())
	require.NoError(t, err)

	waitFor(t, func() bool {
		return backend1.ContainRootBlock(b2.Hash()) && backend1.RootTip().Height == 2
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func listenAddr(s *Server) string {
	return s.listener.Addr().String()
}
