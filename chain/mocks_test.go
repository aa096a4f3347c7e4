package chain

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/headerfs"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

var testBestBlock = &headerfs.BlockStamp{
	Height: 42,
}

var (
	_ rescanner            = (*mockRescanner)(nil)
	_ NeutrinoChainService = (*mockChainService)(nil)
)

// mockClient bundles a NeutrinoClient with the mocks wired into it.
type mockClient struct {
	*NeutrinoClient

	chainSvc *mockChainService

	// rescans receives every rescanner the client constructs.
	rescans chan *mockRescanner
}

// newMockNeutrinoClient constructs a neutrino client with a mock chain
// service implementation and mock rescanner interface implementation.
func newMockNeutrinoClient(t *testing.T) *mockClient {
	t.Helper()

	chainSvc := &mockChainService{best: testBestBlock}
	rescans := make(chan *mockRescanner, 8)

	nc := &NeutrinoClient{
		CS:           chainSvc,
		chainParams:  &chaincfg.MainNetParams,
		queryTimeout: defaultQueryTimeout,
		pollTicker:   ticker.NewForce(time.Hour),
	}
	nc.newRescan = func(ro ...neutrino.RescanOption) rescanner {
		r := &mockRescanner{errChan: make(chan error)}
		rescans <- r
		return r
	}

	return &mockClient{
		NeutrinoClient: nc,
		chainSvc:       chainSvc,
		rescans:        rescans,
	}
}

func (c *mockClient) forceTick() {
	c.pollTicker.(*ticker.Force).Force <- time.Time{}
}

// newTestServerPeer returns a server peer usable in the poll tests.  The
// peer is never associated with a connection, so only its address and stats
// carry meaning.
func newTestServerPeer(t *testing.T, addr string) *neutrino.ServerPeer {
	t.Helper()

	p, err := peer.NewOutboundPeer(&peer.Config{}, addr)
	require.NoError(t, err)
	return &neutrino.ServerPeer{Peer: p}
}

// readEvent returns the next notification or fails the test after a bounded
// wait.
func readEvent(t *testing.T, c <-chan Event) Event {
	t.Helper()

	select {
	case e, ok := <-c:
		require.True(t, ok, "notification channel closed")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

// mockRescanner is a mock implementation of the rescanner interface for use
// in tests.
type mockRescanner struct {
	mtx         sync.Mutex
	started     bool
	shutdown    bool
	errChan     chan error
	waitEntered chan struct{}
	waitRelease chan struct{}
}

func (m *mockRescanner) Start() <-chan error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.started = true
	return m.errChan
}

func (m *mockRescanner) WaitForShutdown() {
	m.mtx.Lock()
	entered := m.waitEntered
	release := m.waitRelease
	m.mtx.Unlock()

	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.shutdown = true
}

// holdShutdown arranges for the next WaitForShutdown call to block.  The
// returned entered channel closes once the call begins, and release lets it
// finish.
func (m *mockRescanner) holdShutdown() (<-chan struct{}, func()) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.waitEntered = make(chan struct{})
	m.waitRelease = make(chan struct{})
	release := m.waitRelease
	return m.waitEntered, func() { close(release) }
}

func (m *mockRescanner) isStarted() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.started
}

func (m *mockRescanner) isShutdown() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.shutdown
}

// mockChainService is a mock implementation of the NeutrinoChainService
// interface for use in tests.
type mockChainService struct {
	mtx        sync.Mutex
	best       *headerfs.BlockStamp
	bestErr    error
	blockUntil chan struct{}
	current    bool
	peers      []*neutrino.ServerPeer
	sentTxs    []*wire.MsgTx
	sendErr    error
}

func (m *mockChainService) Start() error {
	return nil
}

func (m *mockChainService) Stop() error {
	return nil
}

func (m *mockChainService) BestBlock() (*headerfs.BlockStamp, error) {
	m.mtx.Lock()
	blockUntil := m.blockUntil
	m.mtx.Unlock()
	if blockUntil != nil {
		<-blockUntil
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.bestErr != nil {
		return nil, m.bestErr
	}
	best := *m.best
	return &best, nil
}

func (m *mockChainService) Peers() []*neutrino.ServerPeer {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	peers := make([]*neutrino.ServerPeer, len(m.peers))
	copy(peers, m.peers)
	return peers
}

func (m *mockChainService) IsCurrent() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.current
}

func (m *mockChainService) SendTransaction(tx *wire.MsgTx) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sentTxs = append(m.sentTxs, tx)
	return nil
}

func (m *mockChainService) setBest(best *headerfs.BlockStamp) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.best = best
}

func (m *mockChainService) setPeers(peers ...*neutrino.ServerPeer) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.peers = peers
}

func (m *mockChainService) stallBestBlock() chan struct{} {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.blockUntil = make(chan struct{})
	return m.blockUntil
}
