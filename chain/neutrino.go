package chain

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/headerfs"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultQueryTimeout is the time a tip query is given to complete
	// before the client reports ErrQueryTimeout.
	defaultQueryTimeout = 60 * time.Second

	// defaultPollInterval is the wall-clock pace of the peer telemetry
	// poll when the caller does not supply a ticker.
	defaultPollInterval = 10 * time.Second
)

// NeutrinoChainService is the subset of a *neutrino.ChainService consumed by
// the NeutrinoClient.  The real chain service always satisfies it; tests
// substitute their own implementation.
type NeutrinoChainService interface {
	Start() error
	Stop() error
	BestBlock() (*headerfs.BlockStamp, error)
	Peers() []*neutrino.ServerPeer
	IsCurrent() bool
	SendTransaction(tx *wire.MsgTx) error
}

var _ NeutrinoChainService = (*neutrino.ChainService)(nil)

// filterHeaderTip abstracts the filter header store's chain tip lookup.
type filterHeaderTip interface {
	ChainTip() (*chainhash.Hash, uint32, error)
}

var _ filterHeaderTip = (*headerfs.FilterHeaderStore)(nil)

// NeutrinoClientConfig houses the dependencies and tunables of a
// NeutrinoClient.
type NeutrinoClientConfig struct {
	// ChainParams identifies the network the chain service operates on.
	ChainParams *chaincfg.Params

	// ChainService is the backing compact-block-filter engine.
	ChainService *neutrino.ChainService

	// QueryTimeout bounds tip queries through the client.  Zero selects
	// the 60 second default.
	QueryTimeout time.Duration

	// PollTicker paces the peer telemetry poll.  Nil selects a wall-clock
	// ticker at the default interval.
	PollTicker ticker.Ticker
}

// NeutrinoClient is an implementation of the chain.Interface contract backed
// by a neutrino chain service.
type NeutrinoClient struct {
	// CS is the chain service the client queries and rescans through.
	CS NeutrinoChainService

	chainParams *chaincfg.Params

	// We currently support one rescan/notification goroutine per client.
	rescan rescanner

	// newRescan constructs the rescan on demand so tests can substitute
	// their own rescanner.
	newRescan newRescanFunc

	filterHeaders filterHeaderTip

	queryTimeout time.Duration
	pollTicker   ticker.Ticker

	enqueueNotification     chan Event
	dequeueNotification     chan Event
	lastFilteredBlockHeader *wire.BlockHeader

	quit       chan struct{}
	rescanQuit chan struct{}
	rescanErr  <-chan error
	wg         sync.WaitGroup
	started    bool
	scanning   bool
	finished   bool

	clientMtx sync.Mutex
}

// A compile-time check to ensure the client satisfies the engine contract.
var _ Interface = (*NeutrinoClient)(nil)

// NewNeutrinoClient creates a new NeutrinoClient from its config.
func NewNeutrinoClient(cfg *NeutrinoClientConfig) *NeutrinoClient {
	queryTimeout := cfg.QueryTimeout
	if queryTimeout == 0 {
		queryTimeout = defaultQueryTimeout
	}
	pollTicker := cfg.PollTicker
	if pollTicker == nil {
		pollTicker = ticker.New(defaultPollInterval)
	}

	client := &NeutrinoClient{
		CS:           cfg.ChainService,
		chainParams:  cfg.ChainParams,
		queryTimeout: queryTimeout,
		pollTicker:   pollTicker,
	}
	if cfg.ChainService != nil {
		client.filterHeaders = cfg.ChainService.RegFilterHeaders
	}
	client.newRescan = func(ro ...neutrino.RescanOption) rescanner {
		return neutrino.NewRescan(&neutrino.RescanChainSource{
			ChainService: cfg.ChainService,
		}, ro...)
	}
	return client
}

// BackEnd returns the name of the driver.
func (s *NeutrinoClient) BackEnd() string {
	return "neutrino"
}

// Start replicates the RPC client's Start method.  Callers restarting a
// stopped client must wait for the previous run to wind down with
// WaitForShutdown first.
func (s *NeutrinoClient) Start() error {
	if err := s.CS.Start(); err != nil {
		return fmt.Errorf("error starting chain service: %w", err)
	}

	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	if !s.started {
		s.enqueueNotification = make(chan Event)
		s.dequeueNotification = make(chan Event)
		s.quit = make(chan struct{})
		s.lastFilteredBlockHeader = nil
		s.started = true

		s.wg.Add(3)
		go s.notificationHandler()
		go s.peerPoller()
		go func() {
			defer s.wg.Done()
			s.notifyReady()
		}()
		s.pollTicker.Resume()
	}
	return nil
}

// Stop replicates the RPC client's Stop method.
func (s *NeutrinoClient) Stop() {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	if !s.started {
		return
	}
	close(s.quit)
	if s.scanning {
		close(s.rescanQuit)
		s.scanning = false
	}
	s.pollTicker.Pause()
	s.started = false
}

// WaitForShutdown replicates the RPC client's WaitForShutdown method.
func (s *NeutrinoClient) WaitForShutdown() {
	s.wg.Wait()
}

// BestBlock returns the chain service's view of the chain tip.  The query is
// bounded by the client's query timeout so that a wedged backend surfaces as
// ErrQueryTimeout instead of blocking the caller forever.
func (s *NeutrinoClient) BestBlock() (*headerfs.BlockStamp, error) {
	s.clientMtx.Lock()
	if !s.started {
		s.clientMtx.Unlock()
		return nil, ErrNotStarted
	}
	quit := s.quit
	s.clientMtx.Unlock()

	type bestBlockResult struct {
		stamp *headerfs.BlockStamp
		err   error
	}
	resultChan := make(chan bestBlockResult, 1)
	go func() {
		stamp, err := s.CS.BestBlock()
		resultChan <- bestBlockResult{stamp: stamp, err: err}
	}()

	select {
	case result := <-resultChan:
		return result.stamp, result.err
	case <-time.After(s.queryTimeout):
		return nil, ErrQueryTimeout
	case <-quit:
		return nil, ErrClientShutdown
	}
}

// SendRawTransaction replicates the RPC client's SendRawTransaction command.
// A successful broadcast is reported back through the notification channel
// as an acknowledged status change.
func (s *NeutrinoClient) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash,
	error) {

	if err := s.CS.SendTransaction(tx); err != nil {
		return nil, err
	}
	hash := tx.TxHash()

	s.clientMtx.Lock()
	started := s.started
	s.clientMtx.Unlock()
	if started {
		s.enqueue(TxStatusChanged{
			Hash:   hash,
			Status: TxStatusAcknowledged,
		})
	}
	return &hash, nil
}

// Rescan replicates the RPC client's Rescan command.  The watched scripts
// are registered through their address form where one exists; the unspent
// outputs are watched directly so spends are caught even for scripts with no
// address encoding.
func (s *NeutrinoClient) Rescan(startHeight int32, scripts [][]byte,
	unspent map[wire.OutPoint][]byte) error {

	s.clientMtx.Lock()
	if !s.started {
		s.clientMtx.Unlock()
		return ErrNotStarted
	}
	if s.scanning {
		// Restart the rescan by killing the existing rescan.  The
		// scanning flag is lowered before the mutex is released so a
		// concurrent Stop does not close the quit channel a second
		// time while the old rescan drains.
		close(s.rescanQuit)
		s.scanning = false
		rescan := s.rescan
		s.clientMtx.Unlock()
		rescan.WaitForShutdown()
		s.clientMtx.Lock()
		if !s.started {
			s.clientMtx.Unlock()
			return ErrNotStarted
		}
	}
	rescanQuit := make(chan struct{})
	s.rescanQuit = rescanQuit
	s.scanning = true
	s.finished = false
	s.lastFilteredBlockHeader = nil
	quit := s.quit
	enqueue := s.enqueueNotification
	s.clientMtx.Unlock()

	watchAddrs := make([]btcutil.Address, 0, len(scripts))
	for _, pkScript := range scripts {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			pkScript, s.chainParams,
		)
		if err != nil || len(addrs) == 0 {
			log.Warnf("Watched script %x has no address form, "+
				"matching spends by outpoint only", pkScript)
			continue
		}
		watchAddrs = append(watchAddrs, addrs...)
	}
	watchInputs := make([]neutrino.InputWithScript, 0, len(unspent))
	for op, pkScript := range unspent {
		watchInputs = append(watchInputs, neutrino.InputWithScript{
			OutPoint: op,
			PkScript: pkScript,
		})
	}

	// The tip query and the caught-up fast path below run without the
	// client mutex held so notification dispatch keeps draining while
	// they block.
	bestBlock, err := s.CS.BestBlock()
	if err != nil {
		s.clientMtx.Lock()
		if s.rescanQuit == rescanQuit {
			s.scanning = false
		}
		s.clientMtx.Unlock()
		return fmt.Errorf("can't get chain service's best block: %w",
			err)
	}

	// If the wallet is already fully caught up we'll send a notification
	// indicating the sync has finished.  The rescan is still started so
	// future blocks keep flowing.
	if bestBlock.Height <= startHeight {
		s.clientMtx.Lock()
		s.finished = true
		s.clientMtx.Unlock()
		select {
		case enqueue <- Synced{
			Height: bestBlock.Height,
			Tip:    bestBlock.Height,
		}:
		case <-quit:
			return nil
		case <-rescanQuit:
			return nil
		}
	}

	rescan := s.newRescan(
		neutrino.NotificationHandlers(rpcclient.NotificationHandlers{
			OnBlockConnected:         s.onBlockConnected,
			OnFilteredBlockConnected: s.onFilteredBlockConnected,
			OnBlockDisconnected:      s.onBlockDisconnected,
		}),
		neutrino.StartBlock(&headerfs.BlockStamp{Height: startHeight}),
		neutrino.QuitChan(rescanQuit),
		neutrino.WatchAddrs(watchAddrs...),
		neutrino.WatchInputs(watchInputs...),
	)
	errChan := rescan.Start()

	s.clientMtx.Lock()
	s.rescan = rescan
	s.rescanErr = errChan
	s.clientMtx.Unlock()

	return nil
}

// Notifications replicates the RPC client's Notifications method.
func (s *NeutrinoClient) Notifications() <-chan Event {
	return s.dequeueNotification
}

// notifyReady queries the header stores and relays the engine handshake
// report carrying the block header and filter header tips.
func (s *NeutrinoClient) notifyReady() {
	bestBlock, err := s.CS.BestBlock()
	if err != nil {
		log.Errorf("Failed to get best block from chain service: %v",
			err)
		s.Stop()
		return
	}
	filterHeight := bestBlock.Height
	if s.filterHeaders != nil {
		if _, tip, err := s.filterHeaders.ChainTip(); err == nil {
			filterHeight = int32(tip)
		}
	}
	s.enqueue(Ready{
		Height:       bestBlock.Height,
		FilterHeight: filterHeight,
	})
}

// enqueue relays an event into the notification queue unless the client is
// shutting down.
func (s *NeutrinoClient) enqueue(e Event) {
	select {
	case s.enqueueNotification <- e:
	case <-s.quit:
	}
}

// peerPoller periodically diffs the chain service's peer set and relays
// connectivity telemetry through the notification queue.
func (s *NeutrinoClient) peerPoller() {
	defer s.wg.Done()

	known := make(map[string]int32)
	var bestHeight int32
	for {
		select {
		case <-s.pollTicker.Ticks():
			s.pollPeers(known, &bestHeight)
			s.pollSynced()
		case <-s.quit:
			return
		}
	}
}

// pollPeers compares the current peer set against the previous poll and
// relays the difference as peer events.
func (s *NeutrinoClient) pollPeers(known map[string]int32,
	bestHeight *int32) {

	peers := s.CS.Peers()
	current := make(map[string]int32, len(peers))
	for _, p := range peers {
		addr := p.Addr()
		height := p.LastBlock()
		current[addr] = height
		if _, ok := known[addr]; ok {
			continue
		}

		// Peers surface from the chain service only after their
		// version handshake, so a newly seen address is both
		// connected and negotiated.
		s.enqueue(PeerConnected{Addr: addr})
		s.enqueue(PeerNegotiated{
			Addr:            addr,
			Services:        p.Services(),
			Height:          height,
			UserAgent:       p.UserAgent(),
			ProtocolVersion: p.ProtocolVersion(),
		})
	}

	for addr := range known {
		if _, ok := current[addr]; !ok {
			s.enqueue(PeerDisconnected{Addr: addr})
		}
		delete(known, addr)
	}
	for addr, height := range current {
		known[addr] = height
	}

	var newBest int32
	for _, height := range current {
		if height > newBest {
			newBest = height
		}
	}
	if newBest > *bestHeight {
		*bestHeight = newBest
		s.enqueue(PeerHeightUpdated{Height: newBest})
	}
}

// pollSynced emits the one-shot sync completion report in case the filtered
// block callbacks reached the tip before the chain service considered itself
// current.
func (s *NeutrinoClient) pollSynced() {
	s.clientMtx.Lock()
	header := s.lastFilteredBlockHeader
	scanning := s.scanning
	finished := s.finished
	s.clientMtx.Unlock()
	if !scanning || finished || header == nil {
		return
	}
	if !s.CS.IsCurrent() {
		return
	}

	bestBlock, err := s.CS.BestBlock()
	if err != nil {
		log.Errorf("Can't get chain service's best block: %v", err)
		return
	}
	if bestBlock.Hash != header.BlockHash() {
		return
	}

	// Only send the sync completion report once per catch-up.
	s.clientMtx.Lock()
	if s.finished {
		s.clientMtx.Unlock()
		return
	}
	s.finished = true
	s.clientMtx.Unlock()

	s.enqueue(Synced{
		Height: bestBlock.Height,
		Tip:    bestBlock.Height,
	})
}

// onFilteredBlockConnected sends appropriate notifications to the
// notification channel.
func (s *NeutrinoClient) onFilteredBlockConnected(height int32,
	header *wire.BlockHeader, relevantTxs []*btcutil.Tx) {

	blockMeta := wtxmgr.BlockMeta{
		Block: wtxmgr.Block{
			Hash:   header.BlockHash(),
			Height: height,
		},
		Time: header.Timestamp,
	}

	s.clientMtx.Lock()
	s.lastFilteredBlockHeader = header
	s.clientMtx.Unlock()

	// Filter telemetry goes out first.  The delivered filter has already
	// been verified against the filter header chain.
	select {
	case s.enqueueNotification <- FilterProcessed{
		Height:  height,
		Hash:    blockMeta.Hash,
		Matched: len(relevantTxs) != 0,
		Valid:   true,
	}:
	case <-s.quit:
		return
	case <-s.rescanQuit:
		return
	}

	if len(relevantTxs) != 0 {
		ntfn := BlockMatched{Block: blockMeta}
		for _, tx := range relevantTxs {
			rec, err := wtxmgr.NewTxRecordFromMsgTx(
				tx.MsgTx(), header.Timestamp,
			)
			if err != nil {
				log.Errorf("Cannot create transaction record "+
					"for relevant tx: %v", err)
				continue
			}
			ntfn.RelevantTxs = append(ntfn.RelevantTxs, rec)
		}
		log.Tracef("Block %d matched %d transactions: %v", height,
			len(ntfn.RelevantTxs), NewLogClosure(func() string {
				return spew.Sdump(ntfn.RelevantTxs)
			}))
		select {
		case s.enqueueNotification <- ntfn:
		case <-s.quit:
			return
		case <-s.rescanQuit:
			return
		}
	}

	bestBlock, err := s.CS.BestBlock()
	if err != nil {
		log.Errorf("Can't get chain service's best block: %v", err)
		return
	}
	if bestBlock.Hash != header.BlockHash() {
		return
	}

	// Only send the sync completion report once per catch-up.
	s.clientMtx.Lock()
	if s.finished {
		s.clientMtx.Unlock()
		return
	}
	s.finished = true
	s.clientMtx.Unlock()

	select {
	case s.enqueueNotification <- Synced{
		Height: bestBlock.Height,
		Tip:    bestBlock.Height,
	}:
	case <-s.quit:
	case <-s.rescanQuit:
	}
}

// onBlockConnected sends appropriate notifications to the notification
// channel.
func (s *NeutrinoClient) onBlockConnected(hash *chainhash.Hash, height int32,
	t time.Time) {

	select {
	case s.enqueueNotification <- BlockConnected{
		Block: wtxmgr.Block{
			Hash:   *hash,
			Height: height,
		},
		Time: t,
	}:
	case <-s.quit:
	case <-s.rescanQuit:
	}
}

// onBlockDisconnected sends appropriate notifications to the notification
// channel.
func (s *NeutrinoClient) onBlockDisconnected(hash *chainhash.Hash,
	height int32, t time.Time) {

	select {
	case s.enqueueNotification <- BlockDisconnected{
		Block: wtxmgr.Block{
			Hash:   *hash,
			Height: height,
		},
		Time: t,
	}:
	case <-s.quit:
	case <-s.rescanQuit:
	}
}

// getRescanErr returns the current rescan's error channel under the client
// mutex, since Rescan replaces it while the notification handler reads it.
func (s *NeutrinoClient) getRescanErr() <-chan error {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	return s.rescanErr
}

// notificationHandler queues and dequeues notifications.  There are currently
// no bounds on the queue, so the dequeue channel should be read continually
// to avoid running out of memory.
func (s *NeutrinoClient) notificationHandler() {
	// TODO: Rather than leaving this as an unbounded queue for all types
	// of notifications, try dropping ones where a later enqueued
	// notification can fully invalidate one waiting to be processed.  For
	// example, blockconnected notifications for greater block heights can
	// remove the need to process earlier blockconnected notifications
	// still waiting here.

	var notifications []Event
	enqueue := s.enqueueNotification
	var dequeue chan Event
	var next Event
out:
	for {
		select {
		case n, ok := <-enqueue:
			if !ok {
				// If no notifications are queued for handling,
				// the queue is finished.
				if len(notifications) == 0 {
					break out
				}
				// nil channel so no more reads can occur.
				enqueue = nil
				continue
			}
			if len(notifications) == 0 {
				next = n
				dequeue = s.dequeueNotification
			}
			notifications = append(notifications, n)

		case dequeue <- next:
			notifications[0] = nil
			notifications = notifications[1:]
			if len(notifications) != 0 {
				next = notifications[0]
			} else {
				// If no more notifications can be enqueued,
				// the queue is finished.
				if enqueue == nil {
					break out
				}
				dequeue = nil
			}

		case err := <-s.getRescanErr():
			if err != nil {
				log.Errorf("Neutrino rescan ended with "+
					"error: %v", err)
			}

		case <-s.quit:
			break out
		}
	}

	s.Stop()
	close(s.dequeueNotification)
	s.wg.Done()
}
