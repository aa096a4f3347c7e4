// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/neutrino/headerfs"

	"github.com/r3yc0n1c/coinswap/chain"
)

// SyncState identifies the phase a synchronization round is in.
type SyncState uint8

const (
	// StateInitializing means the round is establishing its starting
	// height from the engine tip and the stored sync cursor.
	StateInitializing SyncState = iota

	// StateScanning means the round has requested a filter rescan over
	// the tracked script set.
	StateScanning

	// StateSyncing means the round is consuming the engine's event stream
	// and reconciling the wallet.
	StateSyncing

	// StateSynced means the round observed the engine report its tip
	// processed and returned successfully.
	StateSynced

	// StateFailed means the round ended with an error.
	StateFailed
)

// String returns the state as a human-readable name.
func (s SyncState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateScanning:
		return "scanning"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown state (%d)", uint8(s))
	}
}

// SyncerOption configures optional Syncer behavior.
type SyncerOption func(*Syncer)

// WithBirthdayHeight sets the earliest height a never-synchronized wallet
// scans from.  Without it a fresh wallet starts at the engine tip.
func WithBirthdayHeight(height int32) SyncerOption {
	return func(s *Syncer) {
		s.birthday = height
	}
}

// WithFeeCacheSize bounds the number of per-height fee estimates retained.
func WithFeeCacheSize(size int) SyncerOption {
	return func(s *Syncer) {
		s.feeCacheSize = size
	}
}

// Syncer drives synchronization rounds of a wallet against a chain engine.
// A round establishes the starting height, requests a rescan over the
// wallet's tracked scripts, and consumes the engine's event stream until the
// engine reports its tip processed.  Each event is processed to completion
// before the next is pulled, so wallet mutations happen in event order
// without any locking inside the loop.
type Syncer struct {
	wallet *Wallet
	chain  chain.Interface

	birthday     int32
	feeCacheSize int

	fees       *feeEstimateCache
	broadcasts broadcastLog

	// runMtx serializes rounds: a second Run blocks until the first
	// returns.
	runMtx sync.Mutex

	mtx            sync.Mutex
	state          SyncState
	peerCount      int
	bestPeerHeight int32
}

// NewSyncer creates a synchronizer for the wallet over the given chain
// engine.
func NewSyncer(w *Wallet, c chain.Interface, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		wallet:   w,
		chain:    c,
		birthday: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fees = newFeeEstimateCache(s.feeCacheSize)
	return s
}

// State returns the phase of the current (or most recent) round.
func (s *Syncer) State() SyncState {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

func (s *Syncer) setState(state SyncState) {
	s.mtx.Lock()
	s.state = state
	s.mtx.Unlock()
	log.Debugf("Sync state: %v", state)
}

// PeerCount returns the number of peers the engine has reported connected.
func (s *Syncer) PeerCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.peerCount
}

// BestPeerHeight returns the best block height reported among connected
// peers.
func (s *Syncer) BestPeerHeight() int32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bestPeerHeight
}

// Run performs one synchronization round: it seeds the sync cursor,
// requests a rescan for the wallet's tracked scripts, and dispatches engine
// events until the engine reports its tip processed.  A nil return means the
// wallet state is consistent with the engine tip.  The context is checked
// between events, never mid-reconciliation, so cancellation cannot leave a
// transaction half-applied.  Calling Run again starts a new round, which is
// how newly tracked scripts enter the scan.
func (s *Syncer) Run(ctx context.Context) error {
	s.runMtx.Lock()
	defer s.runMtx.Unlock()

	err := s.run(ctx)
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(StateSynced)
	return nil
}

func (s *Syncer) run(ctx context.Context) error {
	s.setState(StateInitializing)
	start, err := s.initializeCursor()
	if err != nil {
		return err
	}

	s.setState(StateScanning)
	if err := s.requestRescan(start); err != nil {
		return err
	}

	s.setState(StateSyncing)
	events := s.chain.Notifications()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				return chain.ErrClientShutdown
			}
			done, err := s.dispatch(event)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// initializeCursor establishes the height the round scans from.  A wallet
// that has synchronized before keeps its stored cursor as long as it does
// not exceed the engine tip; a fresh wallet starts at the configured
// birthday, or at the tip when no birthday is set.
func (s *Syncer) initializeCursor() (*headerfs.BlockStamp, error) {
	tip, err := s.chain.BestBlock()
	if err != nil {
		return nil, fmt.Errorf("unable to query engine tip: %w", err)
	}

	stored, err := s.wallet.SyncedTo()
	if err != nil {
		return nil, err
	}

	start := tip
	switch {
	case stored != nil && stored.Height <= tip.Height:
		start = stored
	case s.birthday >= 0 && s.birthday < tip.Height:
		start = &headerfs.BlockStamp{Height: s.birthday}
	}

	if err := s.wallet.setSyncedTo(start); err != nil {
		return nil, err
	}
	log.Infof("Starting sync at height %d (engine tip %d)", start.Height,
		tip.Height)
	return start, nil
}

// requestRescan snapshots the tracked script set and the unspent outputs and
// asks the engine for filter matches from the starting height on.  The
// unspent outputs are watched by outpoint so spends are caught even for
// scripts with no address form.
func (s *Syncer) requestRescan(start *headerfs.BlockStamp) error {
	scripts, err := s.wallet.TrackedScripts()
	if err != nil {
		return err
	}
	unspent, err := s.wallet.UnspentOutputs()
	if err != nil {
		return err
	}
	watchOutPoints := make(map[wire.OutPoint][]byte, len(unspent))
	for _, utxo := range unspent {
		watchOutPoints[utxo.OutPoint] = utxo.PkScript
	}

	log.Debugf("Rescanning %d scripts and %d unspent outputs from "+
		"height %d", len(scripts), len(unspent), start.Height)
	return s.chain.Rescan(start.Height, scripts, watchOutPoints)
}

// dispatch applies a single engine event.  The variant set is closed; an
// unknown variant fails the round since it means an engine/dispatcher
// mismatch.  The returned done flag ends the round successfully.
func (s *Syncer) dispatch(event chain.Event) (bool, error) {
	switch e := event.(type) {
	case chain.Ready:
		log.Infof("Chain engine ready: header height %d, filter "+
			"height %d", e.Height, e.FilterHeight)

	case chain.PeerConnected:
		s.mtx.Lock()
		s.peerCount++
		s.mtx.Unlock()
		log.Infof("Peer connected: %v", e.Addr)

	case chain.PeerNegotiated:
		log.Debugf("Peer negotiated: %v (%v, height %d, protocol %d)",
			e.Addr, e.UserAgent, e.Height, e.ProtocolVersion)

	case chain.PeerDisconnected:
		s.mtx.Lock()
		if s.peerCount > 0 {
			s.peerCount--
		}
		s.mtx.Unlock()
		log.Infof("Peer disconnected: %v", e.Addr)

	case chain.PeerConnectionFailed:
		log.Warnf("Peer connection to %v failed: %v", e.Addr, e.Err)

	case chain.PeerHeightUpdated:
		s.mtx.Lock()
		s.bestPeerHeight = e.Height
		s.mtx.Unlock()
		log.Debugf("Best peer height now %d", e.Height)

	case chain.BlockConnected:
		meta := wtxmgr.BlockMeta(e)
		if err := s.connectBlock(&meta); err != nil {
			return false, err
		}

	case chain.BlockDisconnected:
		meta := wtxmgr.BlockMeta(e)
		log.Infof("Block %v (height %d) disconnected, rolling back",
			meta.Hash, meta.Height)
		if err := s.wallet.Rollback(meta.Height); err != nil {
			return false, err
		}
		s.fees.invalidate(meta.Height)

	case chain.BlockMatched:
		if err := s.matchBlock(&e); err != nil {
			return false, err
		}

	case chain.FeeEstimated:
		s.fees.record(e.Height, e.Estimate)
		log.Debugf("Fee estimate for height %d: median %v/kvB",
			e.Height, e.Estimate.Median)

	case chain.FilterProcessed:
		log.Tracef("Filter for block %v (height %d) processed: "+
			"matched=%v valid=%v", e.Hash, e.Height, e.Matched,
			e.Valid)

	case chain.TxStatusChanged:
		if s.broadcasts.setStatus(e.Hash, e.Status) {
			log.Infof("Broadcast transaction %v now %v", e.Hash,
				e.Status)
		} else {
			log.Debugf("Status %v for untracked transaction %v",
				e.Status, e.Hash)
		}

	case chain.Synced:
		if e.Height != e.Tip {
			log.Debugf("Sync progress: height %d of %d", e.Height,
				e.Tip)
			return false, nil
		}
		if err := s.finishRound(e.Height); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, fmt.Errorf("unhandled chain event %T", event)
	}

	return false, nil
}

// connectBlock advances the sync cursor to a newly attached block.  The
// cursor never regresses here: stale connect notifications from a replaced
// rescan are ignored.
func (s *Syncer) connectBlock(meta *wtxmgr.BlockMeta) error {
	current, err := s.wallet.SyncedTo()
	if err != nil {
		return err
	}
	if current != nil && meta.Height <= current.Height {
		return nil
	}
	log.Tracef("Block %v connected at height %d", meta.Hash, meta.Height)
	return s.wallet.setSyncedTo(&headerfs.BlockStamp{
		Height:    meta.Height,
		Hash:      meta.Hash,
		Timestamp: meta.Time,
	})
}

// matchBlock reconciles every transaction of a matched block, in the
// block's own order, then advances the cursor.  A storage failure aborts
// before the cursor passes the block, so a retried round re-applies the
// same event against the idempotent store.
func (s *Syncer) matchBlock(e *chain.BlockMatched) error {
	for _, rec := range e.RelevantTxs {
		match, err := s.wallet.filterTx(rec)
		if err != nil {
			return fmt.Errorf("unable to match transaction %v at "+
				"height %d: %w", rec.Hash, e.Block.Height, err)
		}
		if match.Empty() {
			log.Debugf("Ignoring false positive transaction %v at "+
				"height %d", rec.Hash, e.Block.Height)
			continue
		}

		err = s.wallet.addRelevantTx(rec, match, &e.Block)
		if err != nil {
			return fmt.Errorf("unable to reconcile transaction %v "+
				"at height %d: %w", rec.Hash, e.Block.Height,
				err)
		}
		log.Infof("Transaction %v at height %d: %d new outputs, %d "+
			"spent outpoints", rec.Hash, e.Block.Height,
			len(match.Outputs), len(match.Inputs))
	}

	return s.connectBlock(&e.Block)
}

// finishRound persists the cursor at the reported tip and ends the round.
// When the cursor trails the tip, the engine's tip stamp is fetched so the
// stored cursor carries the real block hash rather than a bare height.
func (s *Syncer) finishRound(height int32) error {
	current, err := s.wallet.SyncedTo()
	if err != nil {
		return err
	}
	if current == nil || current.Height < height {
		stamp := &headerfs.BlockStamp{Height: height}
		tip, err := s.chain.BestBlock()
		switch {
		case err != nil:
			log.Debugf("Unable to stamp sync cursor with tip "+
				"hash: %v", err)
		case tip.Height == height:
			stamp = tip
		}
		if err := s.wallet.setSyncedTo(stamp); err != nil {
			return err
		}
	}
	log.Infof("Wallet synchronized to height %d", height)
	return nil
}
