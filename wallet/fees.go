// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/r3yc0n1c/coinswap/chain"
)

// defaultFeeCacheSize is the number of per-height fee estimates retained
// when the Syncer is not configured with its own size.
const defaultFeeCacheSize = 1008

// feeCacheEntry wraps a fee estimate for storage in the LRU cache.
type feeCacheEntry struct {
	estimate chain.FeeEstimate
}

// Size returns the "size" of an entry.  Every estimate counts as one so the
// cache capacity bounds the number of retained heights.
func (e *feeCacheEntry) Size() (uint64, error) {
	return 1, nil
}

// feeEstimateCache accumulates the per-height fee estimates reported by the
// chain engine.  The event loop is the only writer; the mutex exists because
// hosts query estimates from their own goroutines.
type feeEstimateCache struct {
	mtx sync.RWMutex

	estimates    *lru.Cache[int32, *feeCacheEntry]
	latestHeight int32
	latest       fn.Option[chain.FeeEstimate]
}

func newFeeEstimateCache(size int) *feeEstimateCache {
	if size <= 0 {
		size = defaultFeeCacheSize
	}
	return &feeEstimateCache{
		estimates: lru.NewCache[int32, *feeCacheEntry](uint64(size)),
		latest:    fn.None[chain.FeeEstimate](),
	}
}

// record inserts the estimate for a height, replacing any previous estimate
// for the same height.
func (c *feeEstimateCache) record(height int32, estimate chain.FeeEstimate) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	_, _ = c.estimates.Put(height, &feeCacheEntry{estimate: estimate})
	if height >= c.latestHeight {
		c.latestHeight = height
		c.latest = fn.Some(estimate)
	}
}

// estimate returns the estimate recorded for the height, if any.
func (c *feeEstimateCache) estimate(height int32) fn.Option[chain.FeeEstimate] {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	entry, err := c.estimates.Get(height)
	if err != nil {
		return fn.None[chain.FeeEstimate]()
	}
	return fn.Some(entry.estimate)
}

// invalidate drops the estimate recorded for a disconnected height.  When
// the dropped height was the latest one, the parent height's estimate takes
// over as latest.
func (c *feeEstimateCache) invalidate(height int32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.estimates.Delete(height)
	if height != c.latestHeight {
		return
	}
	c.latestHeight = height - 1
	if entry, err := c.estimates.Get(height - 1); err == nil {
		c.latest = fn.Some(entry.estimate)
	} else {
		c.latest = fn.None[chain.FeeEstimate]()
	}
}

// latestEstimate returns the estimate of the highest recorded height.
func (c *feeEstimateCache) latestEstimate() fn.Option[chain.FeeEstimate] {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.latest
}

// FeeEstimate returns the fee estimate the engine reported for the given
// block height, if one was reported and has not been invalidated by a
// reorganization.
func (s *Syncer) FeeEstimate(height int32) fn.Option[chain.FeeEstimate] {
	return s.fees.estimate(height)
}

// LatestFeeEstimate returns the fee estimate of the highest block height
// observed so far.
func (s *Syncer) LatestFeeEstimate() fn.Option[chain.FeeEstimate] {
	return s.fees.latestEstimate()
}

// RecommendedFeeRate returns the median feerate of the latest estimate,
// floored at the default minimum relay fee.  Wallets with no estimate yet
// get the relay fee floor.
func (s *Syncer) RecommendedFeeRate() btcutil.Amount {
	rate := s.fees.latestEstimate().
		UnwrapOr(chain.FeeEstimate{}).Median
	if rate < txrules.DefaultRelayFeePerKb {
		return txrules.DefaultRelayFeePerKb
	}
	return rate
}

// BroadcastRecord is one entry of the wallet's broadcast log: a transaction
// the wallet itself has published, retained for status tracking.
type BroadcastRecord struct {
	Tx     *wire.MsgTx
	Hash   chainhash.Hash
	Time   time.Time
	Status chain.TxStatus
}

// broadcastLog is the ordered sequence of published transactions.  Appends
// come from PublishTransaction, status updates from the event loop.
type broadcastLog struct {
	mtx     sync.Mutex
	records []*BroadcastRecord
}

func (l *broadcastLog) append(tx *wire.MsgTx, hash chainhash.Hash) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.records = append(l.records, &BroadcastRecord{
		Tx:     tx,
		Hash:   hash,
		Time:   time.Now(),
		Status: chain.TxStatusUnconfirmed,
	})
}

// setStatus updates the status of a logged transaction and reports whether
// the hash was found in the log.
func (l *broadcastLog) setStatus(hash chainhash.Hash, status chain.TxStatus) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	for _, rec := range l.records {
		if rec.Hash == hash {
			rec.Status = status
			return true
		}
	}
	return false
}

// snapshot returns a copy of the log in broadcast order.
func (l *broadcastLog) snapshot() []BroadcastRecord {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	records := make([]BroadcastRecord, len(l.records))
	for i, rec := range l.records {
		records[i] = *rec
	}
	return records
}

// PublishTransaction broadcasts the transaction through the chain engine and
// appends it to the broadcast log.  Later TxStatusChanged events update the
// logged status.
func (s *Syncer) PublishTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash, err := s.chain.SendRawTransaction(tx)
	if err != nil {
		return nil, err
	}
	s.broadcasts.append(tx, *hash)
	log.Infof("Published transaction %v", hash)
	return hash, nil
}

// BroadcastedTransactions returns the wallet's broadcast log in publish
// order, with each record carrying the last status reported by the engine.
func (s *Syncer) BroadcastedTransactions() []BroadcastRecord {
	return s.broadcasts.snapshot()
}
