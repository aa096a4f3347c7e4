package chain

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/neutrino/headerfs"
)

// Interface allows more than one backing chain engine, such as the neutrino
// compact-block-filter client, as long as we write a driver for it.  The
// wallet's sync loop only ever talks to an engine through this contract.
type Interface interface {
	// Start launches the engine.  A returned error means the engine is
	// unusable; peer connectivity beyond that is best effort and reported
	// through the notification channel.
	Start() error

	// Stop begins a shutdown of the engine.  The notification channel is
	// closed once all dispatch goroutines have drained.
	Stop()

	// WaitForShutdown blocks until every goroutine owned by the client
	// has exited.
	WaitForShutdown()

	// BestBlock returns the engine's current chain tip.  The call is
	// bounded by the client's query timeout: expiry returns
	// ErrQueryTimeout and client teardown returns ErrClientShutdown.
	BestBlock() (*headerfs.BlockStamp, error)

	// Rescan requests BlockMatched notifications at and after the given
	// height for blocks relevant to the watched scripts or to spends of
	// the given unspent outputs (keyed by outpoint, valued by the output
	// script).  Calling it again replaces the previous rescan.
	Rescan(startHeight int32, scripts [][]byte,
		unspent map[wire.OutPoint][]byte) error

	// SendRawTransaction broadcasts the transaction through the engine's
	// peers and returns its hash.
	SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error)

	// Notifications returns the ordered event stream.  The channel is
	// closed on shutdown, which consumers treat as ErrClientShutdown.
	Notifications() <-chan Event

	// BackEnd returns the name of the driver.
	BackEnd() string
}

// Event is a notification delivered by a chain engine.  The variant set is
// closed: dispatch sites switch over it exhaustively and treat an unknown
// variant as a programming error.
type Event interface {
	// isEvent restricts implementations to this package.
	isEvent()
}

// TxStatus describes the engine's view of a transaction the wallet has
// submitted or is tracking.
type TxStatus uint8

const (
	// TxStatusUnconfirmed marks a transaction seen by the network but not
	// yet mined.
	TxStatusUnconfirmed TxStatus = iota

	// TxStatusAcknowledged marks a transaction accepted for relay by the
	// engine's peers.
	TxStatusAcknowledged

	// TxStatusConfirmed marks a transaction included in a block on the
	// best chain.
	TxStatusConfirmed

	// TxStatusReverted marks a previously confirmed transaction whose
	// block was reorganized away.
	TxStatusReverted

	// TxStatusStale marks a transaction the network has dropped.
	TxStatusStale
)

// String returns the status as a human-readable name.
func (s TxStatus) String() string {
	switch s {
	case TxStatusUnconfirmed:
		return "unconfirmed"
	case TxStatusAcknowledged:
		return "acknowledged"
	case TxStatusConfirmed:
		return "confirmed"
	case TxStatusReverted:
		return "reverted"
	case TxStatusStale:
		return "stale"
	default:
		return "unknown"
	}
}

// FeeEstimate groups the feerates observed for a single block, expressed in
// satoshis per kilo-vbyte.
type FeeEstimate struct {
	Low    btcutil.Amount
	Median btcutil.Amount
	High   btcutil.Amount
}

// Notification types.  These are defined here and processed from reading a
// notification channel rather than handled directly in engine callbacks,
// which isn't very Go-like and doesn't allow blocking client calls.
type (
	// Ready is delivered once the engine handshake completes, carrying
	// the block header and filter header tips known at that point.
	Ready struct {
		Height       int32
		FilterHeight int32
	}

	// PeerConnected reports a new peer connection.
	PeerConnected struct {
		Addr string
	}

	// PeerNegotiated reports a completed version handshake with a peer.
	PeerNegotiated struct {
		Addr            string
		Services        wire.ServiceFlag
		Height          int32
		UserAgent       string
		ProtocolVersion uint32
	}

	// PeerDisconnected reports a lost peer connection.
	PeerDisconnected struct {
		Addr string
	}

	// PeerConnectionFailed reports a failed attempt to establish a peer
	// connection.  Not every engine can observe dial failures; the
	// variant exists for those that can.
	PeerConnectionFailed struct {
		Addr string
		Err  error
	}

	// PeerHeightUpdated reports a new best height among connected peers.
	PeerHeightUpdated struct {
		Height int32
	}

	// BlockConnected is a notification for a newly-attached block to the
	// best chain.
	BlockConnected wtxmgr.BlockMeta

	// BlockDisconnected is a notification that the described block was
	// reorganized out of the best chain.
	BlockDisconnected wtxmgr.BlockMeta

	// BlockMatched reports a block whose filter matched the watched set,
	// together with the transactions the engine considers relevant.
	// Consumers re-check relevance themselves; the engine's match may
	// include false positives.
	BlockMatched struct {
		Block       wtxmgr.BlockMeta
		RelevantTxs []*wtxmgr.TxRecord
	}

	// FilterProcessed reports that the compact filter for a block has
	// been fetched and checked against the watched set.
	FilterProcessed struct {
		Height  int32
		Hash    chainhash.Hash
		Matched bool
		Valid   bool
	}

	// FeeEstimated reports a feerate estimate derived from a block.  Not
	// every engine computes estimates; the variant exists for those that
	// do.
	FeeEstimated struct {
		Height   int32
		Estimate FeeEstimate
	}

	// TxStatusChanged reports a transaction status transition observed
	// by the engine.
	TxStatusChanged struct {
		Hash   chainhash.Hash
		Status TxStatus
	}

	// Synced reports sync progress.  Height equal to Tip means the
	// engine has processed every block it knows about.
	Synced struct {
		Height int32
		Tip    int32
	}
)

func (Ready) isEvent()                {}
func (PeerConnected) isEvent()        {}
func (PeerNegotiated) isEvent()       {}
func (PeerDisconnected) isEvent()     {}
func (PeerConnectionFailed) isEvent() {}
func (PeerHeightUpdated) isEvent()    {}
func (BlockConnected) isEvent()       {}
func (BlockDisconnected) isEvent()    {}
func (BlockMatched) isEvent()         {}
func (FilterProcessed) isEvent()      {}
func (FeeEstimated) isEvent()         {}
func (TxStatusChanged) isEvent()      {}
func (Synced) isEvent()               {}
