// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet keeps a set of tracked output scripts, their unspent
// outputs, and the transactions that affect them synchronized with the
// blockchain through a compact-block-filter chain engine.
//
// The Wallet type is the storage facade: it owns the database and composes
// the txstore operations into atomic units.  The Syncer type is the sync
// core: it drives one synchronization round at a time over the event stream
// of a chain.Interface, matching announced transactions against the tracked
// script set and reconciling the wallet's unspent output set, including
// rollback when a block is reorganized away.
package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/neutrino/headerfs"

	"github.com/r3yc0n1c/coinswap/txstore"
)

// namespaceKey is the top level walletdb bucket holding all wallet state.
var namespaceKey = []byte("wallet")

// ErrUntrackableScript describes a script rejected by TrackScript because it
// has no address form for the chain engine to watch.
var ErrUntrackableScript = errors.New("script has no address form")

// Wallet is the storage facade over a walletdb database.  Each exported
// method runs in its own database transaction, so concurrent callers observe
// consistent state, but the reconciliation methods must still be invoked in
// event order by a single writer (the Syncer's event loop).
type Wallet struct {
	db          walletdb.DB
	store       *txstore.Store
	chainParams *chaincfg.Params
}

// Create initializes the wallet buckets inside the database and returns the
// wallet.  Creating an already created wallet is a no-op open.
func Create(db walletdb.DB, params *chaincfg.Params) (*Wallet, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(namespaceKey)
		if err != nil {
			return err
		}
		return txstore.Create(ns)
	})
	if err != nil {
		return nil, err
	}
	return Open(db, params)
}

// Open opens an existing wallet from the database.  A wallet that was never
// created fails with a txstore ErrNoExists error.
func Open(db walletdb.DB, params *chaincfg.Params) (*Wallet, error) {
	var store *txstore.Store
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		if ns == nil {
			return txstore.StoreError{
				Code: txstore.ErrNoExists,
				Desc: "wallet namespace does not exist",
			}
		}
		var err error
		store, err = txstore.Open(ns)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Wallet{db: db, store: store, chainParams: params}, nil
}

// ChainParams returns the network parameters the wallet was opened with.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.chainParams
}

// TrackScript registers an output script for relevance matching.  The script
// set is immutable for the duration of a rescan pass: scripts added while a
// Syncer round is running are picked up by the next round.
//
// The chain engine watches scripts through their address form, so a script
// without one would be accepted here and then never match a new output.
// Such scripts are rejected with ErrUntrackableScript.
func (w *Wallet) TrackScript(script []byte) error {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		script, w.chainParams,
	)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: %x", ErrUntrackableScript, script)
	}
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		var height int32
		if bs, err := w.store.SyncedTo(ns); err != nil {
			return err
		} else if bs != nil {
			height = bs.Height
		}
		return w.store.TrackScript(ns, script, height)
	})
}

// TrackAddress registers the pay-to-address script of addr for relevance
// matching.
func (w *Wallet) TrackAddress(addr btcutil.Address) error {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}
	return w.TrackScript(script)
}

// IsScriptTracked returns whether the script has been registered.
func (w *Wallet) IsScriptTracked(script []byte) (bool, error) {
	var tracked bool
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		tracked = w.store.IsScriptTracked(ns, script)
		return nil
	})
	return tracked, err
}

// TrackedScripts returns all registered output scripts.
func (w *Wallet) TrackedScripts() ([][]byte, error) {
	var scripts [][]byte
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		var err error
		scripts, err = w.store.TrackedScripts(ns)
		return err
	})
	return scripts, err
}

// Balance returns the total amount of all unspent outputs.
func (w *Wallet) Balance() (btcutil.Amount, error) {
	var balance btcutil.Amount
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		var err error
		balance, err = w.store.Balance(ns)
		return err
	})
	return balance, err
}

// UnspentOutputs returns all unspent outputs tracked by the wallet.
func (w *Wallet) UnspentOutputs() ([]*txstore.Utxo, error) {
	var unspent []*txstore.Utxo
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		var err error
		unspent, err = w.store.UnspentOutputs(ns)
		return err
	})
	return unspent, err
}

// Transactions returns the details of every stored transaction confirmed in
// the height range [begin,end], in increasing height order.  The special
// height -1 may be used as the end to indicate the last recorded block.
func (w *Wallet) Transactions(begin, end int32) ([]txstore.TxDetails, error) {
	var txs []txstore.TxDetails
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		return w.store.RangeTransactions(ns, begin, end,
			func(details []txstore.TxDetails) (bool, error) {
				txs = append(txs, details...)
				return false, nil
			})
	})
	return txs, err
}

// SyncedTo returns the block stamp the wallet state is known consistent
// with, or nil when the wallet has never been synchronized.
func (w *Wallet) SyncedTo() (*headerfs.BlockStamp, error) {
	var bs *headerfs.BlockStamp
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		var err error
		bs, err = w.store.SyncedTo(ns)
		return err
	})
	return bs, err
}

// setSyncedTo records the block stamp the wallet state is consistent with.
// Only the Syncer's event loop calls it, in event order.
func (w *Wallet) setSyncedTo(bs *headerfs.BlockStamp) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		return w.store.SetSyncedTo(ns, bs)
	})
}

// Rollback undoes every transaction record at height and above, restoring
// the unspent outputs their debits consumed, and moves the sync cursor back
// to the parent height.  The whole rollback is a single database transaction.
// The parent's hash is unknown at this point; the stamp is refreshed by the
// next block connection.
func (w *Wallet) Rollback(height int32) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		if err := w.store.Rollback(ns, height); err != nil {
			return err
		}
		bs, err := w.store.SyncedTo(ns)
		if err != nil {
			return err
		}
		if bs == nil || bs.Height < height {
			return nil
		}
		return w.store.SetSyncedTo(ns, &headerfs.BlockStamp{
			Height: height - 1,
		})
	})
}

// MatchedOutput is a transaction output paying a tracked script.
type MatchedOutput struct {
	Index    uint32
	Amount   btcutil.Amount
	PkScript []byte
}

// MatchedInput is a transaction input spending a tracked unspent output.
type MatchedInput struct {
	PrevOut wire.OutPoint
}

// TxMatch is the relevance of a single transaction to the wallet: the
// outputs that pay tracked scripts and the inputs that spend tracked unspent
// outputs, each in the transaction's own order.
type TxMatch struct {
	Outputs []MatchedOutput
	Inputs  []MatchedInput
}

// Empty reports whether the transaction touched the wallet at all.
func (m *TxMatch) Empty() bool {
	return len(m.Outputs) == 0 && len(m.Inputs) == 0
}

// filterTx determines the relevance of a transaction announced by the chain
// engine.  It performs reads only; engines may announce false positives, so
// an empty match is a normal outcome.
func (w *Wallet) filterTx(rec *wtxmgr.TxRecord) (*TxMatch, error) {
	match := new(TxMatch)
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		for i, output := range rec.MsgTx.TxOut {
			if !w.store.IsScriptTracked(ns, output.PkScript) {
				continue
			}
			match.Outputs = append(match.Outputs, MatchedOutput{
				Index:    uint32(i),
				Amount:   btcutil.Amount(output.Value),
				PkScript: output.PkScript,
			})
		}
		for _, input := range rec.MsgTx.TxIn {
			prevOut := input.PreviousOutPoint
			if !w.store.ExistsUtxo(ns, &prevOut) {
				continue
			}
			match.Inputs = append(match.Inputs, MatchedInput{
				PrevOut: prevOut,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return match, nil
}

// addRelevantTx applies a matched transaction to the wallet: the record is
// stored under its confirming block, each matched output becomes an unspent
// output, and each matched input removes the unspent output it consumed.
// The whole application is a single database transaction, so a failure
// leaves no partial mutation, and every step is idempotent so the same block
// event can be re-applied after a retry.
func (w *Wallet) addRelevantTx(rec *wtxmgr.TxRecord, match *TxMatch,
	block *wtxmgr.BlockMeta) error {

	if match.Empty() {
		return nil
	}

	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		if err := w.store.InsertTx(ns, rec, block); err != nil {
			return err
		}
		for _, output := range match.Outputs {
			err := w.store.AddCredit(ns, rec, block, output.Index)
			if err != nil {
				return err
			}
		}
		for _, input := range match.Inputs {
			err := w.store.AddDebit(ns, rec, block, &input.PrevOut)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
