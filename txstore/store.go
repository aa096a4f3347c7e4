// Copyright (c) 2015-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txstore provides the wallet side storage consumed by the compact
// block filter sync engine: the tracked output script registry, the unspent
// output set, and height-indexed transaction records carrying the credit and
// debit metadata needed to undo a block on reorganization.
//
// Every exported method operates on a walletdb namespace bucket passed by
// the caller, so multiple store mutations compose into a single database
// transaction.  Mutating operations are idempotent: re-adding a present
// unspent output, re-removing an absent one, and re-marking a recorded
// credit or debit are all safe no-ops, which lets a caller re-apply an
// entire block event after a partial failure.
package txstore

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/neutrino/headerfs"
)

// Utxo describes an unspent transaction output tracked by the store.
type Utxo struct {
	OutPoint wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte

	// Height is the height of the block that created the output.
	Height int32
}

// CreditRecord marks a transaction output as relevant to the wallet.  The
// output index refers to the transaction the record is stored under.
type CreditRecord struct {
	Index    uint32
	Amount   btcutil.Amount
	PkScript []byte
}

// DebitRecord marks a transaction input as spending a previously tracked
// unspent output.  The consumed output's amount, script and creating height
// are snapshotted so a rollback can restore it without consulting any other
// record.
type DebitRecord struct {
	PrevOut  wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte
	Height   int32
}

// TxDetails is the complete view of a stored transaction: the record itself
// together with the block height it confirmed in and the credits and debits
// reconciliation attached to it.
type TxDetails struct {
	wtxmgr.TxRecord

	Height  int32
	Credits []CreditRecord
	Debits  []DebitRecord
}

// Store implements a transaction store for storing and managing the tracked
// script set, the unspent output set, and relevant transactions.  All
// persistent state lives in the database namespace the caller provides, so
// the zero value is usable once Create has run for that namespace.
type Store struct{}

// Create creates a new persistent transaction store in the walletdb
// namespace.  Creating an already created store is a no-op.
func Create(ns walletdb.ReadWriteBucket) error {
	for _, bucket := range [][]byte{
		bucketScripts, bucketUnspent, bucketTxRecords, bucketSync,
	} {
		_, err := ns.CreateBucketIfNotExists(bucket)
		if err != nil {
			str := "failed to create store bucket"
			return storeError(ErrDatabase, str, err)
		}
	}
	return putVersion(ns, LatestVersion)
}

// Open opens the store from the passed namespace.  An ErrNoExists error is
// returned for namespaces Create has never run in.
func Open(ns walletdb.ReadBucket) (*Store, error) {
	version, err := fetchVersion(ns)
	if err != nil {
		return nil, err
	}
	if version > LatestVersion {
		str := fmt.Sprintf("unsupported store version %d", version)
		return nil, storeError(ErrData, str, nil)
	}
	return &Store{}, nil
}

// TrackScript registers an output script for wallet relevance matching,
// together with the height it became interesting at.  Registering an already
// tracked script is a no-op; the original registration height is kept.
func (s *Store) TrackScript(ns walletdb.ReadWriteBucket, script []byte,
	height int32) error {

	if len(script) == 0 {
		return storeError(ErrInput, "empty script", nil)
	}
	if existsTrackedScript(ns, script) {
		return nil
	}
	return putTrackedScript(ns, script, height)
}

// IsScriptTracked returns whether the script has been registered for
// relevance matching.
func (s *Store) IsScriptTracked(ns walletdb.ReadBucket, script []byte) bool {
	return existsTrackedScript(ns, script)
}

// TrackedScripts returns all registered output scripts.
func (s *Store) TrackedScripts(ns walletdb.ReadBucket) ([][]byte, error) {
	var scripts [][]byte
	err := ns.NestedReadBucket(bucketScripts).ForEach(func(k, v []byte) error {
		script := make([]byte, len(k))
		copy(script, k)
		scripts = append(scripts, script)
		return nil
	})
	if err != nil {
		str := "failed to iterate tracked scripts"
		return nil, storeError(ErrDatabase, str, err)
	}
	return scripts, nil
}

// AddUtxo inserts an unspent output.  Adding an outpoint that is already
// present is a no-op.
func (s *Store) AddUtxo(ns walletdb.ReadWriteBucket, op *wire.OutPoint,
	amount btcutil.Amount, pkScript []byte, height int32) error {

	k := canonicalOutPoint(&op.Hash, op.Index)
	if existsRawUnspent(ns, k) != nil {
		return nil
	}
	return putRawUnspent(ns, k, valueUnspent(amount, height, pkScript))
}

// RemoveUtxo deletes an unspent output.  Removing an absent outpoint is a
// no-op.
func (s *Store) RemoveUtxo(ns walletdb.ReadWriteBucket, op *wire.OutPoint) error {
	k := canonicalOutPoint(&op.Hash, op.Index)
	if existsRawUnspent(ns, k) == nil {
		return nil
	}
	return deleteRawUnspent(ns, k)
}

// ExistsUtxo returns whether the outpoint is currently an unspent output of
// the store.
func (s *Store) ExistsUtxo(ns walletdb.ReadBucket, op *wire.OutPoint) bool {
	return existsRawUnspent(ns, canonicalOutPoint(&op.Hash, op.Index)) != nil
}

func (s *Store) fetchUtxo(ns walletdb.ReadBucket, op *wire.OutPoint) (*Utxo, error) {
	k := canonicalOutPoint(&op.Hash, op.Index)
	v := existsRawUnspent(ns, k)
	if v == nil {
		return nil, nil
	}
	utxo := new(Utxo)
	if err := readUnspent(k, v, utxo); err != nil {
		return nil, err
	}
	return utxo, nil
}

// UnspentOutputs returns all unspent outputs currently held by the store.
func (s *Store) UnspentOutputs(ns walletdb.ReadBucket) ([]*Utxo, error) {
	var unspent []*Utxo
	err := ns.NestedReadBucket(bucketUnspent).ForEach(func(k, v []byte) error {
		utxo := new(Utxo)
		if err := readUnspent(k, v, utxo); err != nil {
			return err
		}
		unspent = append(unspent, utxo)
		return nil
	})
	if err != nil {
		if _, ok := err.(StoreError); ok {
			return nil, err
		}
		str := "failed to iterate unspent outputs"
		return nil, storeError(ErrDatabase, str, err)
	}
	return unspent, nil
}

// Balance returns the total amount of all unspent outputs.
func (s *Store) Balance(ns walletdb.ReadBucket) (btcutil.Amount, error) {
	unspent, err := s.UnspentOutputs(ns)
	if err != nil {
		return 0, err
	}
	var total btcutil.Amount
	for _, utxo := range unspent {
		total += utxo.Amount
	}
	return total, nil
}

// InsertTx records a transaction as confirmed in the block described by the
// passed block meta.  Inserting an already recorded transaction is a no-op
// that keeps any credits and debits attached to the existing record.
func (s *Store) InsertTx(ns walletdb.ReadWriteBucket, rec *wtxmgr.TxRecord,
	block *wtxmgr.BlockMeta) error {

	k := keyTxRecord(block.Height, &rec.Hash)
	if existsRawTxRecord(ns, k) != nil {
		return nil
	}
	v, err := valueTxRecord(rec, nil, nil)
	if err != nil {
		return err
	}
	return putRawTxRecord(ns, k, v)
}

func (s *Store) fetchTxDetails(ns walletdb.ReadBucket, txHash *chainhash.Hash,
	height int32) (*TxDetails, error) {

	k := keyTxRecord(height, txHash)
	v := existsRawTxRecord(ns, k)
	if v == nil {
		return nil, nil
	}
	details := new(TxDetails)
	if err := readTxRecord(k, v, details); err != nil {
		return nil, err
	}
	return details, nil
}

func (s *Store) putTxDetails(ns walletdb.ReadWriteBucket, details *TxDetails) error {
	v, err := valueTxRecord(&details.TxRecord, details.Credits, details.Debits)
	if err != nil {
		return err
	}
	return putRawTxRecord(ns, keyTxRecord(details.Height, &details.Hash), v)
}

// AddCredit marks output index of the recorded transaction as relevant and
// creates its unspent output.  The transaction must have been recorded at
// the block beforehand with InsertTx.  Marking an already marked index is a
// no-op.
func (s *Store) AddCredit(ns walletdb.ReadWriteBucket, rec *wtxmgr.TxRecord,
	block *wtxmgr.BlockMeta, index uint32) error {

	if int(index) >= len(rec.MsgTx.TxOut) {
		str := fmt.Sprintf("transaction %v has no output %d", rec.Hash,
			index)
		return storeError(ErrInput, str, nil)
	}

	details, err := s.fetchTxDetails(ns, &rec.Hash, block.Height)
	if err != nil {
		return err
	}
	if details == nil {
		str := fmt.Sprintf("no transaction record for %v at height %d",
			rec.Hash, block.Height)
		return storeError(ErrInput, str, nil)
	}
	for _, c := range details.Credits {
		if c.Index == index {
			return nil
		}
	}

	output := rec.MsgTx.TxOut[index]
	details.Credits = append(details.Credits, CreditRecord{
		Index:    index,
		Amount:   btcutil.Amount(output.Value),
		PkScript: output.PkScript,
	})
	if err := s.putTxDetails(ns, details); err != nil {
		return err
	}

	op := wire.OutPoint{Hash: rec.Hash, Index: index}
	return s.AddUtxo(ns, &op, btcutil.Amount(output.Value), output.PkScript,
		block.Height)
}

// AddDebit marks the recorded transaction as spending prevOut, snapshotting
// the consumed unspent output into the record and removing it from the
// unspent set.  Re-marking a recorded spend is a no-op.  Spending an
// outpoint that is neither unspent nor already recorded as this
// transaction's debit is an input error.
func (s *Store) AddDebit(ns walletdb.ReadWriteBucket, rec *wtxmgr.TxRecord,
	block *wtxmgr.BlockMeta, prevOut *wire.OutPoint) error {

	details, err := s.fetchTxDetails(ns, &rec.Hash, block.Height)
	if err != nil {
		return err
	}
	if details == nil {
		str := fmt.Sprintf("no transaction record for %v at height %d",
			rec.Hash, block.Height)
		return storeError(ErrInput, str, nil)
	}
	for _, d := range details.Debits {
		if d.PrevOut == *prevOut {
			return nil
		}
	}

	utxo, err := s.fetchUtxo(ns, prevOut)
	if err != nil {
		return err
	}
	if utxo == nil {
		str := fmt.Sprintf("transaction %v spends unknown outpoint %v",
			rec.Hash, prevOut)
		return storeError(ErrInput, str, nil)
	}

	details.Debits = append(details.Debits, DebitRecord{
		PrevOut:  *prevOut,
		Amount:   utxo.Amount,
		PkScript: utxo.PkScript,
		Height:   utxo.Height,
	})
	if err := s.putTxDetails(ns, details); err != nil {
		return err
	}
	return deleteRawUnspent(ns, canonicalOutPoint(&prevOut.Hash, prevOut.Index))
}

// RangeTransactions runs the function f on all transaction details between
// blocks on the best chain over the height range [begin,end].  The special
// height -1 may be used as the end to indicate the last recorded block.
// Records are grouped per height in increasing order, and iteration stops
// when f returns a true break or an error.
func (s *Store) RangeTransactions(ns walletdb.ReadBucket, begin, end int32,
	f func([]TxDetails) (bool, error)) error {

	if end < 0 {
		end = math.MaxInt32
	}
	if begin > end {
		return nil
	}

	var (
		batch       []TxDetails
		batchHeight int32 = -1
	)
	flush := func() (bool, error) {
		if len(batch) == 0 {
			return false, nil
		}
		brk, err := f(batch)
		batch = nil
		return brk, err
	}

	c := ns.NestedReadBucket(bucketTxRecords).ReadCursor()
	prefix := make([]byte, 4)
	byteOrder.PutUint32(prefix, uint32(begin))
	for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
		height, _, err := readTxRecordKey(k)
		if err != nil {
			return err
		}
		if height > end {
			break
		}
		if height != batchHeight {
			if brk, err := flush(); err != nil || brk {
				return err
			}
			batchHeight = height
		}
		var details TxDetails
		if err := readTxRecord(k, v, &details); err != nil {
			return err
		}
		batch = append(batch, details)
	}
	_, err := flush()
	return err
}

// RemoveTx deletes the record of the transaction stored at the given height
// along with any unspent outputs its credits created.  Debited outputs are
// not restored; Rollback performs the full reorganization handling.
// Removing an absent record is a no-op.
func (s *Store) RemoveTx(ns walletdb.ReadWriteBucket, txHash *chainhash.Hash,
	height int32) error {

	details, err := s.fetchTxDetails(ns, txHash, height)
	if err != nil {
		return err
	}
	if details == nil {
		return nil
	}
	for _, c := range details.Credits {
		k := canonicalOutPoint(txHash, c.Index)
		if err := deleteRawUnspent(ns, k); err != nil {
			return err
		}
	}
	return deleteRawTxRecord(ns, keyTxRecord(height, txHash))
}

// Rollback removes all transaction records at height and above, deleting
// the unspent outputs their credits created and restoring the outputs their
// debits consumed.  A debited output is not restored when its creating
// transaction is itself inside the rolled back range, since its credit is
// removed by the same call.
func (s *Store) Rollback(ns walletdb.ReadWriteBucket, height int32) error {
	var removed []TxDetails
	rolled := make(map[chainhash.Hash]struct{})

	c := ns.NestedReadBucket(bucketTxRecords).ReadCursor()
	prefix := make([]byte, 4)
	byteOrder.PutUint32(prefix, uint32(height))
	for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
		var details TxDetails
		if err := readTxRecord(k, v, &details); err != nil {
			return err
		}
		removed = append(removed, details)
		rolled[details.Hash] = struct{}{}
	}

	for i := range removed {
		details := &removed[i]
		for _, credit := range details.Credits {
			k := canonicalOutPoint(&details.Hash, credit.Index)
			if err := deleteRawUnspent(ns, k); err != nil {
				return err
			}
		}
		for _, debit := range details.Debits {
			if _, ok := rolled[debit.PrevOut.Hash]; ok {
				continue
			}
			k := canonicalOutPoint(&debit.PrevOut.Hash,
				debit.PrevOut.Index)
			v := valueUnspent(debit.Amount, debit.Height,
				debit.PkScript)
			if err := putRawUnspent(ns, k, v); err != nil {
				return err
			}
		}
		err := deleteRawTxRecord(ns, keyTxRecord(details.Height,
			&details.Hash))
		if err != nil {
			return err
		}
	}
	return nil
}

// SyncedTo returns the block stamp of the block the wallet state is known
// consistent with, or nil when no synchronization has been recorded yet.
func (s *Store) SyncedTo(ns walletdb.ReadBucket) (*headerfs.BlockStamp, error) {
	return fetchSyncedTo(ns)
}

// SetSyncedTo records the block stamp of the block the wallet state is
// consistent with.
func (s *Store) SetSyncedTo(ns walletdb.ReadWriteBucket, bs *headerfs.BlockStamp) error {
	return putSyncedTo(ns, bs)
}
