// Copyright (c) 2015-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/neutrino/headerfs"
	"github.com/lightningnetwork/lnd/tlv"
)

// Naming
//
// The following variables are commonly used in this file and given
// reserved names:
//
//   ns: The namespace bucket for this package
//   k:  A single bucket key
//   v:  A single bucket value
//   c:  A bucket cursor
//
// Functions use the naming scheme `Op[Raw]Type[Field]`, which performs the
// operation `Op` on the type `Type`, optionally dealing with raw keys and
// values if `Raw` is used.  Fetch and extract operations may only need to
// read some portion of a key or value, in which case `Field` describes the
// component being returned.

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

// Bucket names and root keys.  All buckets are nested under the namespace
// bucket passed to each store method.
var (
	bucketScripts   = []byte("scripts")
	bucketUnspent   = []byte("unspent")
	bucketTxRecords = []byte("txrecords")
	bucketSync      = []byte("sync")

	rootVersion = []byte("vers")
	keySyncedTo = []byte("syncedto")
)

// LatestVersion is the most recent store version.
const LatestVersion = 1

// Transaction record values are a single TLV stream.  Record types below
// identify the fields of the stream.
const (
	typeTxRecordTx       tlv.Type = 1
	typeTxRecordReceived tlv.Type = 2
	typeTxRecordCredits  tlv.Type = 3
	typeTxRecordDebits   tlv.Type = 4
)

func putVersion(ns walletdb.ReadWriteBucket, version uint32) error {
	v := make([]byte, 4)
	byteOrder.PutUint32(v, version)
	err := ns.Put(rootVersion, v)
	if err != nil {
		str := "failed to store database version"
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func fetchVersion(ns walletdb.ReadBucket) (uint32, error) {
	v := ns.Get(rootVersion)
	if len(v) != 4 {
		str := "missing or malformed database version"
		return 0, storeError(ErrNoExists, str, nil)
	}
	return byteOrder.Uint32(v), nil
}

// canonicalOutPoint constructs the canonical 36 byte serialization of an
// outpoint, used as the key of the unspent bucket.
func canonicalOutPoint(txHash *chainhash.Hash, index uint32) []byte {
	k := make([]byte, 36)
	copy(k, txHash[:])
	byteOrder.PutUint32(k[32:36], index)
	return k
}

func readCanonicalOutPoint(k []byte, op *wire.OutPoint) error {
	if len(k) < 36 {
		str := "short canonical outpoint"
		return storeError(ErrData, str, nil)
	}
	copy(op.Hash[:], k)
	op.Index = byteOrder.Uint32(k[32:36])
	return nil
}

// keyTxRecord returns the transaction record key, a 4 byte big endian block
// height followed by the transaction hash.  Height-first keys give cursor
// scans height ordering.
func keyTxRecord(height int32, txHash *chainhash.Hash) []byte {
	k := make([]byte, 36)
	byteOrder.PutUint32(k[0:4], uint32(height))
	copy(k[4:36], txHash[:])
	return k
}

func readTxRecordKey(k []byte) (int32, *chainhash.Hash, error) {
	if len(k) < 36 {
		str := "short transaction record key"
		return 0, nil, storeError(ErrData, str, nil)
	}
	height := int32(byteOrder.Uint32(k[0:4]))
	hash := new(chainhash.Hash)
	copy(hash[:], k[4:36])
	return height, hash, nil
}

// Tracked script values hold the 4 byte registration height.

func putTrackedScript(ns walletdb.ReadWriteBucket, script []byte, height int32) error {
	v := make([]byte, 4)
	byteOrder.PutUint32(v, uint32(height))
	err := ns.NestedReadWriteBucket(bucketScripts).Put(script, v)
	if err != nil {
		str := "failed to store tracked script"
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func existsTrackedScript(ns walletdb.ReadBucket, script []byte) bool {
	return ns.NestedReadBucket(bucketScripts).Get(script) != nil
}

// Unspent output values hold the 8 byte amount, the 4 byte height of the
// crediting block, and the output script.

func valueUnspent(amount btcutil.Amount, height int32, pkScript []byte) []byte {
	v := make([]byte, 12+len(pkScript))
	byteOrder.PutUint64(v[0:8], uint64(amount))
	byteOrder.PutUint32(v[8:12], uint32(height))
	copy(v[12:], pkScript)
	return v
}

func readUnspent(k, v []byte, utxo *Utxo) error {
	if err := readCanonicalOutPoint(k, &utxo.OutPoint); err != nil {
		return err
	}
	if len(v) < 12 {
		str := "short unspent output value"
		return storeError(ErrData, str, nil)
	}
	utxo.Amount = btcutil.Amount(byteOrder.Uint64(v[0:8]))
	utxo.Height = int32(byteOrder.Uint32(v[8:12]))
	utxo.PkScript = make([]byte, len(v)-12)
	copy(utxo.PkScript, v[12:])
	return nil
}

func putRawUnspent(ns walletdb.ReadWriteBucket, k, v []byte) error {
	err := ns.NestedReadWriteBucket(bucketUnspent).Put(k, v)
	if err != nil {
		str := "failed to store unspent output"
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func existsRawUnspent(ns walletdb.ReadBucket, k []byte) []byte {
	return ns.NestedReadBucket(bucketUnspent).Get(k)
}

func deleteRawUnspent(ns walletdb.ReadWriteBucket, k []byte) error {
	err := ns.NestedReadWriteBucket(bucketUnspent).Delete(k)
	if err != nil {
		str := "failed to delete unspent output"
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

// Transaction record values are a TLV stream holding the raw transaction,
// the received time, and the credit and debit lists produced by
// reconciliation.

func valueTxRecord(rec *wtxmgr.TxRecord, credits []CreditRecord,
	debits []DebitRecord) ([]byte, error) {

	rawTx := rec.SerializedTx
	if rawTx == nil {
		var txBuf bytes.Buffer
		txBuf.Grow(rec.MsgTx.SerializeSize())
		if err := rec.MsgTx.Serialize(&txBuf); err != nil {
			str := fmt.Sprintf("unable to serialize transaction %v",
				rec.Hash)
			return nil, storeError(ErrInput, str, err)
		}
		rawTx = txBuf.Bytes()
	}
	received := uint64(rec.Received.Unix())

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeTxRecordTx, &rawTx),
		tlv.MakePrimitiveRecord(typeTxRecordReceived, &received),
	}
	if len(credits) > 0 {
		records = append(records, tlv.MakeDynamicRecord(
			typeTxRecordCredits, &credits, func() uint64 {
				return recordSize(creditsEncoder, &credits)
			}, creditsEncoder, creditsDecoder,
		))
	}
	if len(debits) > 0 {
		records = append(records, tlv.MakeDynamicRecord(
			typeTxRecordDebits, &debits, func() uint64 {
				return recordSize(debitsEncoder, &debits)
			}, debitsEncoder, debitsDecoder,
		))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, storeError(ErrInput, "unable to create record stream", err)
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, storeError(ErrInput, "unable to encode record stream", err)
	}
	return buf.Bytes(), nil
}

func readTxRecord(k, v []byte, details *TxDetails) error {
	height, txHash, err := readTxRecordKey(k)
	if err != nil {
		return err
	}

	var (
		rawTx    []byte
		received uint64
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeTxRecordTx, &rawTx),
		tlv.MakePrimitiveRecord(typeTxRecordReceived, &received),
		tlv.MakeDynamicRecord(
			typeTxRecordCredits, &details.Credits, nil,
			creditsEncoder, creditsDecoder,
		),
		tlv.MakeDynamicRecord(
			typeTxRecordDebits, &details.Debits, nil,
			debitsEncoder, debitsDecoder,
		),
	)
	if err != nil {
		return storeError(ErrData, "unable to create record stream", err)
	}
	if err := stream.Decode(bytes.NewReader(v)); err != nil {
		str := fmt.Sprintf("unable to decode transaction record %v", txHash)
		return storeError(ErrData, str, err)
	}
	if len(rawTx) == 0 {
		str := fmt.Sprintf("transaction record %v missing raw transaction",
			txHash)
		return storeError(ErrData, str, nil)
	}
	if err := details.MsgTx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		str := fmt.Sprintf("unable to deserialize transaction %v", txHash)
		return storeError(ErrData, str, err)
	}

	details.Hash = *txHash
	details.SerializedTx = rawTx
	details.Received = time.Unix(int64(received), 0)
	details.Height = height
	return nil
}

func putRawTxRecord(ns walletdb.ReadWriteBucket, k, v []byte) error {
	err := ns.NestedReadWriteBucket(bucketTxRecords).Put(k, v)
	if err != nil {
		str := "failed to store transaction record"
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func existsRawTxRecord(ns walletdb.ReadBucket, k []byte) []byte {
	return ns.NestedReadBucket(bucketTxRecords).Get(k)
}

func deleteRawTxRecord(ns walletdb.ReadWriteBucket, k []byte) error {
	err := ns.NestedReadWriteBucket(bucketTxRecords).Delete(k)
	if err != nil {
		str := "failed to delete transaction record"
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

// creditsEncoder is a custom TLV encoder for the credit list of a
// transaction record.
func creditsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*[]CreditRecord); ok {
		for _, c := range *v {
			byteOrder.PutUint32(buf[0:4], c.Index)
			if _, err := w.Write(buf[0:4]); err != nil {
				return err
			}
			byteOrder.PutUint64(buf[:], uint64(c.Amount))
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
			scriptLen := uint64(len(c.PkScript))
			if err := tlv.WriteVarInt(w, scriptLen, buf); err != nil {
				return err
			}
			if _, err := w.Write(c.PkScript); err != nil {
				return err
			}
		}
		return nil
	}
	return tlv.NewTypeForEncodingErr(val, "[]txstore.CreditRecord")
}

// creditsDecoder is a custom TLV decoder for the credit list of a
// transaction record.
func creditsDecoder(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	if v, ok := val.(*[]CreditRecord); ok {
		lr := io.LimitedReader{R: r, N: int64(l)}

		var credits []CreditRecord
		for {
			_, err := io.ReadFull(&lr, buf[0:4])
			if err == io.EOF {
				break
			} else if err != nil {
				return err
			}
			c := CreditRecord{Index: byteOrder.Uint32(buf[0:4])}

			if _, err := io.ReadFull(&lr, buf[:]); err != nil {
				return err
			}
			c.Amount = btcutil.Amount(byteOrder.Uint64(buf[:]))

			scriptLen, err := tlv.ReadVarInt(&lr, buf)
			if err != nil {
				return err
			}
			if scriptLen > maxPkScriptSize {
				return fmt.Errorf("credit script length %d "+
					"exceeds maximum %d", scriptLen,
					maxPkScriptSize)
			}
			c.PkScript = make([]byte, scriptLen)
			if _, err := io.ReadFull(&lr, c.PkScript); err != nil {
				return err
			}

			credits = append(credits, c)
		}

		*v = credits
		return nil
	}
	return tlv.NewTypeForDecodingErr(val, "[]txstore.CreditRecord", l, l)
}

// debitsEncoder is a custom TLV encoder for the debit list of a transaction
// record.  Each debit snapshots the unspent output it consumed so rollback
// can restore it without any other lookup.
func debitsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*[]DebitRecord); ok {
		for _, d := range *v {
			if _, err := w.Write(d.PrevOut.Hash[:]); err != nil {
				return err
			}
			byteOrder.PutUint32(buf[0:4], d.PrevOut.Index)
			if _, err := w.Write(buf[0:4]); err != nil {
				return err
			}
			byteOrder.PutUint64(buf[:], uint64(d.Amount))
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
			byteOrder.PutUint32(buf[0:4], uint32(d.Height))
			if _, err := w.Write(buf[0:4]); err != nil {
				return err
			}
			scriptLen := uint64(len(d.PkScript))
			if err := tlv.WriteVarInt(w, scriptLen, buf); err != nil {
				return err
			}
			if _, err := w.Write(d.PkScript); err != nil {
				return err
			}
		}
		return nil
	}
	return tlv.NewTypeForEncodingErr(val, "[]txstore.DebitRecord")
}

// debitsDecoder is a custom TLV decoder for the debit list of a transaction
// record.
func debitsDecoder(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	if v, ok := val.(*[]DebitRecord); ok {
		lr := io.LimitedReader{R: r, N: int64(l)}

		var debits []DebitRecord
		for {
			var d DebitRecord
			_, err := io.ReadFull(&lr, d.PrevOut.Hash[:])
			if err == io.EOF {
				break
			} else if err != nil {
				return err
			}

			if _, err := io.ReadFull(&lr, buf[0:4]); err != nil {
				return err
			}
			d.PrevOut.Index = byteOrder.Uint32(buf[0:4])

			if _, err := io.ReadFull(&lr, buf[:]); err != nil {
				return err
			}
			d.Amount = btcutil.Amount(byteOrder.Uint64(buf[:]))

			if _, err := io.ReadFull(&lr, buf[0:4]); err != nil {
				return err
			}
			d.Height = int32(byteOrder.Uint32(buf[0:4]))

			scriptLen, err := tlv.ReadVarInt(&lr, buf)
			if err != nil {
				return err
			}
			if scriptLen > maxPkScriptSize {
				return fmt.Errorf("debit script length %d "+
					"exceeds maximum %d", scriptLen,
					maxPkScriptSize)
			}
			d.PkScript = make([]byte, scriptLen)
			if _, err := io.ReadFull(&lr, d.PkScript); err != nil {
				return err
			}

			debits = append(debits, d)
		}

		*v = debits
		return nil
	}
	return tlv.NewTypeForDecodingErr(val, "[]txstore.DebitRecord", l, l)
}

// maxPkScriptSize bounds script lengths read back from disk, matching the
// consensus maximum script size.
const maxPkScriptSize = 10000

// recordSize returns the amount of bytes a TLV record will occupy when
// encoded.
func recordSize(encoder tlv.Encoder, v interface{}) uint64 {
	var (
		b   bytes.Buffer
		buf [8]byte
	)

	// The encoders above can only fail on a type mismatch, which the
	// callers rule out, so the error is discarded.
	_ = encoder(&b, v, &buf)

	return uint64(len(b.Bytes()))
}

// Sync state values hold the 4 byte height, the block hash, and the 8 byte
// unix timestamp of the block the wallet is synced through.

func putSyncedTo(ns walletdb.ReadWriteBucket, bs *headerfs.BlockStamp) error {
	v := make([]byte, 44)
	byteOrder.PutUint32(v[0:4], uint32(bs.Height))
	copy(v[4:36], bs.Hash[:])
	byteOrder.PutUint64(v[36:44], uint64(bs.Timestamp.Unix()))
	err := ns.NestedReadWriteBucket(bucketSync).Put(keySyncedTo, v)
	if err != nil {
		str := "failed to store sync state"
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func fetchSyncedTo(ns walletdb.ReadBucket) (*headerfs.BlockStamp, error) {
	v := ns.NestedReadBucket(bucketSync).Get(keySyncedTo)
	if v == nil {
		return nil, nil
	}
	if len(v) < 44 {
		str := "short sync state value"
		return nil, storeError(ErrData, str, nil)
	}
	bs := &headerfs.BlockStamp{
		Height:    int32(byteOrder.Uint32(v[0:4])),
		Timestamp: time.Unix(int64(byteOrder.Uint64(v[36:44])), 0),
	}
	copy(bs.Hash[:], v[4:36])
	return bs, nil
}
