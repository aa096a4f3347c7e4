package wallet

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/neutrino/headerfs"
	"github.com/stretchr/testify/require"

	"github.com/r3yc0n1c/coinswap/chain"
)

const defaultDBTimeout = 10 * time.Second

// testWallet creates a wallet inside a temporary database.
func testWallet(t *testing.T) *Wallet {
	t.Helper()

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "wallet.db"), true,
		defaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	w, err := Create(db, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return w
}

// testScript returns a fake but well formed versioned witness script whose
// payload is filled with the passed byte.
func testScript(b byte) []byte {
	script := make([]byte, 22)
	script[1] = 0x14
	for i := 2; i < len(script); i++ {
		script[i] = b
	}
	return script
}

// makeTx builds a transaction spending the passed outpoints and paying the
// given value/script pairs.  The locktime is varied by the seed so that
// otherwise identical transactions hash differently.
func makeTx(seed uint32, prevOuts []wire.OutPoint,
	outputs ...*wire.TxOut) *wire.MsgTx {

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = seed
	if len(prevOuts) == 0 {
		prevOuts = []wire.OutPoint{{Index: ^uint32(0)}}
	}
	for _, prevOut := range prevOuts {
		tx.AddTxIn(wire.NewTxIn(&prevOut, nil, nil))
	}
	for _, output := range outputs {
		tx.AddTxOut(output)
	}
	return tx
}

func makeTxRecord(t *testing.T, tx *wire.MsgTx) *wtxmgr.TxRecord {
	t.Helper()
	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Unix(1700000000, 0))
	require.NoError(t, err)
	return rec
}

func makeBlock(height int32) *wtxmgr.BlockMeta {
	var hash chainhash.Hash
	hash[0] = byte(height)
	hash[1] = byte(height >> 8)
	return &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{Hash: hash, Height: height},
		Time:  time.Unix(1700000000+int64(height), 0),
	}
}

// rescanRequest captures the arguments of one mockChain.Rescan call.
type rescanRequest struct {
	startHeight int32
	scripts     [][]byte
	unspent     map[wire.OutPoint][]byte
}

// mockChain is a channel-fed chain.Interface implementation.  Tests queue
// events on the buffered notification channel and run the Syncer against it.
type mockChain struct {
	mtx sync.Mutex

	best    *headerfs.BlockStamp
	bestErr error

	events  chan chain.Event
	rescans []rescanRequest

	sentTxs []*wire.MsgTx
	sendErr error
}

var _ chain.Interface = (*mockChain)(nil)

func newMockChain(tipHeight int32) *mockChain {
	return &mockChain{
		best:   &headerfs.BlockStamp{Height: tipHeight},
		events: make(chan chain.Event, 64),
	}
}

func (m *mockChain) Start() error { return nil }

func (m *mockChain) Stop() {
	close(m.events)
}

func (m *mockChain) WaitForShutdown() {}

func (m *mockChain) BestBlock() (*headerfs.BlockStamp, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.bestErr != nil {
		return nil, m.bestErr
	}
	best := *m.best
	return &best, nil
}

func (m *mockChain) Rescan(startHeight int32, scripts [][]byte,
	unspent map[wire.OutPoint][]byte) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.rescans = append(m.rescans, rescanRequest{
		startHeight: startHeight,
		scripts:     scripts,
		unspent:     unspent,
	})
	return nil
}

func (m *mockChain) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentTxs = append(m.sentTxs, tx)
	hash := tx.TxHash()
	return &hash, nil
}

func (m *mockChain) Notifications() <-chan chain.Event {
	return m.events
}

func (m *mockChain) BackEnd() string { return "mock" }

func (m *mockChain) lastRescan(t *testing.T) rescanRequest {
	t.Helper()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	require.NotEmpty(t, m.rescans)
	return m.rescans[len(m.rescans)-1]
}

// feed queues events for the syncer in order.
func (m *mockChain) feed(events ...chain.Event) {
	for _, e := range events {
		m.events <- e
	}
}

// matched builds the BlockMatched event for the given block and records.
func matched(block *wtxmgr.BlockMeta, recs ...*wtxmgr.TxRecord) chain.BlockMatched {
	return chain.BlockMatched{Block: *block, RelevantTxs: recs}
}
