package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/headerfs"
	"github.com/stretchr/testify/require"
)

// TestNeutrinoClientSequentialStartStop ensures that the client can
// sequentially Start and Stop without errors or races.
func TestNeutrinoClientSequentialStartStop(t *testing.T) {
	var (
		ctx, cancel = context.WithTimeout(context.Background(),
			5*time.Second)
		nc            = newMockNeutrinoClient(t)
		callStartStop = func() <-chan struct{} {
			done := make(chan struct{})
			go func() {
				defer close(done)
				err := nc.Start()
				require.NoError(t, err)
				nc.Stop()
				nc.WaitForShutdown()
			}()
			return done
		}
		numRestarts = 5
	)

	t.Cleanup(cancel)

	for i := 0; i < numRestarts; i++ {
		done := callStartStop()
		select {
		case <-ctx.Done():
			t.Fatal("timed out")
		case <-done:
		}
	}
}

// TestNeutrinoClientBestBlock exercises the bounded tip query, including the
// not-started guard and the timeout path.
func TestNeutrinoClientBestBlock(t *testing.T) {
	nc := newMockNeutrinoClient(t)

	_, err := nc.BestBlock()
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})
	require.IsType(t, Ready{}, readEvent(t, nc.Notifications()))

	bs, err := nc.BestBlock()
	require.NoError(t, err)
	require.Equal(t, testBestBlock.Height, bs.Height)

	// A wedged chain service must surface as a query timeout rather than
	// a hung call.
	nc.queryTimeout = 25 * time.Millisecond
	stall := nc.chainSvc.stallBestBlock()
	defer close(stall)

	_, err = nc.BestBlock()
	require.ErrorIs(t, err, ErrQueryTimeout)
}

// TestNeutrinoClientNotificationOrder verifies that block notifications are
// dequeued in the order their callbacks fired.
func TestNeutrinoClientNotificationOrder(t *testing.T) {
	nc := newMockNeutrinoClient(t)
	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})

	ntfns := nc.Notifications()
	require.IsType(t, Ready{}, readEvent(t, ntfns))

	for height := int32(1); height <= 3; height++ {
		hash := chainhash.Hash{byte(height)}
		nc.onBlockConnected(&hash, height, time.Unix(1700000000, 0))
	}

	for height := int32(1); height <= 3; height++ {
		e := readEvent(t, ntfns)
		bc, ok := e.(BlockConnected)
		require.True(t, ok, "unexpected event %T", e)
		require.Equal(t, height, bc.Height)
	}
}

// TestNeutrinoClientRescanCaughtUp verifies that a rescan starting at the
// chain tip reports completion immediately while still starting the rescan
// for future blocks.
func TestNeutrinoClientRescanCaughtUp(t *testing.T) {
	nc := newMockNeutrinoClient(t)

	err := nc.Rescan(testBestBlock.Height, nil, nil)
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})

	ntfns := nc.Notifications()
	require.IsType(t, Ready{}, readEvent(t, ntfns))

	require.NoError(t, nc.Rescan(testBestBlock.Height, nil, nil))

	e := readEvent(t, ntfns)
	synced, ok := e.(Synced)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, testBestBlock.Height, synced.Height)
	require.Equal(t, testBestBlock.Height, synced.Tip)

	r := <-nc.rescans
	require.True(t, r.isStarted())
}

// TestNeutrinoClientRescanRestart verifies that a second rescan request
// tears down the previous rescan before starting the replacement.
func TestNeutrinoClientRescanRestart(t *testing.T) {
	nc := newMockNeutrinoClient(t)
	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})
	require.IsType(t, Ready{}, readEvent(t, nc.Notifications()))

	require.NoError(t, nc.Rescan(10, nil, nil))
	first := <-nc.rescans
	require.True(t, first.isStarted())

	require.NoError(t, nc.Rescan(10, nil, nil))
	second := <-nc.rescans

	require.True(t, first.isShutdown())
	require.True(t, second.isStarted())
	require.False(t, second.isShutdown())
}

// TestNeutrinoClientRescanWhileNotifying issues a rescan whose tip query
// stalls while a block callback fires.  The notification handler must keep
// dispatching and the rescan must still return with its caught-up report.
func TestNeutrinoClientRescanWhileNotifying(t *testing.T) {
	nc := newMockNeutrinoClient(t)
	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})

	ntfns := nc.Notifications()
	require.IsType(t, Ready{}, readEvent(t, ntfns))

	stall := nc.chainSvc.stallBestBlock()

	done := make(chan error, 1)
	go func() {
		done <- nc.Rescan(testBestBlock.Height, nil, nil)
	}()

	// Deliver a block callback while the rescan is parked in the tip
	// query.  It must flow through to the notification channel.
	hash := chainhash.Hash{0x0a}
	go nc.onBlockConnected(&hash, 43, time.Unix(1700000300, 0))
	require.IsType(t, BlockConnected{}, readEvent(t, ntfns))

	close(stall)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rescan did not return")
	}

	synced, ok := readEvent(t, ntfns).(Synced)
	require.True(t, ok, "expected sync completion report")
	require.Equal(t, testBestBlock.Height, synced.Height)

	r := <-nc.rescans
	require.True(t, r.isStarted())
}

// TestNeutrinoClientStopDuringRescanRestart stops the client while a rescan
// restart is waiting for the previous rescan to wind down.  The shutdown
// must complete cleanly and the restart must report the stopped client.
func TestNeutrinoClientStopDuringRescanRestart(t *testing.T) {
	nc := newMockNeutrinoClient(t)
	require.NoError(t, nc.Start())
	require.IsType(t, Ready{}, readEvent(t, nc.Notifications()))

	require.NoError(t, nc.Rescan(10, nil, nil))
	first := <-nc.rescans
	require.True(t, first.isStarted())

	entered, release := first.holdShutdown()

	done := make(chan error, 1)
	go func() {
		done <- nc.Rescan(10, nil, nil)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("restart never began tearing down the old rescan")
	}

	nc.Stop()
	release()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNotStarted)
	case <-time.After(5 * time.Second):
		t.Fatal("restarted rescan did not return")
	}

	nc.WaitForShutdown()
}

// TestNeutrinoClientFilteredBlocks drives the filtered block callback and
// verifies the filter telemetry, match report and one-shot sync completion
// that must come out of it.
func TestNeutrinoClientFilteredBlocks(t *testing.T) {
	nc := newMockNeutrinoClient(t)

	tipHeader := wire.BlockHeader{
		Nonce:     2,
		Timestamp: time.Unix(1700000200, 0),
	}
	midHeader := wire.BlockHeader{
		Nonce:     1,
		Timestamp: time.Unix(1700000100, 0),
	}
	nc.chainSvc.setBest(&headerfs.BlockStamp{
		Height: 101,
		Hash:   tipHeader.BlockHash(),
	})

	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})

	ntfns := nc.Notifications()
	require.IsType(t, Ready{}, readEvent(t, ntfns))

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	nc.onFilteredBlockConnected(
		100, &midHeader, []*btcutil.Tx{btcutil.NewTx(tx)},
	)

	e := readEvent(t, ntfns)
	fp, ok := e.(FilterProcessed)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, int32(100), fp.Height)
	require.Equal(t, midHeader.BlockHash(), fp.Hash)
	require.True(t, fp.Matched)
	require.True(t, fp.Valid)

	e = readEvent(t, ntfns)
	bm, ok := e.(BlockMatched)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, int32(100), bm.Block.Height)
	require.Len(t, bm.RelevantTxs, 1)
	require.Equal(t, tx.TxHash(), bm.RelevantTxs[0].Hash)

	// The tip block carries no relevant transactions, so only the filter
	// telemetry and the completion report are expected.
	nc.onFilteredBlockConnected(101, &tipHeader, nil)

	e = readEvent(t, ntfns)
	fp, ok = e.(FilterProcessed)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, int32(101), fp.Height)
	require.False(t, fp.Matched)

	e = readEvent(t, ntfns)
	synced, ok := e.(Synced)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, int32(101), synced.Height)
	require.Equal(t, int32(101), synced.Tip)

	// Reaching the tip again must not produce a second completion
	// report.
	nc.onFilteredBlockConnected(101, &tipHeader, nil)
	e = readEvent(t, ntfns)
	require.IsType(t, FilterProcessed{}, e)
	nc.onBlockDisconnected(&fp.Hash, 101, tipHeader.Timestamp)
	require.IsType(t, BlockDisconnected{}, readEvent(t, ntfns))
}

// TestNeutrinoClientPeerPolling verifies the peer diff events produced by
// the telemetry poll.
func TestNeutrinoClientPeerPolling(t *testing.T) {
	nc := newMockNeutrinoClient(t)
	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})

	ntfns := nc.Notifications()
	require.IsType(t, Ready{}, readEvent(t, ntfns))

	const peerAddr = "127.0.0.1:8333"
	serverPeer := newTestServerPeer(t, peerAddr)
	nc.chainSvc.setPeers(serverPeer)
	nc.forceTick()

	e := readEvent(t, ntfns)
	connected, ok := e.(PeerConnected)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, peerAddr, connected.Addr)

	e = readEvent(t, ntfns)
	negotiated, ok := e.(PeerNegotiated)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, peerAddr, negotiated.Addr)

	// Raising the peer's advertised height must surface as a height
	// update on the next poll.
	serverPeer.UpdateLastBlockHeight(1000)
	nc.forceTick()

	e = readEvent(t, ntfns)
	heightUpdate, ok := e.(PeerHeightUpdated)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, int32(1000), heightUpdate.Height)

	nc.chainSvc.setPeers()
	nc.forceTick()

	e = readEvent(t, ntfns)
	disconnected, ok := e.(PeerDisconnected)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, peerAddr, disconnected.Addr)
}

// TestNeutrinoClientSendRawTransaction verifies the broadcast path and its
// acknowledgement event.
func TestNeutrinoClientSendRawTransaction(t *testing.T) {
	nc := newMockNeutrinoClient(t)
	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})

	ntfns := nc.Notifications()
	require.IsType(t, Ready{}, readEvent(t, ntfns))

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	hash, err := nc.SendRawTransaction(tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), *hash)

	e := readEvent(t, ntfns)
	status, ok := e.(TxStatusChanged)
	require.True(t, ok, "unexpected event %T", e)
	require.Equal(t, tx.TxHash(), status.Hash)
	require.Equal(t, TxStatusAcknowledged, status.Status)

	// Broadcast failures surface directly to the caller.
	nc.chainSvc.sendErr = errors.New("rejected")
	_, err = nc.SendRawTransaction(tx)
	require.Error(t, err)
}
