// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// spvsync is a thin host around the coinswap sync engine: it opens the
// wallet database, wires a neutrino chain service behind the chain client,
// registers the tracked scripts given on the command line, and runs
// synchronization rounds until interrupted.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightninglabs/neutrino"
	"golang.org/x/sync/errgroup"

	"github.com/r3yc0n1c/coinswap/chain"
	"github.com/r3yc0n1c/coinswap/netparams"
	"github.com/r3yc0n1c/coinswap/wallet"
)

func main() {
	cfg, _, err := loadConfig()
	if err != nil {
		os.Exit(1)
	}
	if err := spvsyncMain(cfg); err != nil {
		os.Exit(1)
	}
}

// spvsyncMain assembles the wallet, the chain engine and the syncer from the
// parsed config and blocks until the sync round completes or the process is
// interrupted.
func spvsyncMain(cfg *config) error {
	net, err := cfg.activeNet()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	netDir := filepath.Join(cfg.DataDir, net.Name)

	initLogRotator(filepath.Join(netDir, "logs", defaultLogFilename))
	defer logRotator.Close()
	setLogLevels(cfg.DebugLevel)

	w, err := openWallet(cfg, net, netDir)
	if err != nil {
		log.Errorf("Unable to open wallet: %v", err)
		return err
	}

	client, err := startChainClient(cfg, net, netDir)
	if err != nil {
		log.Errorf("Unable to start chain client: %v", err)
		return err
	}
	defer func() {
		client.Stop()
		client.WaitForShutdown()
	}()

	syncer := wallet.NewSyncer(
		w, client, wallet.WithBirthdayHeight(cfg.Birthday),
	)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cfg.Broadcast != "" {
			if err := broadcast(syncer, cfg.Broadcast); err != nil {
				return err
			}
		}
		return syncer.Run(gctx)
	})

	err = g.Wait()
	switch {
	case errors.Is(err, context.Canceled):
		log.Infof("Shutdown requested, exiting")
	case err != nil:
		log.Errorf("Synchronization failed: %v", err)
		return err
	}

	return summarize(w)
}

// openWallet creates or opens the wallet database under the network
// directory and registers the tracked addresses and scripts from the config.
func openWallet(cfg *config, net *netparams.Params,
	netDir string) (*wallet.Wallet, error) {

	if err := os.MkdirAll(netDir, 0700); err != nil {
		return nil, err
	}
	db, err := walletdb.Create(
		"bdb", filepath.Join(netDir, "wallet.db"), true, cfg.DBTimeout, false,
	)
	if err != nil {
		return nil, err
	}

	w, err := wallet.Create(db, net.Params)
	if err != nil {
		return nil, err
	}

	for _, s := range cfg.TrackAddrs {
		addr, err := btcutil.DecodeAddress(s, net.Params)
		if err != nil {
			return nil, fmt.Errorf("invalid tracked address %q: %w",
				s, err)
		}
		if err := w.TrackAddress(addr); err != nil {
			return nil, err
		}
	}
	scripts, err := cfg.trackedScripts()
	if err != nil {
		return nil, err
	}
	for _, script := range scripts {
		if err := w.TrackScript(script); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// startChainClient constructs the neutrino chain service with the configured
// peers and starts the chain client over it.
func startChainClient(cfg *config, net *netparams.Params,
	netDir string) (*chain.NeutrinoClient, error) {

	db, err := walletdb.Create(
		"bdb", filepath.Join(netDir, "neutrino.db"), true,
		cfg.DBTimeout, false,
	)
	if err != nil {
		return nil, err
	}

	peers := make([]string, 0, len(cfg.ConnectPeers))
	for _, addr := range cfg.ConnectPeers {
		peers = append(peers, net.NormalizeAddress(addr))
	}

	cs, err := neutrino.NewChainService(neutrino.Config{
		DataDir:      netDir,
		Database:     db,
		ChainParams:  *net.Params,
		ConnectPeers: peers,
	})
	if err != nil {
		return nil, err
	}

	client := chain.NewNeutrinoClient(&chain.NeutrinoClientConfig{
		ChainParams:  net.Params,
		ChainService: cs,
	})
	if err := client.Start(); err != nil {
		return nil, err
	}
	return client, nil
}

// broadcast publishes a hex-encoded raw transaction through the syncer.
func broadcast(syncer *wallet.Syncer, rawHex string) error {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return fmt.Errorf("invalid broadcast transaction hex: %w", err)
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("invalid broadcast transaction: %w", err)
	}
	hash, err := syncer.PublishTransaction(tx)
	if err != nil {
		return err
	}
	log.Infof("Broadcast transaction %v", hash)
	return nil
}

// summarize logs the wallet state after a completed round.
func summarize(w *wallet.Wallet) error {
	balance, err := w.Balance()
	if err != nil {
		return err
	}
	unspent, err := w.UnspentOutputs()
	if err != nil {
		return err
	}
	bs, err := w.SyncedTo()
	if err != nil {
		return err
	}
	height := int32(-1)
	if bs != nil {
		height = bs.Height
	}
	log.Infof("Synced to height %d: %d unspent outputs, balance %v",
		height, len(unspent), balance)
	return nil
}
