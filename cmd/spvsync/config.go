// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/r3yc0n1c/coinswap/netparams"
)

const (
	defaultLogFilename = "spvsync.log"
	defaultLogLevel    = "info"
	defaultDBTimeout   = 60 * time.Second
)

var defaultDataDir = btcutil.AppDataDir("spvsync", false)

// config defines the configuration options for spvsync.
type config struct {
	DataDir      string        `short:"b" long:"datadir" description:"Directory to store wallet and chain data"`
	TestNet3     bool          `long:"testnet" description:"Use the test network (version 3)"`
	SigNet       bool          `long:"signet" description:"Use the signet test network"`
	SimNet       bool          `long:"simnet" description:"Use the simulation test network"`
	Regtest      bool          `long:"regtest" description:"Use the regression test network"`
	ConnectPeers []string      `long:"connect" description:"Connect to peer (may be repeated)"`
	TrackAddrs   []string      `long:"trackaddr" description:"Track payments to address (may be repeated)"`
	TrackScripts []string      `long:"trackscript" description:"Track payments to hex-encoded output script (may be repeated)"`
	Birthday     int32         `long:"birthday" default:"-1" description:"Earliest block height a fresh wallet scans from"`
	Broadcast    string        `long:"broadcast" description:"Hex-encoded raw transaction to broadcast once synced"`
	DebugLevel   string        `short:"d" long:"debuglevel" default:"info" description:"Logging level {trace, debug, info, warn, error, critical}"`
	DBTimeout    time.Duration `long:"dbtimeout" description:"Database open timeout"`
}

// activeNet returns the network parameters selected by the config flags, or
// an error when more than one network is requested.
func (c *config) activeNet() (*netparams.Params, error) {
	selected := 0
	net := &netparams.MainNetParams
	if c.TestNet3 {
		selected++
		net = &netparams.TestNet3Params
	}
	if c.SigNet {
		selected++
		net = &netparams.SigNetParams
	}
	if c.SimNet {
		selected++
		net = &netparams.SimNetParams
	}
	if c.Regtest {
		selected++
		net = &netparams.RegtestParams
	}
	if selected > 1 {
		return nil, fmt.Errorf("the testnet, signet, simnet and " +
			"regtest params may not be used together")
	}
	return net, nil
}

// trackedScripts decodes the --trackscript options.
func (c *config) trackedScripts() ([][]byte, error) {
	scripts := make([][]byte, 0, len(c.TrackScripts))
	for _, s := range c.TrackScripts {
		script, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid tracked script %q: %w",
				s, err)
		}
		scripts = append(scripts, script)
	}
	return scripts, nil
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, []string, error) {
	cfg := config{
		DataDir:    defaultDataDir,
		DebugLevel: defaultLogLevel,
		DBTimeout:  defaultDBTimeout,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	if !validLogLevel(cfg.DebugLevel) {
		err := fmt.Errorf("the specified debug level [%v] is invalid",
			cfg.DebugLevel)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	return &cfg, remainingArgs, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = homeDir + path[1:]
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
