// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package netparams groups the chain parameters of the supported networks
// with the peer-to-peer defaults a host needs to wire a chain engine.
package netparams

import (
	"net"

	"github.com/btcsuite/btcd/chaincfg"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// P2PPort is the default peer-to-peer listening port of the network.
	P2PPort string
}

// MainNetParams contains parameters specific to the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:  &chaincfg.MainNetParams,
	P2PPort: "8333",
}

// TestNet3Params contains parameters specific to the test network (version
// 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:  &chaincfg.TestNet3Params,
	P2PPort: "18333",
}

// SigNetParams contains parameters specific to the signet test network
// (wire.SigNet).
var SigNetParams = Params{
	Params:  &chaincfg.SigNetParams,
	P2PPort: "38333",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:  &chaincfg.SimNetParams,
	P2PPort: "18555",
}

// RegtestParams contains parameters specific to the regression test network
// (wire.TestNet).
var RegtestParams = Params{
	Params:  &chaincfg.RegressionNetParams,
	P2PPort: "18444",
}

// NormalizeAddress joins the host with the network's default peer-to-peer
// port unless the address already carries a port.
func (p *Params) NormalizeAddress(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, p.P2PPort)
}
