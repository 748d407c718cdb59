// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaincfg defines chain configuration parameters.
//
// In addition to the main bitcoin network, which is intended for the transfer
// of monetary value, there also exists two currently active standard networks:
// regression test and testnet (version 3).  These networks are incompatible
// with each other (each sharing a different genesis block) and software should
// handle errors where input intended for one network is used on an application
// instance running on a different network.
//
// For library packages, chaincfg provides the ability to lookup chain
// parameters and ensure network parameters for specific networks are
// registered.
//
// A package can be used without modification when the node it targets runs on
// one of the standard networks.  Simply pass the relevant parameters
// (chaincfg.MainNetParams, chaincfg.TestNet3Params, ...) to the subsystems
// that need them.
package chaincfg
