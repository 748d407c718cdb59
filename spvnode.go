// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"os"

	"github.com/spvorg/go-spvnode/blockchain"
	"github.com/spvorg/go-spvnode/netsync"
	"github.com/spvorg/go-spvnode/peer"
	"github.com/spvorg/go-spvnode/wire"
)

var (
	cfg *config
)

// spvMain is the real main function for spvnode.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func spvMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem.
	interrupt := interruptListener()
	defer spvdLog.Info("Shutdown complete")

	// Show version at startup.
	spvdLog.Infof("Version %s", version())

	// Bootstrap the block tree from the trusted genesis header of the
	// active network.  Any trusted header works as a starting checkpoint;
	// the genesis block is simply the one every network ships with.
	tree, err := blockchain.NewBlockTree(
		[]wire.BlockHeader{activeNetParams.GenesisBlock.Header}, 0)
	if err != nil {
		spvdLog.Errorf("%v", err)
		return err
	}

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	// Connect to the requested peer and run the version handshake.
	session, err := peer.Connect(cfg.Connect, &peer.Config{
		ChainParams:       activeNetParams.Params,
		UserAgentName:     "spvnode",
		UserAgentVersion:  version(),
		UserAgentComments: cfg.UserAgentComments,
		Services:          0,
		HandshakeTimeout:  cfg.HandshakeTO,
		Dial:              cfg.dial,
	})
	if err != nil {
		spvdLog.Errorf("Unable to connect to %s: %v", cfg.Connect, err)
		return err
	}
	defer session.Close()

	// Cancel the sync and unblock any read in flight when an interrupt
	// arrives.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-interrupt
		cancel()
		session.Close()
	}()

	// Periodic progress reporting through the snapshot publisher.  The
	// subscriber mailbox is deliberately tiny; missed updates are just
	// progress lines.
	publisher := netsync.NewChainPublisher()
	progress := publisher.Subscribe(1)
	go func() {
		for snapshot := range progress {
			spvdLog.Infof("Processed headers up to height %d (%v)",
				snapshot.Height(), snapshot.TipHash())
		}
	}()
	defer publisher.Close()

	// Download the header chain.
	headerSync := netsync.NewHeaderSync(&netsync.Config{
		Session:   session,
		Tree:      tree,
		Publisher: publisher,
	})
	if err := headerSync.Run(ctx); err != nil {
		var misbehaveErr *netsync.MisbehavingPeerError
		if errors.As(err, &misbehaveErr) {
			spvdLog.Errorf("Disconnecting %s: %v",
				misbehaveErr.Session.Addr(), err)
		} else {
			spvdLog.Errorf("Header sync failed: %v", err)
		}
		return err
	}

	chain := tree.ActiveChain()
	spvdLog.Infof("Header chain is synced: %d headers, tip %v at height %d",
		chain.Len(), chain.TipHash(), chain.Height())
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := spvMain(); err != nil {
		os.Exit(1)
	}
}
