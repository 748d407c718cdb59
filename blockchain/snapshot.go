// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/spvorg/go-spvnode/chaincfg/chainhash"
	"github.com/spvorg/go-spvnode/wire"
)

// Snapshot is an immutable copy of the active chain of a block tree taken at
// a point in time.  Unlike ActiveChain it does not borrow the tree, so it can
// be published to other goroutines and outlives any later mutations.
type Snapshot struct {
	// StartHeight is the height of the first header in Headers.
	StartHeight int32

	// Headers holds the active chain in ascending height order.
	Headers []wire.BlockHeader
}

// Height returns the height of the snapshot tip.
func (s *Snapshot) Height() int32 {
	return s.StartHeight + int32(len(s.Headers)) - 1
}

// Tip returns the header of the snapshot tip.
func (s *Snapshot) Tip() wire.BlockHeader {
	return s.Headers[len(s.Headers)-1]
}

// TipHash returns the hash of the snapshot tip.
func (s *Snapshot) TipHash() chainhash.Hash {
	return s.Headers[len(s.Headers)-1].BlockHash()
}
