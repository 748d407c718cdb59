// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spvorg/go-spvnode/chaincfg/chainhash"
	"github.com/spvorg/go-spvnode/wire"
)

// dummyHeader returns a header linked to the provided previous block hash.
// The nonce disambiguates headers that would otherwise be identical so forks
// off the same parent get distinct hashes.
func dummyHeader(prev chainhash.Hash, nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: chainhash.Hash{},
		Timestamp:  time.Unix(1231006505, 0),
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

// buildChain returns n headers forming a linked chain on top of prev.
func buildChain(t *testing.T, prev chainhash.Hash, n int, nonceBase uint32) []wire.BlockHeader {
	t.Helper()

	headers := make([]wire.BlockHeader, n)
	for i := 0; i < n; i++ {
		headers[i] = dummyHeader(prev, nonceBase+uint32(i))
		prev = headers[i].BlockHash()
	}
	return headers
}

// checkInvariants asserts the structural invariants that must hold for every
// tree regardless of the operations performed on it: dense heights on the
// active chain, correct parent linkage, and tip maximality.
func checkInvariants(t *testing.T, tree *BlockTree) {
	t.Helper()

	chain := tree.ActiveChain()
	headers := chain.Headers()
	require.Equal(t, len(headers), chain.Len())
	require.Equal(t, chain.StartHeight()+int32(chain.Len())-1, chain.Height())

	// Every non-root entry links to the previous entry by hash and the
	// heights are dense.
	for i := 1; i < len(headers); i++ {
		prevHash := headers[i-1].BlockHash()
		require.Equal(t, prevHash, headers[i].PrevBlock,
			"active chain entry %d does not link to its parent", i)
	}

	// Every node in the arena that is reachable through the index honors
	// parent linkage and height increments.
	for hash, id := range tree.index {
		node := &tree.nodes[id]
		require.Equal(t, hash, node.hash)
		if node.parent != noNode {
			parent := &tree.nodes[node.parent]
			require.Equal(t, parent.hash, node.header.PrevBlock)
			require.Equal(t, parent.height+1, node.height)
		}

		// Tip maximality: no node in the tree is higher than the tip.
		require.LessOrEqual(t, node.height, chain.Height())
	}
}

// TestBlockTreeBadInitial ensures tree construction rejects empty and
// unlinked checkpoint prefixes.
func TestBlockTreeBadInitial(t *testing.T) {
	_, err := NewBlockTree(nil, 0)
	require.ErrorIs(t, err, ErrBadInitialChain)

	// Two headers that do not link.
	headers := []wire.BlockHeader{
		dummyHeader(chainhash.Hash{}, 1),
		dummyHeader(chainhash.Hash{0x01}, 2),
	}
	_, err = NewBlockTree(headers, 0)
	require.ErrorIs(t, err, ErrBadInitialChain)
}

// TestBlockTreeLinearExtension covers appending a block that extends the
// current tip.
func TestBlockTreeLinearExtension(t *testing.T) {
	genesis := dummyHeader(chainhash.Hash{}, 0)
	tree, err := NewBlockTree([]wire.BlockHeader{genesis}, 0)
	require.NoError(t, err)

	chain := tree.ActiveChain()
	require.Equal(t, 1, chain.Len())
	require.Equal(t, int32(0), chain.Height())

	blockA := dummyHeader(genesis.BlockHash(), 1)
	require.NoError(t, tree.TryAdd(&blockA))

	chain = tree.ActiveChain()
	require.Equal(t, 2, chain.Len())
	require.Equal(t, int32(1), chain.Height())
	require.Equal(t, blockA.BlockHash(), chain.TipHash())

	checkInvariants(t, tree)
}

// TestBlockTreeForkWithoutReorg covers a side branch that is lower than the
// current tip and therefore must not displace it.
func TestBlockTreeForkWithoutReorg(t *testing.T) {
	// Active chain G -> A -> B.
	headers := buildChain(t, chainhash.Hash{}, 3, 0)
	tree, err := NewBlockTree(headers, 0)
	require.NoError(t, err)

	// Fork at G with a single block.  Height 1 < tip height 2, so the
	// active chain is unchanged.
	blockA2 := dummyHeader(headers[0].BlockHash(), 100)
	require.NoError(t, tree.TryAdd(&blockA2))

	chain := tree.ActiveChain()
	require.Equal(t, 3, chain.Len())
	require.Equal(t, headers[2].BlockHash(), chain.TipHash())

	// Both branches are in the tree.
	a2Hash := blockA2.BlockHash()
	require.True(t, tree.Exists(&a2Hash))
	require.False(t, chain.Contains(&a2Hash))
	require.Equal(t, 4, tree.NumNodes())

	checkInvariants(t, tree)
}

// TestBlockTreeReorg covers a side branch overtaking the incumbent tip.
func TestBlockTreeReorg(t *testing.T) {
	// Active chain G -> A -> B.
	headers := buildChain(t, chainhash.Hash{}, 3, 0)
	tree, err := NewBlockTree(headers, 0)
	require.NoError(t, err)

	// Build G -> A2 -> A2' -> A3' one block at a time.
	blockA2 := dummyHeader(headers[0].BlockHash(), 100)
	require.NoError(t, tree.TryAdd(&blockA2))

	blockA2p := dummyHeader(blockA2.BlockHash(), 101)
	require.NoError(t, tree.TryAdd(&blockA2p))

	// Still height 2 == incumbent tip height: no switch yet.
	require.Equal(t, headers[2].BlockHash(), tree.ActiveChain().TipHash())

	blockA3p := dummyHeader(blockA2p.BlockHash(), 102)
	require.NoError(t, tree.TryAdd(&blockA3p))

	// The side branch is now strictly higher, so the active chain must
	// have reorganized onto it.
	chain := tree.ActiveChain()
	require.Equal(t, 4, chain.Len())
	require.Equal(t, blockA3p.BlockHash(), chain.TipHash())

	wantHashes := []chainhash.Hash{
		headers[0].BlockHash(),
		blockA2.BlockHash(),
		blockA2p.BlockHash(),
		blockA3p.BlockHash(),
	}
	for i, want := range wantHashes {
		got, ok := chain.HashByHeight(int32(i))
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	// The displaced blocks remain in the tree but are off-chain.
	aHash := headers[1].BlockHash()
	bHash := headers[2].BlockHash()
	require.True(t, tree.Exists(&aHash))
	require.True(t, tree.Exists(&bHash))
	require.False(t, chain.Contains(&aHash))
	require.False(t, chain.Contains(&bHash))

	checkInvariants(t, tree)
}

// TestBlockTreeTieBreak ensures a branch that ties the incumbent tip in
// height does not cause a reorganization.
func TestBlockTreeTieBreak(t *testing.T) {
	// Active chain G -> A -> B.
	headers := buildChain(t, chainhash.Hash{}, 3, 0)
	tree, err := NewBlockTree(headers, 0)
	require.NoError(t, err)

	// Competing branch G -> A2 -> B2 reaching the same height as the
	// incumbent tip.
	side := buildChain(t, headers[0].BlockHash(), 2, 200)
	for i := range side {
		require.NoError(t, tree.TryAdd(&side[i]))
	}

	// First seen wins: the active chain must still be the original.
	chain := tree.ActiveChain()
	require.Equal(t, headers[2].BlockHash(), chain.TipHash())
	require.Equal(t, 3, chain.Len())
	require.Equal(t, 5, tree.NumNodes())

	checkInvariants(t, tree)
}

// TestBlockTreeUnknownParent ensures an unconnected header is rejected with
// a structured error and that the tree is unchanged.
func TestBlockTreeUnknownParent(t *testing.T) {
	genesis := dummyHeader(chainhash.Hash{}, 0)
	tree, err := NewBlockTree([]wire.BlockHeader{genesis}, 0)
	require.NoError(t, err)

	var unknown chainhash.Hash
	for i := range unknown {
		unknown[i] = 0xff
	}
	orphan := dummyHeader(unknown, 1)

	err = tree.TryAdd(&orphan)
	var unknownParentErr *UnknownParentError
	require.ErrorAs(t, err, &unknownParentErr)
	require.Equal(t, orphan, unknownParentErr.Header)

	// The tree is unchanged.
	require.Equal(t, 1, tree.NumNodes())
	require.Equal(t, 1, tree.ActiveChain().Len())

	checkInvariants(t, tree)
}

// TestBlockTreeIdempotentAdd ensures adding the same header twice leaves the
// tree unchanged and reports success.
func TestBlockTreeIdempotentAdd(t *testing.T) {
	genesis := dummyHeader(chainhash.Hash{}, 0)
	tree, err := NewBlockTree([]wire.BlockHeader{genesis}, 0)
	require.NoError(t, err)

	blockA := dummyHeader(genesis.BlockHash(), 1)
	require.NoError(t, tree.TryAdd(&blockA))
	require.NoError(t, tree.TryAdd(&blockA))

	require.Equal(t, 2, tree.NumNodes())
	require.Equal(t, 2, tree.ActiveChain().Len())

	checkInvariants(t, tree)
}

// TestBlockTreeStartHeight ensures trees bootstrapped at a non-zero height
// index the active chain by absolute height.
func TestBlockTreeStartHeight(t *testing.T) {
	headers := buildChain(t, chainhash.Hash{}, 3, 0)
	tree, err := NewBlockTree(headers, 500000)
	require.NoError(t, err)

	chain := tree.ActiveChain()
	require.Equal(t, int32(500000), chain.StartHeight())
	require.Equal(t, int32(500002), chain.Height())

	_, ok := chain.GetByHeight(499999)
	require.False(t, ok)

	hdr, ok := chain.GetByHeight(500001)
	require.True(t, ok)
	require.Equal(t, headers[1].BlockHash(), hdr.BlockHash())

	checkInvariants(t, tree)
}

// TestLocatorHashes verifies the locator starts at the tip, ends at the
// root, walks strictly decreasing heights, and doubles its step.
func TestLocatorHashes(t *testing.T) {
	headers := buildChain(t, chainhash.Hash{}, 40, 0)
	tree, err := NewBlockTree(headers, 0)
	require.NoError(t, err)

	chain := tree.ActiveChain()
	locator := chain.LocatorHashes()

	// Expected heights for a 40 block chain (tip height 39):
	// 39, 38, 37, 35, 31, 23, 7, then the root at 0.
	wantHeights := []int32{39, 38, 37, 35, 31, 23, 7, 0}
	require.Len(t, locator, len(wantHeights))

	lastHeight := int32(-1)
	for i, hash := range locator {
		wantHash, ok := chain.HashByHeight(wantHeights[i])
		require.True(t, ok)
		require.Equal(t, wantHash, *hash, "locator entry %d", i)

		// Strictly decreasing heights.
		if i > 0 {
			require.Less(t, wantHeights[i], lastHeight)
		}
		lastHeight = wantHeights[i]
	}

	// A single block chain yields just the root.
	single, err := NewBlockTree(headers[:1], 0)
	require.NoError(t, err)
	locator = single.ActiveChain().LocatorHashes()
	require.Len(t, locator, 1)
	require.Equal(t, headers[0].BlockHash(), *locator[0])
}

// TestBlockTreePopRoot covers root pruning including destruction of side
// branches hanging off the old root.
func TestBlockTreePopRoot(t *testing.T) {
	// Active chain G -> A -> B with a side branch G -> A2.
	headers := buildChain(t, chainhash.Hash{}, 3, 0)
	tree, err := NewBlockTree(headers, 0)
	require.NoError(t, err)

	blockA2 := dummyHeader(headers[0].BlockHash(), 100)
	require.NoError(t, tree.TryAdd(&blockA2))
	require.Equal(t, 4, tree.NumNodes())

	popped := tree.PopRoot()
	require.Equal(t, headers[0].BlockHash(), popped.BlockHash())

	// The side branch rooted at the old root must be gone along with the
	// old root itself.
	a2Hash := blockA2.BlockHash()
	require.False(t, tree.Exists(&a2Hash))
	require.Equal(t, 2, tree.NumNodes())

	chain := tree.ActiveChain()
	require.Equal(t, int32(1), chain.StartHeight())
	require.Equal(t, 2, chain.Len())
	require.Equal(t, headers[2].BlockHash(), chain.TipHash())

	checkInvariants(t, tree)

	// Popping down to a single block is allowed; popping the last remaining
	// block is misuse.
	tree.PopRoot()
	require.Panics(t, func() { tree.PopRoot() })
}

// TestBlockTreeSnapshot ensures snapshots are stable copies unaffected by
// later tree mutations.
func TestBlockTreeSnapshot(t *testing.T) {
	headers := buildChain(t, chainhash.Hash{}, 2, 0)
	tree, err := NewBlockTree(headers, 0)
	require.NoError(t, err)

	snapshot := tree.Snapshot()
	require.Equal(t, int32(1), snapshot.Height())
	require.Equal(t, headers[1].BlockHash(), snapshot.TipHash())

	// Extend the tree; the snapshot must not change.
	blockC := dummyHeader(headers[1].BlockHash(), 50)
	require.NoError(t, tree.TryAdd(&blockC))
	require.Equal(t, int32(1), snapshot.Height())
	require.Equal(t, headers[1].BlockHash(), snapshot.TipHash())
}

// TestBlockTreeDeepReorg exercises a reorganization across a deeper fork
// point and verifies every invariant afterwards.
func TestBlockTreeDeepReorg(t *testing.T) {
	// Active chain of 10 blocks.
	headers := buildChain(t, chainhash.Hash{}, 10, 0)
	tree, err := NewBlockTree(headers, 0)
	require.NoError(t, err)

	// Fork from height 4 with a 7 block branch, overtaking the incumbent
	// tip at height 9 with a new tip at height 11.
	side := buildChain(t, headers[4].BlockHash(), 7, 300)
	for i := range side {
		require.NoError(t, tree.TryAdd(&side[i]))
	}

	chain := tree.ActiveChain()
	require.Equal(t, int32(11), chain.Height())
	require.Equal(t, side[6].BlockHash(), chain.TipHash())

	// The first five original blocks are still on the active chain, the
	// rest are off-chain.
	for i, hdr := range headers {
		hash := hdr.BlockHash()
		if i <= 4 {
			require.True(t, chain.Contains(&hash), "height %d", i)
		} else {
			require.False(t, chain.Contains(&hash), "height %d", i)
			require.True(t, tree.Exists(&hash), "height %d", i)
		}
	}

	checkInvariants(t, tree)
}
