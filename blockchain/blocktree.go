// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"

	"github.com/spvorg/go-spvnode/chaincfg/chainhash"
	"github.com/spvorg/go-spvnode/wire"
)

// ErrBadInitialChain describes an error in which the initial headers provided
// to NewBlockTree are empty or do not form a contiguously linked chain.
var ErrBadInitialChain = errors.New("initial headers must form a non-empty " +
	"contiguously linked chain")

// UnknownParentError describes an error in which a header submitted via
// TryAdd references a previous block that is not present in the tree.  It is
// returned as a structured value rather than surfaced through logging so the
// caller can decide how to treat the peer that produced the header.
type UnknownParentError struct {
	// Header is the offending header.
	Header wire.BlockHeader
}

// Error satisfies the error interface and prints human-readable errors.
func (e *UnknownParentError) Error() string {
	return fmt.Sprintf("parent block %v is not known", e.Header.PrevBlock)
}

// AssertError identifies an error that indicates an internal code consistency
// issue and should be treated as a critical and unrecoverable error.
type AssertError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e AssertError) Error() string {
	return "assertion failed: " + string(e)
}

// noNode is the arena index used to indicate the lack of a node.
const noNode = int32(-1)

// blockNode represents a block within the block tree.  Parent and child
// relationships are expressed as arena indices rather than pointers so the
// cyclic references between them never escape the owning tree.
type blockNode struct {
	// hash is the double sha256 of the serialized header.  It is cached
	// since it is expensive enough to calculate that recomputing it on
	// every lookup would dominate the cost of the tree operations.
	hash chainhash.Hash

	// header is the full block header the node was created from.
	header wire.BlockHeader

	// height is the position in the block chain.  The root of the tree
	// carries the height it was bootstrapped with.
	height int32

	// parent is the arena index of the parent node, or noNode for the
	// root of the retained subtree.
	parent int32

	// children holds the arena indices of all blocks that reference this
	// node as their parent.
	children []int32
}

// BlockTree maintains a rooted tree of block headers along with the active
// (best) chain through it.  The tree tolerates forks and reorganizes the
// active chain whenever a side branch becomes strictly higher than the
// current tip.
//
// The zero value is not usable; trees must be created with NewBlockTree.
//
// BlockTree is NOT safe for concurrent access.  It is designed to be owned by
// a single header-sync goroutine; readers in other goroutines should work
// from the immutable copies produced by Snapshot.
type BlockTree struct {
	// nodes is the arena holding every node in the tree.  Slots of removed
	// nodes are recycled through free.
	nodes []blockNode
	free  []int32

	// index maps a block hash to its arena index for constant time
	// lookups.  Every reachable node has exactly one entry.
	index map[chainhash.Hash]int32

	// active holds the arena indices of the current best chain ordered by
	// height.  active[0] is the retained root and the final entry is the
	// tip.
	active []int32
}

// NewBlockTree creates a block tree from a non-empty sequence of contiguously
// linked, pre-trusted headers.  The first header is assigned startHeight and
// becomes the retained root; the whole sequence becomes the initial active
// chain.  No validation beyond linkage is performed, so the headers must come
// from a trusted checkpoint.
func NewBlockTree(headers []wire.BlockHeader, startHeight int32) (*BlockTree, error) {
	if len(headers) == 0 {
		return nil, ErrBadInitialChain
	}

	t := &BlockTree{
		nodes:  make([]blockNode, 0, len(headers)),
		index:  make(map[chainhash.Hash]int32, len(headers)),
		active: make([]int32, 0, len(headers)),
	}

	prev := noNode
	for i := range headers {
		header := headers[i]
		hash := header.BlockHash()
		if prev != noNode {
			if header.PrevBlock != t.nodes[prev].hash {
				return nil, ErrBadInitialChain
			}
		}
		if _, ok := t.index[hash]; ok {
			return nil, ErrBadInitialChain
		}

		id := t.alloc(blockNode{
			hash:   hash,
			header: header,
			height: startHeight + int32(i),
			parent: prev,
		})
		if prev != noNode {
			t.nodes[prev].children = append(t.nodes[prev].children, id)
		}
		t.index[hash] = id
		t.active = append(t.active, id)
		prev = id
	}

	return t, nil
}

// alloc places the provided node into the arena, reusing a previously freed
// slot when one is available, and returns its index.
func (t *BlockTree) alloc(node blockNode) int32 {
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		t.nodes[id] = node
		return id
	}

	t.nodes = append(t.nodes, node)
	return int32(len(t.nodes) - 1)
}

// TryAdd extends the tree with the provided header.  The header's parent must
// already be present in the tree, otherwise an UnknownParentError is
// returned.  Adding a header whose hash is already present is treated as an
// idempotent success and does not mutate the tree.
//
// When the new block makes a branch strictly higher than the current tip, the
// active chain is reorganized onto that branch.  A branch that merely ties
// the tip in height does not cause a switch; the incumbent chain wins.
func (t *BlockTree) TryAdd(header *wire.BlockHeader) error {
	hash := header.BlockHash()
	if _, ok := t.index[hash]; ok {
		return nil
	}

	parent, ok := t.index[header.PrevBlock]
	if !ok {
		return &UnknownParentError{Header: *header}
	}

	newHeight := t.nodes[parent].height + 1
	id := t.alloc(blockNode{
		hash:   hash,
		header: *header,
		height: newHeight,
		parent: parent,
	})
	t.nodes[parent].children = append(t.nodes[parent].children, id)
	t.index[hash] = id

	// Nothing more to do unless the new block is strictly higher than the
	// current tip.  Ties intentionally keep the incumbent chain.
	tip := t.active[len(t.active)-1]
	if newHeight <= t.nodes[tip].height {
		log.Debugf("Block %v at height %d extends a side chain", hash,
			newHeight)
		return nil
	}

	// The common case is the new block extending the current tip, in which
	// case the fork point is the tip itself and the walk below terminates
	// immediately.
	forkHeight := t.extendActive(id)
	if forkHeight != t.nodes[tip].height {
		log.Infof("REORGANIZE: new tip %v at height %d, fork point at "+
			"height %d", hash, newHeight, forkHeight)
	}

	return nil
}

// extendActive reorganizes the active chain onto the branch ending at the
// provided node and returns the height of the fork point.  The node must be
// strictly higher than the current tip.
func (t *BlockTree) extendActive(id int32) int32 {
	// Walk back from the new node until a node on the active chain is
	// reached, accumulating the detached path.  The walk is iterative so
	// arbitrarily deep branches cannot exhaust the goroutine stack.
	path := []int32{id}
	n := t.nodes[id].parent
	for !t.onActiveChain(n) {
		path = append(path, n)
		n = t.nodes[n].parent
	}
	forkHeight := t.nodes[n].height

	// Truncate the active chain to the fork point (inclusive) and extend
	// it with the new branch in ascending height order.
	startHeight := t.nodes[t.active[0]].height
	t.active = t.active[:forkHeight-startHeight+1]
	for i := len(path) - 1; i >= 0; i-- {
		t.active = append(t.active, path[i])
	}

	return forkHeight
}

// onActiveChain returns whether the node with the provided arena index lies
// on the current active chain.
func (t *BlockTree) onActiveChain(id int32) bool {
	startHeight := t.nodes[t.active[0]].height
	offset := t.nodes[id].height - startHeight
	if offset < 0 || offset >= int32(len(t.active)) {
		return false
	}
	return t.active[offset] == id
}

// Exists returns whether a block with the provided hash is anywhere in the
// tree, including side branches.
func (t *BlockTree) Exists(hash *chainhash.Hash) bool {
	_, ok := t.index[*hash]
	return ok
}

// Header returns the header for the block with the provided hash along with
// its height.  The boolean return indicates whether the block is in the tree.
func (t *BlockTree) Header(hash *chainhash.Hash) (wire.BlockHeader, int32, bool) {
	id, ok := t.index[*hash]
	if !ok {
		return wire.BlockHeader{}, 0, false
	}
	node := &t.nodes[id]
	return node.header, node.height, true
}

// NumNodes returns the total number of blocks tracked by the tree, including
// blocks on side branches.
func (t *BlockTree) NumNodes() int {
	return len(t.index)
}

// PopRoot removes the current root of the tree and returns its header.  The
// next block on the active chain becomes the new root and any side branches
// descending from the old root are destroyed since they are no longer
// reachable.
//
// The tree must have at least two blocks on the active chain; violating this
// precondition is an unrecoverable misuse and causes a panic.
func (t *BlockTree) PopRoot() wire.BlockHeader {
	if len(t.active) < 2 {
		panic(AssertError("PopRoot called on a tree with fewer than " +
			"two active blocks"))
	}

	oldRoot := t.active[0]
	newRoot := t.active[1]

	// Destroy every subtree hanging off the old root other than the one
	// that remains the active chain.
	for _, child := range t.nodes[oldRoot].children {
		if child != newRoot {
			t.removeSubtree(child)
		}
	}

	header := t.nodes[oldRoot].header
	delete(t.index, t.nodes[oldRoot].hash)
	t.release(oldRoot)

	t.nodes[newRoot].parent = noNode
	t.active = t.active[1:]

	return header
}

// removeSubtree removes the node with the provided arena index and all of its
// descendants from the tree.  The removal is performed with an explicit work
// stack rather than recursion so deep subtrees cannot exhaust the goroutine
// stack.
func (t *BlockTree) removeSubtree(id int32) {
	stack := []int32{id}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, t.nodes[n].children...)

		delete(t.index, t.nodes[n].hash)
		t.release(n)
	}
}

// release returns the provided arena slot to the free list and clears it so
// the garbage collector can reclaim anything the node referenced.
func (t *BlockTree) release(id int32) {
	t.nodes[id] = blockNode{parent: noNode}
	t.free = append(t.free, id)
}

// ActiveChain returns a read-only view of the current best chain.  The view
// remains valid only until the next mutation of the tree.
func (t *BlockTree) ActiveChain() ActiveChain {
	return ActiveChain{tree: t}
}

// Snapshot returns an immutable copy of the active chain which is safe to
// hand to other goroutines and remains stable across later tree mutations.
func (t *BlockTree) Snapshot() *Snapshot {
	headers := make([]wire.BlockHeader, len(t.active))
	for i, id := range t.active {
		headers[i] = t.nodes[id].header
	}
	return &Snapshot{
		StartHeight: t.nodes[t.active[0]].height,
		Headers:     headers,
	}
}

// ActiveChain is a read-only, height-indexed view of the best branch of a
// block tree.  It borrows the underlying tree, so it must not be retained
// across tree mutations; use Snapshot for that.
type ActiveChain struct {
	tree *BlockTree
}

// Len returns the number of blocks on the active chain.
func (c ActiveChain) Len() int {
	return len(c.tree.active)
}

// StartHeight returns the height of the retained root.
func (c ActiveChain) StartHeight() int32 {
	return c.tree.nodes[c.tree.active[0]].height
}

// Height returns the height of the current tip.
func (c ActiveChain) Height() int32 {
	return c.tree.nodes[c.tip()].height
}

// tip returns the arena index of the current tip.
func (c ActiveChain) tip() int32 {
	return c.tree.active[len(c.tree.active)-1]
}

// Tip returns the header of the current tip.
func (c ActiveChain) Tip() wire.BlockHeader {
	return c.tree.nodes[c.tip()].header
}

// TipHash returns the hash of the current tip.
func (c ActiveChain) TipHash() chainhash.Hash {
	return c.tree.nodes[c.tip()].hash
}

// GetByHeight returns the header at the provided height on the active chain.
// The boolean return indicates whether the height is within the chain.
func (c ActiveChain) GetByHeight(height int32) (wire.BlockHeader, bool) {
	offset := height - c.StartHeight()
	if offset < 0 || offset >= int32(len(c.tree.active)) {
		return wire.BlockHeader{}, false
	}
	return c.tree.nodes[c.tree.active[offset]].header, true
}

// HashByHeight returns the hash of the block at the provided height on the
// active chain.  The boolean return indicates whether the height is within
// the chain.
func (c ActiveChain) HashByHeight(height int32) (chainhash.Hash, bool) {
	offset := height - c.StartHeight()
	if offset < 0 || offset >= int32(len(c.tree.active)) {
		return chainhash.Hash{}, false
	}
	return c.tree.nodes[c.tree.active[offset]].hash, true
}

// Contains returns whether the block with the provided hash is on the active
// chain.  Blocks on side branches are in the tree but not contained by the
// active chain.
func (c ActiveChain) Contains(hash *chainhash.Hash) bool {
	id, ok := c.tree.index[*hash]
	if !ok {
		return false
	}
	return c.tree.onActiveChain(id)
}

// Headers returns a copy of every header on the active chain in ascending
// height order.
func (c ActiveChain) Headers() []wire.BlockHeader {
	headers := make([]wire.BlockHeader, len(c.tree.active))
	for i, id := range c.tree.active {
		headers[i] = c.tree.nodes[id].header
	}
	return headers
}

// ForEach iterates the active chain from the root towards the tip, invoking
// fn with the height and header of each block.  Iteration stops early when fn
// returns false.
func (c ActiveChain) ForEach(fn func(height int32, header *wire.BlockHeader) bool) {
	for _, id := range c.tree.active {
		node := &c.tree.nodes[id]
		if !fn(node.height, &node.header) {
			return
		}
	}
}

// ForEachReverse iterates the active chain from the tip towards the root,
// invoking fn with the height and header of each block.  Iteration stops
// early when fn returns false.
func (c ActiveChain) ForEachReverse(fn func(height int32, header *wire.BlockHeader) bool) {
	for i := len(c.tree.active) - 1; i >= 0; i-- {
		node := &c.tree.nodes[c.tree.active[i]]
		if !fn(node.height, &node.header) {
			return
		}
	}
}

// BlockLocator is used to help locate a specific block.  The algorithm for
// building the block locator is to add the hashes in reverse order until the
// root of the chain is reached.  In order to keep the list of locator hashes
// to a reasonable number of entries, the step between included hashes doubles
// each iteration to exponentially decrease the number of hashes as a function
// of distance from the tip.
//
// For example, assume a chain with a side chain as depicted below:
//
//	genesis -> 1 -> 2 -> ... -> 15 -> 16  -> 17  -> 18
//	                                   \-> 16a -> 17a
//
// The block locator for block 17a would be the hashes of blocks:
// [17a 16a 15 13 9 1 genesis]
type BlockLocator []*chainhash.Hash

// LocatorHashes returns a block locator summarizing the active chain.  The
// locator starts at the tip, steps back by a doubling distance, and always
// terminates with the retained root so the remote peer can find a common
// ancestor in a logarithmic number of entries.
func (c ActiveChain) LocatorHashes() BlockLocator {
	startHeight := c.StartHeight()
	tipHeight := c.Height()

	// Calculate the max number of entries that will ultimately be in the
	// block locator: the tip, the root, and one entry per doubling of the
	// distance walked back from the tip.
	maxEntries := 2
	for span := int64(tipHeight) - int64(startHeight); span > 1; span >>= 1 {
		maxEntries++
	}
	locator := make(BlockLocator, 0, maxEntries)

	appendHeight := func(height int32) {
		hash, _ := c.HashByHeight(height)
		hashCopy := hash
		locator = append(locator, &hashCopy)
	}

	// Tip first, then offsets back from the tip that double each
	// iteration, and finally the root so the remote peer always has at
	// least one block in common with us.
	appendHeight(tipHeight)
	if tipHeight == startHeight {
		return locator
	}
	for offset := int64(1); int64(tipHeight)-offset > int64(startHeight); offset *= 2 {
		appendHeight(tipHeight - int32(offset))
	}
	appendHeight(startHeight)

	return locator
}
