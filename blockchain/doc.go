// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package blockchain implements a header-only view of the bitcoin block chain.

The central type is BlockTree, a rooted tree of block headers bootstrapped
from a trusted checkpoint prefix.  The tree tracks every header it is given,
including side branches created by forks, and maintains a dense height-indexed
active chain over the best branch.  When a side branch becomes strictly
higher than the current tip, the active chain is reorganized onto it; a
branch that merely ties the tip does not displace the incumbent.

The tree intentionally performs no proof-of-work or contextual validation.
Headers are accepted as long as their parent is present, which is the
appropriate trust model for syncing headers from a checkpoint; callers that
need stronger guarantees can validate headers before handing them to TryAdd.

BlockTree is owned by a single goroutine.  Cross-goroutine consumers should
use Snapshot, which produces an immutable copy of the active chain.
*/
package blockchain
