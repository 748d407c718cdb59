// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package netsync drives the initial download of the block header chain.

HeaderSync owns a single peer session and a block tree and runs the classic
locator-based sync loop: build a block locator from the active chain, request
headers with getheaders, apply the response in order, and repeat until the
peer returns fewer than the per-message maximum of headers.  A peer that
responds with headers that do not connect to the tree, or with an unrelated
message, is reported through MisbehavingPeerError along with its session so
the caller can disconnect or ban it.

The optional ChainPublisher fans out immutable chain snapshots to
subscribers after each applied batch.  Each subscriber owns a bounded mailbox
and delivery is lossy on overflow, so observers can never apply backpressure
to the sync itself.
*/
package netsync
