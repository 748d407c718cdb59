// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/spvorg/go-spvnode/blockchain"
	"github.com/spvorg/go-spvnode/chaincfg/chainhash"
	"github.com/spvorg/go-spvnode/peer"
	"github.com/spvorg/go-spvnode/wire"
)

// MisbehavingPeerError describes an error in which the remote peer violated
// the header-sync protocol, either by continuing from a block that is not in
// our tree or by responding to a getheaders request with an unexpected
// message.  The offending session is carried so the caller can discard or ban
// it.
type MisbehavingPeerError struct {
	// Session is the session the misbehaving peer is connected through.
	Session *peer.Session

	// Description is a human-readable description of the violation.
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e *MisbehavingPeerError) Error() string {
	return fmt.Sprintf("misbehaving peer %s: %s", e.Session.Addr(),
		e.Description)
}

// Config is a configuration struct used to initialize a new HeaderSync.
type Config struct {
	// Session is the established peer session to sync from.
	Session *peer.Session

	// Tree is the block tree to extend.  It must already contain the
	// checkpoint prefix the sync starts from.
	Tree *blockchain.BlockTree

	// Publisher, when set, receives a snapshot of the active chain after
	// every headers message that has been applied to the tree.
	Publisher *ChainPublisher
}

// HeaderSync drives the initial download of the header chain from a single
// peer.  It repeatedly sends a getheaders request built from the block tree's
// locator and applies the returned headers to the tree until the peer has no
// more headers to offer.
type HeaderSync struct {
	session   *peer.Session
	tree      *blockchain.BlockTree
	publisher *ChainPublisher
}

// NewHeaderSync constructs a new HeaderSync.  See HeaderSync for details.
func NewHeaderSync(cfg *Config) *HeaderSync {
	return &HeaderSync{
		session:   cfg.Session,
		tree:      cfg.Tree,
		publisher: cfg.Publisher,
	}
}

// Run performs the header sync to completion.  It returns nil once the
// remote peer has been drained, a MisbehavingPeerError when the peer violates
// the sync protocol, and the underlying session error otherwise.
//
// The context is observed between network operations.  Cancelling it stops
// the sync at the next message boundary and leaves the partially-updated tree
// fully consistent; callers that need to interrupt a blocked read should
// additionally close the session.
func (hs *HeaderSync) Run(ctx context.Context) error {
	startHeight := hs.tree.ActiveChain().Height()
	log.Infof("Syncing headers from %s starting at height %d",
		hs.session.Addr(), startHeight)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		count, err := hs.syncBatch()
		if err != nil {
			return err
		}

		if hs.publisher != nil {
			hs.publisher.Publish(hs.tree.Snapshot())
		}

		// A response with fewer headers than the per-message maximum
		// means the peer has reached the end of its chain.
		if count < wire.MaxBlockHeadersPerMsg {
			break
		}
	}

	chain := hs.tree.ActiveChain()
	log.Infof("Header sync from %s complete at height %d (hash %v)",
		hs.session.Addr(), chain.Height(), chain.TipHash())
	return nil
}

// syncBatch performs a single locator/getheaders/headers round trip and
// returns the number of headers the peer sent.
func (hs *HeaderSync) syncBatch() (int, error) {
	locator := hs.tree.ActiveChain().LocatorHashes()

	// A zero stop hash requests as many headers as the peer can provide.
	getHeaders := wire.NewMsgGetHeaders()
	getHeaders.ProtocolVersion = hs.session.ProtocolVersion()
	getHeaders.HashStop = chainhash.Hash{}
	for _, hash := range locator {
		if err := getHeaders.AddBlockLocatorHash(hash); err != nil {
			return 0, err
		}
	}

	if err := hs.session.Send(getHeaders); err != nil {
		return 0, err
	}

	headersMsg, err := hs.recvHeaders()
	if err != nil {
		return 0, err
	}

	log.Debugf("Received %d headers from %s", len(headersMsg.Headers),
		hs.session.Addr())

	// Headers must be applied in received order: within a well-formed
	// response each header's parent is either already in the tree or an
	// earlier entry of the same message.
	for _, header := range headersMsg.Headers {
		err := hs.tree.TryAdd(header)
		if err != nil {
			var unknownParentErr *blockchain.UnknownParentError
			if errors.As(err, &unknownParentErr) {
				// The peer is required to continue from our
				// locator, so a header that does not connect
				// is proof of misbehavior rather than a
				// recoverable gap.
				return 0, &MisbehavingPeerError{
					Session: hs.session,
					Description: fmt.Sprintf("header %v does "+
						"not connect to the header chain",
						header.BlockHash()),
				}
			}
			return 0, err
		}
	}

	return len(headersMsg.Headers), nil
}

// recvHeaders reads messages from the session until a headers message
// arrives.  Protocol housekeeping that any long-lived connection must service
// (ping, unsolicited inv/addr/alert announcements) is handled inline; any
// other message in response to getheaders is treated as peer misbehavior.
func (hs *HeaderSync) recvHeaders() (*wire.MsgHeaders, error) {
	for {
		msg, err := hs.session.Recv()
		if err != nil {
			return nil, err
		}

		switch m := msg.(type) {
		case *wire.MsgHeaders:
			return m, nil

		case *wire.MsgPing:
			// Answer pings so the peer keeps the connection alive
			// across a long sync.
			if err := hs.session.Send(wire.NewMsgPong(m.Nonce)); err != nil {
				return nil, err
			}

		case *wire.MsgInv, *wire.MsgAddr, *wire.MsgAlert, *wire.MsgPong:
			// Unsolicited announcements are not part of the sync
			// conversation.  Ignore them.
			log.Tracef("Ignoring %s from %s during header sync",
				msg.Command(), hs.session.Addr())

		default:
			return nil, &MisbehavingPeerError{
				Session: hs.session,
				Description: fmt.Sprintf("unexpected [%s] in "+
					"response to getheaders", msg.Command()),
			}
		}
	}
}

// SyncHeaders performs an initial header download over the provided session,
// extending the provided tree until the remote peer has no more headers to
// offer.  It is a convenience wrapper around HeaderSync for callers that do
// not need snapshot publication.
func SyncHeaders(ctx context.Context, session *peer.Session,
	tree *blockchain.BlockTree) error {

	return NewHeaderSync(&Config{Session: session, Tree: tree}).Run(ctx)
}
