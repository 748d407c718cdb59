// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"sync"

	"github.com/spvorg/go-spvnode/blockchain"
)

// ChainPublisher fans chain snapshots out to any number of subscribers, each
// with its own bounded mailbox.  Publication is lossy per subscriber: when a
// subscriber's mailbox is full the update is dropped for that subscriber
// only, so a slow consumer can never stall the sync loop or its peers.
type ChainPublisher struct {
	mtx         sync.Mutex
	subscribers []chan *blockchain.Snapshot
}

// NewChainPublisher returns a new publisher with no subscribers.
func NewChainPublisher() *ChainPublisher {
	return &ChainPublisher{}
}

// Subscribe registers a new subscriber and returns the channel updates are
// delivered on.  The channel's buffer holds at most the provided number of
// undelivered snapshots; further updates are dropped until the subscriber
// catches up.  A non-positive buffer is treated as one.
func (p *ChainPublisher) Subscribe(buffer int) <-chan *blockchain.Snapshot {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *blockchain.Snapshot, buffer)

	p.mtx.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mtx.Unlock()

	return ch
}

// Unsubscribe removes the provided subscription channel and closes it.  It is
// a no-op when the channel is not subscribed.
func (p *ChainPublisher) Unsubscribe(sub <-chan *blockchain.Snapshot) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for i, ch := range p.subscribers {
		if ch == sub {
			p.subscribers = append(p.subscribers[:i],
				p.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// NumSubscribers returns the number of active subscribers.
func (p *ChainPublisher) NumSubscribers() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.subscribers)
}

// Publish delivers the snapshot to every subscriber whose mailbox has room.
// Subscribers whose mailbox is full simply miss this update.
func (p *ChainPublisher) Publish(snapshot *blockchain.Snapshot) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, ch := range p.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Mailbox full.  Drop the update for this subscriber.
			log.Debugf("Dropping chain snapshot at height %d for "+
				"slow subscriber", snapshot.Height())
		}
	}
}

// Close unsubscribes and closes every subscriber channel.
func (p *ChainPublisher) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
}
