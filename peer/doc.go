// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package peer provides an outbound bitcoin network session.

A Session wraps a TCP connection to a remote bitcoin node.  Connect dials the
remote address and performs the version/verack handshake before returning, so
a non-nil Session is always ready for typed message exchange via Send and
Recv.  The handshake is bounded by a configurable deadline and any deviation
from the expected message sequence fails the connection with ErrInvalidPeer.

A session supports one in-flight send and one in-flight receive at a time;
concurrent calls in the same direction serialize.  Messages are written in
call order and delivered in arrival order, matching the ordering guarantees
of the underlying transport.
*/
package peer
