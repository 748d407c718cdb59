// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spvorg/go-spvnode/chaincfg"
	"github.com/spvorg/go-spvnode/wire"
)

// testCfg returns a session config suitable for handshakes over an in-memory
// connection.
func testCfg() *Config {
	return &Config{
		ChainParams:      &chaincfg.SimNetParams,
		UserAgentName:    "sessiontest",
		UserAgentVersion: "1.0.0",
		HandshakeTimeout: 5 * time.Second,
	}
}

// remoteVersionMsg builds a version message as a remote peer would send it.
func remoteVersionMsg(t *testing.T, nonce uint64) *wire.MsgVersion {
	t.Helper()

	na := wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 18555, 0)
	msg := wire.NewMsgVersion(na, na, nonce, 0)
	msg.UserAgent = "/remotetest:1.0.0/"
	return msg
}

// serveHandshake performs a well behaved remote side of the version
// handshake over conn.
func serveHandshake(t *testing.T, conn net.Conn, btcnet wire.BitcoinNet) {
	t.Helper()

	pver := wire.ProtocolVersion

	// Expect version.
	msg, _, err := wire.ReadMessage(conn, pver, btcnet)
	require.NoError(t, err)
	_, ok := msg.(*wire.MsgVersion)
	require.True(t, ok, "expected version, got %s", msg.Command())

	// Send our version.
	err = wire.WriteMessage(conn, remoteVersionMsg(t, 0x1234), pver, btcnet)
	require.NoError(t, err)

	// Expect verack.
	msg, _, err = wire.ReadMessage(conn, pver, btcnet)
	require.NoError(t, err)
	_, ok = msg.(*wire.MsgVerAck)
	require.True(t, ok, "expected verack, got %s", msg.Command())

	// Send verack.
	err = wire.WriteMessage(conn, wire.NewMsgVerAck(), pver, btcnet)
	require.NoError(t, err)
}

// TestSessionHandshake covers the happy path version negotiation.
func TestSessionHandshake(t *testing.T) {
	localConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveHandshake(t, remoteConn, wire.SimNet)
	}()

	session, err := NewSessionFromConn(localConn, testCfg())
	require.NoError(t, err)
	defer session.Close()
	<-done

	require.Equal(t, StateReady, session.State())
	require.NotNil(t, session.RemoteVersion())
	require.Equal(t, "/remotetest:1.0.0/", session.RemoteVersion().UserAgent)
	require.Equal(t, wire.ProtocolVersion, session.ProtocolVersion())
}

// TestSessionHandshakeWrongFirstMessage ensures a peer that does not lead
// with a version message is rejected.
func TestSessionHandshakeWrongFirstMessage(t *testing.T) {
	localConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	go func() {
		pver := wire.ProtocolVersion

		// Read the local version then reply with a verack instead of
		// a version message.
		_, _, err := wire.ReadMessage(remoteConn, pver, wire.SimNet)
		if err != nil {
			return
		}
		wire.WriteMessage(remoteConn, wire.NewMsgVerAck(), pver,
			wire.SimNet)
	}()

	_, err := NewSessionFromConn(localConn, testCfg())
	require.ErrorIs(t, err, ErrInvalidPeer)
}

// TestSessionHandshakeMissingVerack ensures a peer that never acknowledges
// the handshake is rejected.
func TestSessionHandshakeMissingVerack(t *testing.T) {
	localConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	go func() {
		pver := wire.ProtocolVersion

		// Complete the version exchange but respond to the verack
		// with a ping.
		_, _, err := wire.ReadMessage(remoteConn, pver, wire.SimNet)
		if err != nil {
			return
		}
		wire.WriteMessage(remoteConn, remoteVersionMsg(t, 0x4321),
			pver, wire.SimNet)
		_, _, err = wire.ReadMessage(remoteConn, pver, wire.SimNet)
		if err != nil {
			return
		}
		wire.WriteMessage(remoteConn, wire.NewMsgPing(7), pver,
			wire.SimNet)
	}()

	_, err := NewSessionFromConn(localConn, testCfg())
	require.ErrorIs(t, err, ErrInvalidPeer)
}

// TestSessionHandshakeTimeout ensures a silent peer fails the handshake with
// the timeout error once the deadline expires.
func TestSessionHandshakeTimeout(t *testing.T) {
	localConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	go func() {
		// Consume the version message and then go silent.
		wire.ReadMessage(remoteConn, wire.ProtocolVersion, wire.SimNet)
	}()

	cfg := testCfg()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	_, err := NewSessionFromConn(localConn, cfg)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
}

// TestSessionSendRecv covers typed message exchange after the handshake and
// the EOF mapping on disconnect.
func TestSessionSendRecv(t *testing.T) {
	localConn, remoteConn := net.Pipe()

	go func() {
		pver := wire.ProtocolVersion
		serveHandshake(t, remoteConn, wire.SimNet)

		// Echo one ping as a pong, then hang up.
		msg, _, err := wire.ReadMessage(remoteConn, pver, wire.SimNet)
		if err != nil {
			return
		}
		ping, ok := msg.(*wire.MsgPing)
		if !ok {
			return
		}
		wire.WriteMessage(remoteConn, wire.NewMsgPong(ping.Nonce),
			pver, wire.SimNet)
		remoteConn.Close()
	}()

	session, err := NewSessionFromConn(localConn, testCfg())
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Send(wire.NewMsgPing(99)))

	msg, err := session.Recv()
	require.NoError(t, err)
	pong, ok := msg.(*wire.MsgPong)
	require.True(t, ok, "expected pong, got %s", msg.Command())
	require.Equal(t, uint64(99), pong.Nonce)

	// The remote hung up, so the next receive reports a closed
	// connection.
	_, err = session.Recv()
	require.ErrorIs(t, err, ErrConnectionClosed)
}

// TestSessionKnownInventory ensures inventory announced by the peer is
// tracked.
func TestSessionKnownInventory(t *testing.T) {
	localConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	hash := chaincfg.SimNetParams.GenesisHash
	go func() {
		pver := wire.ProtocolVersion
		serveHandshake(t, remoteConn, wire.SimNet)

		inv := wire.NewMsgInv()
		inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, hash))
		wire.WriteMessage(remoteConn, inv, pver, wire.SimNet)
	}()

	session, err := NewSessionFromConn(localConn, testCfg())
	require.NoError(t, err)
	defer session.Close()

	iv := wire.NewInvVect(wire.InvTypeBlock, hash)
	require.False(t, session.IsKnownInventory(iv))

	msg, err := session.Recv()
	require.NoError(t, err)
	require.Equal(t, "inv", msg.Command())
	require.True(t, session.IsKnownInventory(iv))
}
