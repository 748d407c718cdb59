// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/spvorg/go-spvnode/chaincfg/chainhash"
)

// makeHeader is a convenience function to make a message header in the form
// of a byte slice.  It is used to force errors when reading messages.
func makeHeader(btcnet BitcoinNet, command string,
	payloadLen uint32, checksum uint32) []byte {

	// The length of a bitcoin message header is 24 bytes.
	// 4 byte magic number of the bitcoin network + 12 byte command + 4 byte
	// payload length + 4 byte checksum.
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf, uint32(btcnet))
	copy(buf[4:], []byte(command))
	binary.LittleEndian.PutUint32(buf[16:], payloadLen)
	binary.LittleEndian.PutUint32(buf[20:], checksum)
	return buf
}

// testMessages returns one populated instance of every supported message
// type along with its expected command string.
func testMessages(t *testing.T) []Message {
	t.Helper()

	// Create the various types of messages to test.

	// MsgVersion.
	addrYou := &net.TCPAddr{IP: net.ParseIP("192.168.0.1"), Port: 8333}
	you := NewNetAddress(addrYou, SFNodeNetwork)
	you.Timestamp = time.Time{} // Version message has zero value timestamp.
	addrMe := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8333}
	me := NewNetAddress(addrMe, SFNodeNetwork)
	me.Timestamp = time.Time{} // Version message has zero value timestamp.
	msgVersion := NewMsgVersion(me, you, 123123, 0)

	msgVerack := NewMsgVerAck()
	msgGetAddr := NewMsgGetAddr()

	msgAddr := NewMsgAddr()
	msgAddr.AddAddress(NewNetAddressTimestamp(time.Unix(0x495fab29, 0),
		SFNodeNetwork, net.ParseIP("10.0.0.1"), 8333))

	hash, err := chainhash.NewHashFromStr("000000000019d6689c085ae1" +
		"65831e934ff763ae46a2a6c172b3f1b60a8ce26f")
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}

	msgInv := NewMsgInv()
	msgInv.AddInvVect(NewInvVect(InvTypeBlock, hash))

	msgGetData := NewMsgGetData()
	msgGetData.AddInvVect(NewInvVect(InvTypeTx, hash))

	msgNotFound := NewMsgNotFound()
	msgNotFound.AddInvVect(NewInvVect(InvTypeBlock, hash))

	msgGetBlocks := NewMsgGetBlocks(hash)
	msgGetBlocks.AddBlockLocatorHash(hash)

	msgGetHeaders := NewMsgGetHeaders()
	msgGetHeaders.ProtocolVersion = ProtocolVersion
	msgGetHeaders.AddBlockLocatorHash(hash)
	msgGetHeaders.HashStop = chainhash.Hash{}

	header := NewBlockHeader(1, hash, hash, 0x1d00ffff, 0x9962e301)
	header.Timestamp = time.Unix(0x495fab29, 0)

	msgHeaders := NewMsgHeaders()
	msgHeaders.AddBlockHeader(header)

	msgTx := NewMsgTx(TxVersion)
	msgTx.AddTxIn(NewTxIn(NewOutPoint(hash, 0), []byte{0x04, 0x31, 0x32},
		nil))
	msgTx.AddTxOut(NewTxOut(5000000000, []byte{0x41, 0x04, 0xd6}))

	msgBlock := NewMsgBlock(header)
	msgBlock.AddTransaction(msgTx.Copy())

	msgPing := NewMsgPing(123123)
	msgPong := NewMsgPong(123123)
	msgAlert := NewMsgAlert([]byte("payload"), []byte("signature"))
	msgMemPool := NewMsgMemPool()

	return []Message{
		msgVersion, msgVerack, msgGetAddr, msgAddr, msgInv, msgGetData,
		msgNotFound, msgGetBlocks, msgGetHeaders, msgHeaders, msgTx,
		msgBlock, msgPing, msgPong, msgAlert, msgMemPool,
	}
}

// TestMessage tests the Read/WriteMessage API for every supported message
// type by performing a write/read round trip and ensuring the result deep
// equals the original.
func TestMessage(t *testing.T) {
	pver := ProtocolVersion
	btcnet := MainNet

	tests := testMessages(t)
	t.Logf("Running %d tests", len(tests))
	for i, msg := range tests {
		// Encode to wire format.
		var buf bytes.Buffer
		nw, err := WriteMessageN(&buf, msg, pver, btcnet)
		if err != nil {
			t.Errorf("WriteMessage #%d (%s) error %v", i,
				msg.Command(), err)
			continue
		}

		// Ensure the number of bytes written match the expected
		// total of header and payload.
		if nw != buf.Len() {
			t.Errorf("WriteMessage #%d (%s) unexpected num bytes "+
				"written - got %d, want %d", i, msg.Command(),
				nw, buf.Len())
		}

		// Decode from wire format.
		rbuf := bytes.NewReader(buf.Bytes())
		nr, readMsg, _, err := ReadMessageN(rbuf, pver, btcnet)
		if err != nil {
			t.Errorf("ReadMessage #%d (%s) error %v, msg %v", i,
				msg.Command(), err, spew.Sdump(msg))
			continue
		}
		if !reflect.DeepEqual(msg, readMsg) {
			t.Errorf("ReadMessage #%d (%s) wrong message - got %v, "+
				"want %v", i, msg.Command(), spew.Sdump(readMsg),
				spew.Sdump(msg))
			continue
		}

		// Ensure the number of bytes read match.
		if nr != buf.Len() {
			t.Errorf("ReadMessage #%d (%s) unexpected num bytes "+
				"read - got %d, want %d", i, msg.Command(), nr,
				buf.Len())
		}
	}
}

// TestDecodeMessage tests the buffer based decode path for every supported
// message type and ensures the reported consumed byte count exactly covers
// the frame.
func TestDecodeMessage(t *testing.T) {
	pver := ProtocolVersion
	btcnet := MainNet

	for i, msg := range testMessages(t) {
		encoded, err := EncodeMessage(msg, pver, btcnet)
		if err != nil {
			t.Errorf("EncodeMessage #%d (%s) error %v", i,
				msg.Command(), err)
			continue
		}

		// Append the start of another frame to ensure the decoder
		// only consumes the first message.
		buf := append([]byte{}, encoded...)
		buf = append(buf, 0xf9, 0xbe, 0xb4)

		decoded, n, err := DecodeMessage(buf, pver, btcnet)
		if err != nil {
			t.Errorf("DecodeMessage #%d (%s) error %v", i,
				msg.Command(), err)
			continue
		}
		if n != len(encoded) {
			t.Errorf("DecodeMessage #%d (%s) consumed %d bytes, "+
				"want %d", i, msg.Command(), n, len(encoded))
			continue
		}
		if !reflect.DeepEqual(msg, decoded) {
			t.Errorf("DecodeMessage #%d (%s) wrong message - got "+
				"%v, want %v", i, msg.Command(),
				spew.Sdump(decoded), spew.Sdump(msg))
		}
	}
}

// TestDecodeMessagePartial ensures feeding the buffer based decoder a frame
// one byte at a time produces exactly the same message sequence as decoding
// the full buffer at once.
func TestDecodeMessagePartial(t *testing.T) {
	pver := ProtocolVersion
	btcnet := MainNet

	// Encode several messages back to back.
	msgs := []Message{
		NewMsgPing(0x1122334455667788),
		NewMsgVerAck(),
		NewMsgPong(42),
		NewMsgGetAddr(),
	}
	var stream []byte
	for _, msg := range msgs {
		encoded, err := EncodeMessage(msg, pver, btcnet)
		if err != nil {
			t.Fatalf("EncodeMessage (%s): %v", msg.Command(), err)
		}
		stream = append(stream, encoded...)
	}

	// Feed the stream one byte at a time, draining complete messages as
	// they become available.
	var buf []byte
	var partialMsgs []Message
	for _, b := range stream {
		buf = append(buf, b)
		for {
			msg, n, err := DecodeMessage(buf, pver, btcnet)
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if msg == nil {
				// Need more data.
				if n != 0 {
					t.Fatalf("DecodeMessage consumed %d "+
						"bytes without a message", n)
				}
				break
			}
			buf = buf[n:]
			partialMsgs = append(partialMsgs, msg)
		}
	}
	if len(buf) != 0 {
		t.Fatalf("%d bytes left undecoded", len(buf))
	}

	// Decode the full stream at once for comparison.
	var fullMsgs []Message
	remaining := stream
	for len(remaining) > 0 {
		msg, n, err := DecodeMessage(remaining, pver, btcnet)
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		if msg == nil {
			t.Fatalf("incomplete message in full buffer")
		}
		remaining = remaining[n:]
		fullMsgs = append(fullMsgs, msg)
	}

	if !reflect.DeepEqual(partialMsgs, fullMsgs) {
		t.Fatalf("byte at a time decoding mismatch - got %v, want %v",
			spew.Sdump(partialMsgs), spew.Sdump(fullMsgs))
	}
}

// TestDecodeMessageWrongNetwork ensures a frame carrying a different network
// magic is rejected with a message error no matter how the magic differs.
func TestDecodeMessageWrongNetwork(t *testing.T) {
	pver := ProtocolVersion

	encoded, err := EncodeMessage(NewMsgVerAck(), pver, MainNet)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	// Flipping any bit of the magic must produce a mismatch error.
	for bit := 0; bit < 32; bit++ {
		buf := append([]byte{}, encoded...)
		buf[bit/8] ^= 1 << (bit % 8)

		_, _, err := DecodeMessage(buf, pver, MainNet)
		if _, ok := err.(*MessageError); !ok {
			t.Fatalf("flipped magic bit %d: expected MessageError, "+
				"got %v", bit, err)
		}
		if !strings.Contains(err.Error(), "message from other network") {
			t.Fatalf("flipped magic bit %d: wrong error: %v", bit, err)
		}
	}

	// The same frame decodes fine against the network it was encoded for.
	if _, _, err := DecodeMessage(encoded, pver, MainNet); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}

	// And is rejected outright when the decoder expects another network.
	_, _, err = DecodeMessage(encoded, pver, TestNet3)
	if _, ok := err.(*MessageError); !ok {
		t.Fatalf("expected MessageError for wrong network, got %v", err)
	}
}

// TestDecodeMessageBadChecksum ensures flipping any payload bit causes a
// checksum failure.
func TestDecodeMessageBadChecksum(t *testing.T) {
	pver := ProtocolVersion
	btcnet := MainNet

	encoded, err := EncodeMessage(NewMsgPing(0xdeadbeefcafebabe), pver, btcnet)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	payloadLen := len(encoded) - MessageHeaderSize
	for bit := 0; bit < payloadLen*8; bit++ {
		buf := append([]byte{}, encoded...)
		buf[MessageHeaderSize+bit/8] ^= 1 << (bit % 8)

		_, _, err := DecodeMessage(buf, pver, btcnet)
		if _, ok := err.(*MessageError); !ok {
			t.Fatalf("flipped payload bit %d: expected "+
				"MessageError, got %v", bit, err)
		}
		if !strings.Contains(err.Error(), "checksum") {
			t.Fatalf("flipped payload bit %d: wrong error: %v", bit,
				err)
		}
	}
}

// TestDecodeMessageUnknownCommand ensures an unknown command in an otherwise
// well formed frame is rejected.
func TestDecodeMessageUnknownCommand(t *testing.T) {
	pver := ProtocolVersion
	btcnet := MainNet

	// An empty payload has a well-known checksum.
	checksum := chainhash.DoubleHashB(nil)[0:4]
	buf := makeHeader(btcnet, "bogus", 0, binary.LittleEndian.Uint32(checksum))

	_, _, err := DecodeMessage(buf, pver, btcnet)
	if _, ok := err.(*MessageError); !ok {
		t.Fatalf("expected MessageError for unknown command, got %v", err)
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("error does not identify the command: %v", err)
	}
}

// TestDecodeMessageTrailingBytes ensures a frame whose payload is not fully
// consumed by the message decoder is rejected.
func TestDecodeMessageTrailingBytes(t *testing.T) {
	pver := ProtocolVersion
	btcnet := MainNet

	// A verack has no payload, so any payload bytes must be trailing.
	payload := []byte{0x01, 0x02, 0x03}
	checksum := chainhash.DoubleHashB(payload)[0:4]
	buf := makeHeader(btcnet, "verack", uint32(len(payload)),
		binary.LittleEndian.Uint32(checksum))
	buf = append(buf, payload...)

	_, _, err := DecodeMessage(buf, pver, btcnet)
	if _, ok := err.(*MessageError); !ok {
		t.Fatalf("expected MessageError for trailing bytes, got %v", err)
	}
	if !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("wrong error for trailing bytes: %v", err)
	}
}

// TestReadMessageWrongNetwork ensures the stream based reader rejects frames
// from the wrong network as well.
func TestReadMessageWrongNetwork(t *testing.T) {
	pver := ProtocolVersion

	encoded, err := EncodeMessage(NewMsgVerAck(), pver, TestNet3)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	_, _, err = ReadMessage(bytes.NewReader(encoded), pver, MainNet)
	if _, ok := err.(*MessageError); !ok {
		t.Fatalf("expected MessageError, got %v", err)
	}
}

// TestMessageOversizedPayload ensures messages which claim a payload larger
// than the maximum are rejected without allocating the payload.
func TestMessageOversizedPayload(t *testing.T) {
	pver := ProtocolVersion
	btcnet := MainNet

	buf := makeHeader(btcnet, "getaddr", MaxMessagePayload+1, 0)
	_, _, err := DecodeMessage(buf, pver, btcnet)
	if _, ok := err.(*MessageError); !ok {
		t.Fatalf("expected MessageError for oversized payload, got %v",
			err)
	}
}
