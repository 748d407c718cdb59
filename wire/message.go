// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/spvorg/go-spvnode/chaincfg/chainhash"
)

// MessageHeaderSize is the number of bytes in a bitcoin message header.
// Bitcoin network (magic) 4 bytes + command 12 bytes + payload length 4 bytes +
// checksum 4 bytes.
const MessageHeaderSize = 24

// CommandSize is the fixed size of all commands in the common bitcoin message
// header.  Shorter commands must be zero padded.
const CommandSize = 12

// MaxMessagePayload is the maximum bytes a message can be regardless of other
// individual limits imposed by messages themselves.
const MaxMessagePayload = (1024 * 1024 * 32) // 32MB

// Commands used in bitcoin message headers which describe the type of message.
const (
	CmdVersion    = "version"
	CmdVerAck     = "verack"
	CmdGetAddr    = "getaddr"
	CmdAddr       = "addr"
	CmdGetBlocks  = "getblocks"
	CmdInv        = "inv"
	CmdGetData    = "getdata"
	CmdNotFound   = "notfound"
	CmdBlock      = "block"
	CmdTx         = "tx"
	CmdGetHeaders = "getheaders"
	CmdHeaders    = "headers"
	CmdPing       = "ping"
	CmdPong       = "pong"
	CmdAlert      = "alert"
	CmdMemPool    = "mempool"
)

// MessageEncoding represents the wire message encoding format to be used.
type MessageEncoding uint32

const (
	// BaseEncoding encodes all messages in the default format specified
	// for the bitcoin wire protocol.
	BaseEncoding MessageEncoding = 1 << iota

	// WitnessEncoding encodes all messages other than transaction messages
	// using the default bitcoin wire protocol specification.  For transaction
	// messages, the new encoding format detailed in BIP0144 will be used.
	WitnessEncoding
)

// LatestEncoding is the most recently specified encoding for the bitcoin wire
// protocol.
var LatestEncoding = WitnessEncoding

// Message is an interface that describes a bitcoin message.  A type that
// implements Message has complete control over the representation of its data
// and may therefore contain additional or fewer fields than those which
// are used directly in the protocol encoded message.
type Message interface {
	BtcDecode(io.Reader, uint32, MessageEncoding) error
	BtcEncode(io.Writer, uint32, MessageEncoding) error
	Command() string
	MaxPayloadLength(uint32) uint32
}

// makeEmptyMessage creates a message of the appropriate concrete type based
// on the command.
func makeEmptyMessage(command string) (Message, error) {
	var msg Message
	switch command {
	case CmdVersion:
		msg = &MsgVersion{}

	case CmdVerAck:
		msg = &MsgVerAck{}

	case CmdGetAddr:
		msg = &MsgGetAddr{}

	case CmdAddr:
		msg = &MsgAddr{}

	case CmdGetBlocks:
		msg = &MsgGetBlocks{}

	case CmdBlock:
		msg = &MsgBlock{}

	case CmdInv:
		msg = &MsgInv{}

	case CmdGetData:
		msg = &MsgGetData{}

	case CmdNotFound:
		msg = &MsgNotFound{}

	case CmdTx:
		msg = &MsgTx{}

	case CmdPing:
		msg = &MsgPing{}

	case CmdPong:
		msg = &MsgPong{}

	case CmdGetHeaders:
		msg = &MsgGetHeaders{}

	case CmdHeaders:
		msg = &MsgHeaders{}

	case CmdAlert:
		msg = &MsgAlert{}

	case CmdMemPool:
		msg = &MsgMemPool{}

	default:
		return nil, messageError("makeEmptyMessage",
			fmt.Sprintf("unhandled command [%s]", command))
	}
	return msg, nil
}

// messageHeader defines the header structure for all bitcoin protocol
// messages.
type messageHeader struct {
	magic    BitcoinNet // 4 bytes
	command  string     // 12 bytes
	length   uint32     // 4 bytes
	checksum [4]byte    // 4 bytes
}

// readMessageHeader reads a bitcoin message header from r.
func readMessageHeader(r io.Reader) (int, *messageHeader, error) {
	// Since readElement requires the reader and we need the entire header
	// anyways, it's easier and slightly faster to read the full thing at
	// once and deserialize from the resulting byte slice.
	var headerBytes [MessageHeaderSize]byte
	n, err := io.ReadFull(r, headerBytes[:])
	if err != nil {
		return n, nil, err
	}

	hdr, err := parseMessageHeader(headerBytes[:])
	if err != nil {
		return n, nil, err
	}
	return n, hdr, nil
}

// parseMessageHeader deserializes a bitcoin message header from the provided
// byte slice which MUST be exactly MessageHeaderSize bytes.
func parseMessageHeader(headerBytes []byte) (*messageHeader, error) {
	hr := bytes.NewReader(headerBytes)

	// Create and populate a messageHeader struct from the raw header bytes.
	hdr := messageHeader{}
	var command [CommandSize]byte
	magic, err := binarySerializer.Uint32(hr, littleEndian)
	if err != nil {
		return nil, err
	}
	hdr.magic = BitcoinNet(magic)
	if _, err := io.ReadFull(hr, command[:]); err != nil {
		return nil, err
	}
	hdr.length, err = binarySerializer.Uint32(hr, littleEndian)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(hr, hdr.checksum[:]); err != nil {
		return nil, err
	}

	// Strip trailing zeros from command string.
	hdr.command = string(bytes.TrimRight(command[:], "\x00"))
	return &hdr, nil
}

// discardInput reads n bytes from reader r in chunks and discards the read
// bytes.  This is used to skip payloads when various errors occur and helps
// prevent rogue nodes from causing massive memory allocation through forging
// header length.
func discardInput(r io.Reader, n uint32) {
	maxSize := uint32(10 * 1024) // 10k at a time
	numReads := n / maxSize
	bytesRemaining := n % maxSize
	if n > 0 {
		buf := make([]byte, maxSize)
		for i := uint32(0); i < numReads; i++ {
			io.ReadFull(r, buf)
		}
	}
	if bytesRemaining > 0 {
		buf := make([]byte, bytesRemaining)
		io.ReadFull(r, buf)
	}
}

// validateMessageHeader performs the context free sanity checks on a parsed
// message header which are shared between the stream based and buffer based
// message decoding paths.
func validateMessageHeader(op string, hdr *messageHeader, btcnet BitcoinNet) error {
	// Check for messages from the wrong bitcoin network.
	if hdr.magic != btcnet {
		str := fmt.Sprintf("message from other network [expected %v, "+
			"got %v]", btcnet, hdr.magic)
		return messageError(op, str)
	}

	// Enforce maximum message payload.
	if hdr.length > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d "+
			"bytes.", hdr.length, MaxMessagePayload)
		return messageError(op, str)
	}

	// Check for malformed commands.
	if !utf8.ValidString(hdr.command) {
		str := fmt.Sprintf("invalid command %v", []byte(hdr.command))
		return messageError(op, str)
	}

	return nil
}

// decodePayload verifies the payload checksum against the header and unmarshals
// the payload into a concrete message, enforcing that the decoder consumes the
// payload exactly.
func decodePayload(op string, hdr *messageHeader, payload []byte, pver uint32,
	enc MessageEncoding) (Message, error) {

	// Test checksum.
	checksum := chainhash.DoubleHashB(payload)[0:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		str := fmt.Sprintf("payload checksum failed - header "+
			"indicates %v, but actual checksum is %v.",
			hdr.checksum, checksum)
		return nil, messageError(op, str)
	}

	// Create struct of appropriate message type based on the command.
	// Note that the unknown command check happens after the checksum so a
	// corrupt frame is never dispatched.
	msg, err := makeEmptyMessage(hdr.command)
	if err != nil {
		return nil, messageError(op, err.Error())
	}

	// Unmarshal message.  NOTE: This must be a *bytes.Buffer since the
	// MsgVersion BtcDecode function requires it.
	pr := bytes.NewBuffer(payload)
	err = msg.BtcDecode(pr, pver, enc)
	if err != nil {
		return nil, err
	}

	// The decoder must consume exactly the advertised payload.  Residual
	// bytes mean the peer padded the frame or the decode went off the
	// rails, either of which poisons the stream.
	if pr.Len() != 0 {
		str := fmt.Sprintf("payload for command [%s] has %d trailing "+
			"bytes", hdr.command, pr.Len())
		return nil, messageError(op, str)
	}

	return msg, nil
}

// WriteMessageN writes a bitcoin Message to w including the necessary header
// information and returns the number of bytes written.    This function is the
// same as WriteMessage except it also returns the number of bytes written.
func WriteMessageN(w io.Writer, msg Message, pver uint32, btcnet BitcoinNet) (int, error) {
	return WriteMessageWithEncodingN(w, msg, pver, btcnet, BaseEncoding)
}

// WriteMessage writes a bitcoin Message to w including the necessary header
// information.  This function is the same as WriteMessageN except it doesn't
// doesn't return the number of bytes written.  This function is mainly provided
// for backwards compatibility with the original API, but it's also useful for
// callers that don't care about byte counts.
func WriteMessage(w io.Writer, msg Message, pver uint32, btcnet BitcoinNet) error {
	_, err := WriteMessageN(w, msg, pver, btcnet)
	return err
}

// WriteMessageWithEncodingN writes a bitcoin Message to w including the
// necessary header information and returns the number of bytes written.
// This function is the same as WriteMessageN except it also allows the caller
// to specify the message encoding format to be used when serializing wire
// messages.
func WriteMessageWithEncodingN(w io.Writer, msg Message, pver uint32,
	btcnet BitcoinNet, encoding MessageEncoding) (int, error) {

	totalBytes := 0

	// Enforce max command size.
	var command [CommandSize]byte
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]",
			cmd, CommandSize)
		return totalBytes, messageError("WriteMessage", str)
	}
	copy(command[:], []byte(cmd))

	// Serialize the payload.
	var bw bytes.Buffer
	err := msg.BtcEncode(&bw, pver, encoding)
	if err != nil {
		return totalBytes, err
	}
	payload := bw.Bytes()
	lenp := len(payload)

	// Enforce maximum overall message payload.
	if lenp > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			lenp, MaxMessagePayload)
		return totalBytes, messageError("WriteMessage", str)
	}

	// Enforce maximum message payload based on the message type.
	mpl := msg.MaxPayloadLength(pver)
	if uint32(lenp) > mpl {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload size for "+
			"messages of type [%s] is %d.", lenp, cmd, mpl)
		return totalBytes, messageError("WriteMessage", str)
	}

	// Create header for the message.
	hdr := messageHeader{}
	hdr.magic = btcnet
	hdr.command = cmd
	hdr.length = uint32(lenp)
	copy(hdr.checksum[:], chainhash.DoubleHashB(payload)[0:4])

	// Encode the header for the message.  This is done to a buffer
	// rather than directly to the writer since writeElements doesn't
	// return the number of bytes written.
	hw := bytes.NewBuffer(make([]byte, 0, MessageHeaderSize))
	binarySerializer.PutUint32(hw, littleEndian, uint32(hdr.magic))
	hw.Write(command[:])
	binarySerializer.PutUint32(hw, littleEndian, hdr.length)
	hw.Write(hdr.checksum[:])

	// Write header.
	n, err := w.Write(hw.Bytes())
	totalBytes += n
	if err != nil {
		return totalBytes, err
	}

	// Only write the payload if there is one, e.g., verack messages don't
	// have one.
	if len(payload) > 0 {
		n, err = w.Write(payload)
		totalBytes += n
	}

	return totalBytes, err
}

// ReadMessageWithEncodingN reads, validates, and parses the next bitcoin
// Message from r for the provided protocol version and bitcoin network.  It
// returns the number of bytes read in addition to the parsed Message and raw
// bytes which comprise the message.  This function is the same as ReadMessageN
// except it allows the caller to specify which message encoding is to to
// consult when decoding wire messages.
func ReadMessageWithEncodingN(r io.Reader, pver uint32, btcnet BitcoinNet,
	enc MessageEncoding) (int, Message, []byte, error) {

	totalBytes := 0
	n, hdr, err := readMessageHeader(r)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	if err := validateMessageHeader("ReadMessage", hdr, btcnet); err != nil {
		if hdr.length <= MaxMessagePayload {
			discardInput(r, hdr.length)
		}
		return totalBytes, nil, nil, err
	}

	// Read payload.
	payload := make([]byte, hdr.length)
	n, err = io.ReadFull(r, payload)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	msg, err := decodePayload("ReadMessage", hdr, payload, pver, enc)
	if err != nil {
		return totalBytes, nil, nil, err
	}

	return totalBytes, msg, payload, nil
}

// ReadMessageN reads, validates, and parses the next bitcoin Message from r
// for the provided protocol version and bitcoin network.  It returns the
// number of bytes read in addition to the parsed Message and raw bytes which
// comprise the message.  This function is the same as ReadMessage except it
// also returns the number of bytes read.
func ReadMessageN(r io.Reader, pver uint32, btcnet BitcoinNet) (int, Message, []byte, error) {
	return ReadMessageWithEncodingN(r, pver, btcnet, BaseEncoding)
}

// ReadMessage reads, validates, and parses the next bitcoin Message from r for
// the provided protocol version and bitcoin network.  It returns the parsed
// Message and raw bytes which comprise the message.  This function only
// differs from ReadMessageN in that it doesn't return the number of bytes
// read.  This function is mainly provided for backwards compatibility with
// the original API, but it's also useful for callers that don't care about
// byte counts.
func ReadMessage(r io.Reader, pver uint32, btcnet BitcoinNet) (Message, []byte, error) {
	_, msg, buf, err := ReadMessageN(r, pver, btcnet)
	return msg, buf, err
}

// DecodeMessage attempts to decode a single bitcoin Message from the leading
// bytes of buf for the provided protocol version and bitcoin network.  It is
// tolerant of partial buffers, which makes it suitable for use directly on
// top of a TCP receive buffer: when buf does not yet contain a complete
// frame, it returns (nil, 0, nil) and the caller should read more bytes and
// try again.
//
// On success it returns the parsed Message along with the number of bytes
// consumed, which the caller must remove from the front of buf.  A non-nil
// error indicates an unrecoverable stream error (wrong network magic, bad
// checksum, unknown command, or a malformed payload) and the connection
// should be dropped.
func DecodeMessage(buf []byte, pver uint32, btcnet BitcoinNet) (Message, int, error) {
	return DecodeMessageWithEncoding(buf, pver, btcnet, BaseEncoding)
}

// DecodeMessageWithEncoding is the same as DecodeMessage except it allows the
// caller to specify which message encoding to consult when decoding wire
// messages.
func DecodeMessageWithEncoding(buf []byte, pver uint32, btcnet BitcoinNet,
	enc MessageEncoding) (Message, int, error) {

	// Need more data until the fixed size header is present.
	if len(buf) < MessageHeaderSize {
		return nil, 0, nil
	}

	hdr, err := parseMessageHeader(buf[:MessageHeaderSize])
	if err != nil {
		return nil, 0, err
	}

	if err := validateMessageHeader("DecodeMessage", hdr, btcnet); err != nil {
		return nil, 0, err
	}

	// Need more data until the full payload is present.
	totalLen := MessageHeaderSize + int(hdr.length)
	if len(buf) < totalLen {
		return nil, 0, nil
	}

	payload := buf[MessageHeaderSize:totalLen]
	msg, err := decodePayload("DecodeMessage", hdr, payload, pver, enc)
	if err != nil {
		return nil, 0, err
	}

	return msg, totalLen, nil
}

// EncodeMessage serializes a bitcoin Message, including the framing header,
// and returns the resulting bytes.  Encoding never fails for valid payloads;
// the errors it can return mirror those of WriteMessage such as oversized
// payloads.
func EncodeMessage(msg Message, pver uint32, btcnet BitcoinNet) ([]byte, error) {
	return EncodeMessageWithEncoding(msg, pver, btcnet, BaseEncoding)
}

// EncodeMessageWithEncoding is the same as EncodeMessage except it allows the
// caller to specify the message encoding format to be used when serializing
// wire messages.
func EncodeMessageWithEncoding(msg Message, pver uint32, btcnet BitcoinNet,
	enc MessageEncoding) ([]byte, error) {

	var buf bytes.Buffer
	_, err := WriteMessageWithEncodingN(&buf, msg, pver, btcnet, enc)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
