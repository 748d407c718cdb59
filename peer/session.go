// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2025 The spvnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/lru"

	"github.com/spvorg/go-spvnode/chaincfg"
	"github.com/spvorg/go-spvnode/wire"
)

const (
	// MaxProtocolVersion is the max protocol version the session supports.
	MaxProtocolVersion = wire.ProtocolVersion

	// DefaultHandshakeTimeout is the duration of inactivity before the
	// version handshake is considered failed.
	DefaultHandshakeTimeout = 30 * time.Second

	// maxKnownInventory is the maximum number of items to keep in the
	// known inventory cache.
	maxKnownInventory = 1000
)

var (
	// ErrInvalidPeer describes an error where a peer did not follow the
	// version/verack handshake sequence.
	ErrInvalidPeer = errors.New("peer violated the version handshake")

	// ErrHandshakeTimeout describes an error where the remote peer did
	// not complete the version handshake before the configured deadline.
	ErrHandshakeTimeout = errors.New("handshake did not complete before deadline")

	// ErrConnectionClosed describes an error where the remote peer closed
	// the connection.
	ErrConnectionClosed = errors.New("peer connection closed")

	// sentNonces houses the unique nonces that are generated when pushing
	// version messages that are used to detect self connections.
	sentNonces = lru.NewCache(50)
)

// State describes the lifecycle of a session.  Transitions are strictly
// linear during the handshake and StateReady is the only long-lived state.
type State int32

// These constants define the possible states of a session.
const (
	StateDisconnected State = iota
	StateTCPOpen
	StateVersionSent
	StateVersionReceived
	StateVerackSent
	StateReady
	StateClosed
	StateFailed
)

// stateStrings is a map of session states back to their constant names for
// pretty printing.
var stateStrings = map[State]string{
	StateDisconnected:    "Disconnected",
	StateTCPOpen:         "TCPOpen",
	StateVersionSent:     "VersionSent",
	StateVersionReceived: "VersionReceived",
	StateVerackSent:      "VerackSent",
	StateReady:           "Ready",
	StateClosed:          "Closed",
	StateFailed:          "Failed",
}

// String returns the State in human-readable form.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", int32(s))
}

// Config is the struct to hold configuration options useful to a session.
type Config struct {
	// ChainParams identifies which chain parameters the session is
	// associated with.  It is highly recommended to specify this field,
	// however it can be omitted in which case the test network will be
	// used.
	ChainParams *chaincfg.Params

	// UserAgentName specifies the user agent name to advertise.  It is
	// highly recommended to specify this value.
	UserAgentName string

	// UserAgentVersion specifies the user agent version to advertise.  It
	// is highly recommended to specify this value and that it follows the
	// form "major.minor.revision" e.g. "2.6.41".
	UserAgentVersion string

	// UserAgentComments specify the user agent comments to advertise.
	// These values must not contain the illegal characters specified in
	// BIP 14: '/', ':', '(', ')'.
	UserAgentComments []string

	// Services specifies which services to advertise as supported by the
	// local peer.  This field can be omitted in which case it will be 0
	// and therefore advertise no supported services.
	Services wire.ServiceFlag

	// ProtocolVersion specifies the maximum protocol version to use and
	// advertise.  This field can be omitted in which case
	// peer.MaxProtocolVersion will be used.
	ProtocolVersion uint32

	// StartHeight specifies the height of the last known block of the
	// local node to advertise in the version message.
	StartHeight int32

	// HandshakeTimeout is the duration to wait for each step of the
	// version handshake before giving up.  Defaults to
	// DefaultHandshakeTimeout when zero.
	HandshakeTimeout time.Duration

	// Dial specifies an optional dial function for creating the TCP
	// connection.  Overriding this is how connections are established
	// through a proxy.  It defaults to net.DialTimeout bounded by
	// HandshakeTimeout.
	Dial func(network, addr string) (net.Conn, error)
}

// chainParams returns the configured chain parameters, defaulting to the test
// network when unset so that misconfiguration never accidentally talks to
// mainnet.
func (cfg *Config) chainParams() *chaincfg.Params {
	if cfg.ChainParams == nil {
		return &chaincfg.TestNet3Params
	}
	return cfg.ChainParams
}

// Session represents an established connection to a remote bitcoin peer over
// which typed wire messages can be exchanged.  A session is created with
// Connect, which performs the version handshake before returning.
//
// Send and Recv are each guarded by their own mutex, so one send and one
// receive may be in flight concurrently, but two concurrent sends or two
// concurrent receives serialize.
type Session struct {
	cfg Config

	conn net.Conn
	addr string

	// state is updated atomically so observers may inspect it without
	// holding either direction's mutex.
	state int32

	// protocolVersion is negotiated during the handshake as the minimum
	// of the local and remote versions.
	protocolVersion uint32

	// remoteVersion is the version message advertised by the remote peer
	// during the handshake.  It is immutable once the session is ready.
	remoteVersion *wire.MsgVersion

	sendMtx sync.Mutex
	recvMtx sync.Mutex

	// knownInventory tracks inventory the remote peer has announced so
	// callers can avoid requesting or relaying duplicates.
	knownInventory lru.Cache

	closeOnce sync.Once
}

// Connect establishes a TCP connection to the provided address and performs
// the bitcoin version handshake: it sends a version message, requires a
// version message in response, sends a verack, and requires a verack in
// response.  Any other message sequence fails with ErrInvalidPeer.  Each
// handshake step is bounded by the configured handshake timeout.
func Connect(addr string, cfg *Config) (*Session, error) {
	s := &Session{
		cfg:             *cfg, // Copy so caller can't mutate.
		addr:            addr,
		protocolVersion: MaxProtocolVersion,
		knownInventory:  lru.NewCache(maxKnownInventory),
	}
	if s.cfg.ProtocolVersion != 0 && s.cfg.ProtocolVersion < s.protocolVersion {
		s.protocolVersion = s.cfg.ProtocolVersion
	}
	if s.cfg.HandshakeTimeout == 0 {
		s.cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	dial := s.cfg.Dial
	if dial == nil {
		dial = func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, s.cfg.HandshakeTimeout)
		}
	}

	log.Debugf("Connecting to %s", addr)
	conn, err := dial("tcp", addr)
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	s.conn = conn
	s.setState(StateTCPOpen)

	if err := s.negotiate(); err != nil {
		conn.Close()
		s.setState(StateFailed)
		return nil, err
	}

	s.setState(StateReady)
	log.Infof("Connected to %s (protocol version %d, user agent %s)",
		addr, s.protocolVersion, s.remoteVersion.UserAgent)
	return s, nil
}

// NewSessionFromConn performs the version handshake over an already
// established connection and returns the resulting session.  It is primarily
// useful for tests and for callers that manage their own dialing.
func NewSessionFromConn(conn net.Conn, cfg *Config) (*Session, error) {
	s := &Session{
		cfg:             *cfg,
		addr:            conn.RemoteAddr().String(),
		conn:            conn,
		protocolVersion: MaxProtocolVersion,
		knownInventory:  lru.NewCache(maxKnownInventory),
	}
	if s.cfg.ProtocolVersion != 0 && s.cfg.ProtocolVersion < s.protocolVersion {
		s.protocolVersion = s.cfg.ProtocolVersion
	}
	if s.cfg.HandshakeTimeout == 0 {
		s.cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	s.setState(StateTCPOpen)

	if err := s.negotiate(); err != nil {
		conn.Close()
		s.setState(StateFailed)
		return nil, err
	}

	s.setState(StateReady)
	return s, nil
}

// negotiate drives the version/verack exchange.  Each step of the exchange
// gets its own connection deadline of the handshake timeout, and the deadline
// is cleared once the session is ready.
func (s *Session) negotiate() error {
	stepDeadline := func() error {
		return s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	if err := stepDeadline(); err != nil {
		return err
	}
	defer s.conn.SetDeadline(time.Time{})

	localVer, err := s.localVersionMsg()
	if err != nil {
		return err
	}

	// Send version.
	if err := s.writeMessage(localVer); err != nil {
		return mapHandshakeErr(err)
	}
	s.setState(StateVersionSent)

	// Receive version.  The remote peer MUST respond with a version
	// message of its own before anything else.
	if err := stepDeadline(); err != nil {
		return err
	}
	msg, err := s.readMessage()
	if err != nil {
		return mapHandshakeErr(err)
	}
	remoteVer, ok := msg.(*wire.MsgVersion)
	if !ok {
		log.Errorf("Expected version message from %s but got [%s]",
			s.addr, msg.Command())
		return ErrInvalidPeer
	}

	// Detect self connections.
	if sentNonces.Contains(remoteVer.Nonce) {
		log.Errorf("Disconnecting peer %s, connected to self", s.addr)
		return ErrInvalidPeer
	}

	// Negotiate the protocol version down to the lower of the two.
	if uint32(remoteVer.ProtocolVersion) < s.protocolVersion {
		s.protocolVersion = uint32(remoteVer.ProtocolVersion)
	}
	s.remoteVersion = remoteVer
	s.setState(StateVersionReceived)
	log.Debugf("Negotiated protocol version %d for peer %s",
		s.protocolVersion, s.addr)

	// Send verack.
	if err := stepDeadline(); err != nil {
		return err
	}
	if err := s.writeMessage(wire.NewMsgVerAck()); err != nil {
		return mapHandshakeErr(err)
	}
	s.setState(StateVerackSent)

	// Receive verack.
	if err := stepDeadline(); err != nil {
		return err
	}
	msg, err = s.readMessage()
	if err != nil {
		return mapHandshakeErr(err)
	}
	if _, ok := msg.(*wire.MsgVerAck); !ok {
		log.Errorf("Expected verack message from %s but got [%s]",
			s.addr, msg.Command())
		return ErrInvalidPeer
	}

	return nil
}

// localVersionMsg creates a version message that can be used to send to the
// remote peer.
func (s *Session) localVersionMsg() (*wire.MsgVersion, error) {
	theirNA, err := newNetAddress(s.conn.RemoteAddr(), 0)
	if err != nil {
		return nil, err
	}
	ourNA, err := newNetAddress(s.conn.LocalAddr(), s.cfg.Services)
	if err != nil {
		return nil, err
	}

	// Generate a unique nonce for this peer so self connections can be
	// detected.  This is accomplished by adding it to a size-limited map
	// of recently seen nonces.
	nonce, err := wire.RandomUint64()
	if err != nil {
		return nil, err
	}
	sentNonces.Add(nonce)

	msg := wire.NewMsgVersion(ourNA, theirNA, nonce, s.cfg.StartHeight)
	if err := msg.AddUserAgent(s.cfg.UserAgentName, s.cfg.UserAgentVersion,
		s.cfg.UserAgentComments...); err != nil {

		return nil, err
	}

	// Advertise local services and the maximum supported protocol version.
	msg.Services = s.cfg.Services
	msg.ProtocolVersion = int32(s.protocolVersion)

	// This client never wants unsolicited transaction announcements; they
	// would just be discarded.
	msg.DisableRelayTx = true

	return msg, nil
}

// writeMessage serializes one message and writes the resulting frame to the
// connection.
func (s *Session) writeMessage(msg wire.Message) error {
	log.Tracef("Sending %s to %s", msg.Command(), s.addr)
	return wire.WriteMessage(s.conn, msg, s.protocolVersion,
		s.cfg.chainParams().Net)
}

// readMessage reads the next full frame from the connection and decodes it.
func (s *Session) readMessage() (wire.Message, error) {
	msg, _, err := wire.ReadMessage(s.conn, s.protocolVersion,
		s.cfg.chainParams().Net)
	if err != nil {
		return nil, err
	}
	log.Tracef("Received %s from %s", msg.Command(), s.addr)
	return msg, nil
}

// Send serializes the provided message and writes it to the peer as a single
// frame.  It is an error to call Send before the handshake has completed or
// after the session is closed.  Concurrent calls serialize; message order on
// the wire matches call order.
func (s *Session) Send(msg wire.Message) error {
	s.sendMtx.Lock()
	defer s.sendMtx.Unlock()

	if s.State() != StateReady {
		return ErrConnectionClosed
	}

	err := s.writeMessage(msg)
	if err != nil {
		return mapConnErr(err)
	}
	return nil
}

// Recv blocks until the next message from the peer has been read and decoded
// and returns it.  EOF from the remote side is reported as
// ErrConnectionClosed.  Concurrent calls serialize; messages are delivered in
// arrival order.
func (s *Session) Recv() (wire.Message, error) {
	s.recvMtx.Lock()
	defer s.recvMtx.Unlock()

	if s.State() != StateReady {
		return nil, ErrConnectionClosed
	}

	msg, err := s.readMessage()
	if err != nil {
		return nil, mapConnErr(err)
	}

	// Track announced inventory so callers can consult IsKnownInventory
	// when deciding what to request.
	if inv, ok := msg.(*wire.MsgInv); ok {
		for _, iv := range inv.InvList {
			s.knownInventory.Add(*iv)
		}
	}

	return msg, nil
}

// IsKnownInventory returns whether the remote peer has previously announced
// the passed inventory.
func (s *Session) IsKnownInventory(iv *wire.InvVect) bool {
	return s.knownInventory.Contains(*iv)
}

// RemoteVersion returns the version message advertised by the remote peer
// during the handshake.
func (s *Session) RemoteVersion() *wire.MsgVersion {
	return s.remoteVersion
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() uint32 {
	return s.protocolVersion
}

// Addr returns the address the session was created with.
func (s *Session) Addr() string {
	return s.addr
}

// LocalAddr returns the local address of the underlying connection.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote address of the underlying connection.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// State returns the current session state.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// setState updates the session state.
func (s *Session) setState(state State) {
	atomic.StoreInt32(&s.state, int32(state))
}

// Close tears down the underlying connection.  It is safe to call multiple
// times and from any goroutine; in-flight sends and receives fail once the
// connection is closed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.State() == StateReady {
			s.setState(StateClosed)
		}
		if s.conn != nil {
			err = s.conn.Close()
		}
		log.Debugf("Closed session with %s", s.addr)
	})
	return err
}

// String returns the session address and state in human-readable form.
func (s *Session) String() string {
	return fmt.Sprintf("%s (%s)", s.addr, s.State())
}

// mapHandshakeErr converts timeout errors that occur during the handshake
// into ErrHandshakeTimeout and passes every other error through unaltered.
func mapHandshakeErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrHandshakeTimeout
	}
	return err
}

// mapConnErr converts end-of-stream errors into ErrConnectionClosed and
// passes every other error through unaltered so transport and codec failures
// keep their identity.
func mapConnErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {

		return ErrConnectionClosed
	}
	return err
}

// newNetAddress attempts to extract the IP address and port from the passed
// net.Addr interface and create a bitcoin NetAddress structure using that
// information.
func newNetAddress(addr net.Addr, services wire.ServiceFlag) (*wire.NetAddress, error) {
	// addr will be a net.TCPAddr when not using a proxy.
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		ip := tcpAddr.IP
		port := uint16(tcpAddr.Port)
		na := wire.NewNetAddressIPPort(ip, port, services)
		return na, nil
	}

	// Otherwise fall back to parsing the information from the address
	// string.  Addresses without a host and port, such as those of an
	// in-memory net.Pipe, map to the unspecified address with port zero.
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return wire.NewNetAddressIPPort(net.IPv4zero, 0, services), nil
	}
	ip := net.ParseIP(host)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	na := wire.NewNetAddressIPPort(ip, uint16(port), services)
	return na, nil
}
