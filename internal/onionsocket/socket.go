// Package onionsocket wraps a single reliable stream connection with
// the fixed-size frame protocol. Each OnionSocket backs exactly one
// circuit: a fresh TCP connection is opened per hop.
package onionsocket

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"onionrelay/internal/onioncrypto"
	"onionrelay/internal/wire"
)

var (
	// ErrTimeout marks the tunnel broken upstream; a circuit that stops
	// answering cannot be trusted with further handshake rounds.
	ErrTimeout       = errors.New("onionsocket: timed out waiting for response")
	ErrUnexpectedTag = errors.New("onionsocket: unexpected frame tag")
	ErrTornDown      = errors.New("onionsocket: circuit torn down by peer")
)

// OnionSocket is the frame-level transport for one circuit.
type OnionSocket struct {
	conn      net.Conn
	rd        *bufio.Reader
	frameSize int

	// writeMu/readMu serialize handshake request/response rounds: CREATE
	// must be answered before the next frame is meaningful.
	writeMu sync.Mutex
	readMu  sync.Mutex
}

// New wraps conn. frameSize is the constant wire frame size F.
func New(conn net.Conn, frameSize int) *OnionSocket {
	return &OnionSocket{
		conn:      conn,
		rd:        bufio.NewReaderSize(conn, frameSize),
		frameSize: frameSize,
	}
}

// Close closes the underlying connection.
func (s *OnionSocket) Close() error {
	return s.conn.Close()
}

func (s *OnionSocket) send(circuitID uint16, msg wire.Message, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	buf := make([]byte, s.frameSize)
	n, err := wire.PackFrame(buf, s.frameSize, circuitID, msg)
	if err != nil {
		return err
	}

	if timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	_, err = s.conn.Write(buf[:n])
	return err
}

// recvFrame reads exactly one frame, applying timeout if non-zero.
func (s *OnionSocket) recvFrame(timeout time.Duration) (wire.Header, []byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return wire.Header{}, nil, err
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}

	frame := make([]byte, s.frameSize)
	if _, err := ioReadFull(s.rd, frame); err != nil {
		if isTimeout(err) {
			return wire.Header{}, nil, ErrTimeout
		}
		return wire.Header{}, nil, err
	}
	return wire.ParseFrame(frame, s.frameSize)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// AcceptHandshake waits for an inbound CREATE and returns the
// initiator's raw ephemeral public key. The caller answers with
// CompleteHandshake once it has derived or relayed the responder side.
func (s *OnionSocket) AcceptHandshake() (uint16, onioncrypto.EphemeralPublicKey, error) {
	hdr, body, err := s.recvFrame(0)
	if err != nil {
		return 0, onioncrypto.EphemeralPublicKey{}, err
	}
	if hdr.Tag != wire.TagCreate {
		return 0, onioncrypto.EphemeralPublicKey{}, ErrUnexpectedTag
	}

	var create wire.CreateMessage
	if err := create.Parse(body); err != nil {
		return 0, onioncrypto.EphemeralPublicKey{}, err
	}
	return hdr.CircuitID, create.EphemeralPub, nil
}

// CompleteHandshake answers a CREATE with CREATED carrying signed, the
// responder's (or, for a relay proxying on the originator's behalf, the
// next hop's) signed ephemeral public key.
func (s *OnionSocket) CompleteHandshake(circuitID uint16, signed onioncrypto.SignedPublicKey, timeout time.Duration) error {
	return s.send(circuitID, &wire.CreatedMessage{Signed: signed}, timeout)
}

// InitiateHandshake sends CREATE on circuitID and waits for the matching
// CREATED, returning the responder's signed ephemeral key.
func (s *OnionSocket) InitiateHandshake(circuitID uint16, ourPub onioncrypto.EphemeralPublicKey, timeout time.Duration) (onioncrypto.SignedPublicKey, error) {
	if err := s.send(circuitID, &wire.CreateMessage{EphemeralPub: ourPub}, timeout); err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}

	hdr, body, err := s.recvFrame(timeout)
	if err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}
	if hdr.Tag == wire.TagTeardown {
		return onioncrypto.SignedPublicKey{}, ErrTornDown
	}
	if hdr.Tag != wire.TagCreated {
		return onioncrypto.SignedPublicKey{}, ErrUnexpectedTag
	}

	var created wire.CreatedMessage
	if err := created.Parse(body); err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}
	return created.Signed, nil
}

// layerEncryptOutbound applies keys in reverse (innermost-first insertion
// order means keys[0] is the first hop / outermost layer; to build a
// frame addressed to the terminal hop we must encrypt with the
// terminal's key first, then wrap outward) so the physically-first hop
// peels its own layer off first.
func layerEncryptOutbound(keys []*onioncrypto.SessionKey, plaintext []byte) error {
	for i := len(keys) - 1; i >= 0; i-- {
		if err := keys[i].LayerEncrypt(onioncrypto.Forward, plaintext); err != nil {
			return err
		}
	}
	return nil
}

// layerDecryptInbound peels layers in hop order (outermost/first-hop key
// first), the originator's view of an inbound frame travelling back from
// the terminal hop.
func layerDecryptInbound(keys []*onioncrypto.SessionKey, ciphertext []byte) error {
	for i := 0; i < len(keys); i++ {
		if err := keys[i].LayerDecrypt(onioncrypto.Backward, ciphertext); err != nil {
			return err
		}
	}
	return nil
}

// InitiateTunnelHandshake wraps an EXTEND as layered OPAQUE addressed to
// the current terminal hop and waits for the matching EXTENDED.
func (s *OnionSocket) InitiateTunnelHandshake(circuitID uint16, target net.IP, port uint16, ourPub onioncrypto.EphemeralPublicKey, keys []*onioncrypto.SessionKey, timeout time.Duration) (onioncrypto.SignedPublicKey, error) {
	plaintextLen := s.frameSize - wire.HeaderSize
	buf := make([]byte, plaintextLen)

	extend := &wire.ExtendMessage{Address: target, Port: port, EphemeralPub: ourPub}
	if err := wire.EncodeInner(buf, extend); err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}
	if err := layerEncryptOutbound(keys, buf); err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}

	if err := s.send(circuitID, &wire.OpaqueMessage{Payload: buf}, timeout); err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}

	hdr, body, err := s.recvFrame(timeout)
	if err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}
	if hdr.Tag == wire.TagTeardown {
		return onioncrypto.SignedPublicKey{}, ErrTornDown
	}
	if hdr.Tag != wire.TagOpaque {
		return onioncrypto.SignedPublicKey{}, ErrUnexpectedTag
	}

	reply := append([]byte(nil), body...)
	if err := layerDecryptInbound(keys, reply); err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}
	inner, err := wire.DecodeInner(reply)
	if err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}
	extended, ok := inner.(*wire.ExtendedMessage)
	if !ok {
		return onioncrypto.SignedPublicKey{}, ErrUnexpectedTag
	}
	return extended.Signed, nil
}

// TruncateTunnel sends TRUNCATE layered through keys — the session keys
// of every hop up to and including the one that should remain terminal,
// so that hop is where the digest verifies — and waits for TRUNCATED.
func (s *OnionSocket) TruncateTunnel(circuitID uint16, keys []*onioncrypto.SessionKey, timeout time.Duration) error {
	plaintextLen := s.frameSize - wire.HeaderSize
	buf := make([]byte, plaintextLen)

	if err := wire.EncodeInner(buf, &wire.TruncateMessage{}); err != nil {
		return err
	}
	if err := layerEncryptOutbound(keys, buf); err != nil {
		return err
	}

	if err := s.send(circuitID, &wire.OpaqueMessage{Payload: buf}, timeout); err != nil {
		return err
	}

	hdr, body, err := s.recvFrame(timeout)
	if err != nil {
		return err
	}
	if hdr.Tag == wire.TagTeardown {
		return ErrTornDown
	}
	if hdr.Tag != wire.TagOpaque {
		return ErrUnexpectedTag
	}

	reply := append([]byte(nil), body...)
	if err := layerDecryptInbound(keys, reply); err != nil {
		return err
	}
	inner, err := wire.DecodeInner(reply)
	if err != nil {
		return err
	}
	if _, ok := inner.(*wire.TruncatedMessage); !ok {
		return ErrUnexpectedTag
	}
	return nil
}

// Begin sends BEGIN{tunnelID} to the current terminal hop. The protocol
// defines no acknowledgement for BEGIN, so this is fire-and-forget once
// written to the socket.
func (s *OnionSocket) Begin(circuitID uint16, tunnelID uint32, keys []*onioncrypto.SessionKey, timeout time.Duration) error {
	return s.sendInner(circuitID, &wire.BeginMessage{TunnelID: tunnelID}, keys, timeout)
}

// SendData sends DATA{tunnelID, payload} through the tunnel.
func (s *OnionSocket) SendData(circuitID uint16, tunnelID uint32, payload []byte, keys []*onioncrypto.SessionKey, timeout time.Duration) error {
	return s.sendInner(circuitID, &wire.DataMessage{TunnelID: tunnelID, Payload: payload}, keys, timeout)
}

// SendEnd sends END{tunnelID}, used both by the endpoint closing
// gracefully and by the originator issuing an implicit END on an
// old tunnel during switchover.
func (s *OnionSocket) SendEnd(circuitID uint16, tunnelID uint32, keys []*onioncrypto.SessionKey, timeout time.Duration) error {
	return s.sendInner(circuitID, &wire.EndMessage{TunnelID: tunnelID}, keys, timeout)
}

func (s *OnionSocket) sendInner(circuitID uint16, msg wire.InnerMessage, keys []*onioncrypto.SessionKey, timeout time.Duration) error {
	plaintextLen := s.frameSize - wire.HeaderSize
	buf := make([]byte, plaintextLen)

	if err := wire.EncodeInner(buf, msg); err != nil {
		return err
	}
	if err := layerEncryptOutbound(keys, buf); err != nil {
		return err
	}
	return s.send(circuitID, &wire.OpaqueMessage{Payload: buf}, timeout)
}

// ForwardOpaque writes an already-layered payload as an OPAQUE frame,
// used by relay circuits forwarding a peeled or wrapped frame onward
// without constructing a new inner message.
func (s *OnionSocket) ForwardOpaque(circuitID uint16, payload []byte) error {
	return s.send(circuitID, &wire.OpaqueMessage{Payload: payload}, 0)
}

// AcceptOpaque blocks for the next inbound frame on this circuit. It does
// not apply a timeout: callers waiting on data traffic during Ready/
// Destroying select against this alongside app requests and round ticks.
func (s *OnionSocket) AcceptOpaque() (wire.Header, []byte, error) {
	return s.recvFrame(0)
}

// SendTeardown sends a bare TEARDOWN frame with a bounded timeout. A
// write failure is ignored: the peer being unreachable is exactly the
// case teardown must not stall on.
func (s *OnionSocket) SendTeardown(circuitID uint16, timeout time.Duration) {
	_ = s.send(circuitID, &wire.TeardownMessage{}, timeout)
}

func ioReadFull(rd *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := rd.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
