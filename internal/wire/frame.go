// Package wire implements the fixed-size frame protocol and the inner
// tunnel message format carried inside onion-layered OPAQUE frames.
// Every frame on the wire is exactly F bytes; every inner message is
// framed with a digest over its own plaintext so a relay can tell,
// after peeling exactly one layer, whether it is the terminal hop for
// that frame.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"onionrelay/internal/onioncrypto"
)

// HeaderSize is the size of the outer frame header: a 16-bit circuit ID
// and an 8-bit message tag.
const HeaderSize = 2 + 1

// Tag identifies the kind of an outer frame.
type Tag uint8

const (
	TagCreate   Tag = 1
	TagCreated  Tag = 2
	TagOpaque   Tag = 3
	TagTeardown Tag = 4
)

var (
	ErrInvalidFrame    = errors.New("wire: invalid frame")
	ErrBufferTooSmall  = errors.New("wire: buffer too small")
	ErrFrameSizeTooBig = errors.New("wire: message does not fit in one frame")
)

// Header is the fixed-size prefix of every frame.
type Header struct {
	CircuitID uint16
	Tag       Tag
}

// Parse reads a Header out of data.
func (h *Header) Parse(data []byte) error {
	if len(data) < HeaderSize {
		return ErrInvalidFrame
	}
	h.CircuitID = binary.BigEndian.Uint16(data[0:2])
	h.Tag = Tag(data[2])
	return nil
}

// Pack serializes the Header into buf, which must have at least
// HeaderSize bytes of capacity.
func (h *Header) Pack(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.CircuitID)
	buf[2] = uint8(h.Tag)
}

// Read reads a Header directly off a stream.
func (h *Header) Read(rd io.Reader) error {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(rd, raw[:]); err != nil {
		return err
	}
	return h.Parse(raw[:])
}

// Message is one of CREATE, CREATED, OPAQUE, TEARDOWN.
type Message interface {
	Tag() Tag
	PackedSize() int
	Pack(buf []byte) (int, error)
	Parse(data []byte) error
}

// PackFrame writes header + msg into buf, padding the remainder of the
// frame with CSPRNG bytes so every frame on the wire is exactly
// frameSize bytes regardless of message kind or length. Constant frame
// size is a traffic-analysis invariant, not an optimization.
func PackFrame(buf []byte, frameSize int, circuitID uint16, msg Message) (int, error) {
	if len(buf) < frameSize {
		return 0, ErrBufferTooSmall
	}
	if HeaderSize+msg.PackedSize() > frameSize {
		return 0, ErrFrameSizeTooBig
	}

	hdr := Header{CircuitID: circuitID, Tag: msg.Tag()}
	hdr.Pack(buf[:HeaderSize])

	n, err := msg.Pack(buf[HeaderSize:frameSize])
	if err != nil {
		return 0, err
	}

	if _, err := rand.Read(buf[HeaderSize+n : frameSize]); err != nil {
		return 0, err
	}
	return frameSize, nil
}

// CreateMessage carries the initiator's raw ephemeral public key.
type CreateMessage struct {
	EphemeralPub onioncrypto.EphemeralPublicKey
}

func (m *CreateMessage) Tag() Tag       { return TagCreate }
func (m *CreateMessage) PackedSize() int { return 32 }

func (m *CreateMessage) Pack(buf []byte) (int, error) {
	if len(buf) < m.PackedSize() {
		return 0, ErrBufferTooSmall
	}
	copy(buf, m.EphemeralPub[:])
	return m.PackedSize(), nil
}

func (m *CreateMessage) Parse(data []byte) error {
	if len(data) < 32 {
		return ErrInvalidFrame
	}
	copy(m.EphemeralPub[:], data[:32])
	return nil
}

// CreatedMessage carries the responder's signed ephemeral public key.
type CreatedMessage struct {
	Signed onioncrypto.SignedPublicKey
}

func (m *CreatedMessage) Tag() Tag { return TagCreated }
func (m *CreatedMessage) PackedSize() int {
	return 32 + 2 + len(m.Signed.Signature)
}

func (m *CreatedMessage) Pack(buf []byte) (int, error) {
	n := m.PackedSize()
	if len(buf) < n {
		return 0, ErrBufferTooSmall
	}
	copy(buf[0:32], m.Signed.Pub[:])
	binary.BigEndian.PutUint16(buf[32:34], uint16(len(m.Signed.Signature)))
	copy(buf[34:n], m.Signed.Signature)
	return n, nil
}

func (m *CreatedMessage) Parse(data []byte) error {
	if len(data) < 34 {
		return ErrInvalidFrame
	}
	copy(m.Signed.Pub[:], data[0:32])
	sigLen := int(binary.BigEndian.Uint16(data[32:34]))
	if len(data) < 34+sigLen {
		return ErrInvalidFrame
	}
	m.Signed.Signature = append([]byte(nil), data[34:34+sigLen]...)
	return nil
}

// TeardownMessage tears down the circuit locally at the receiving hop.
// It carries no fields.
type TeardownMessage struct{}

func (m *TeardownMessage) Tag() Tag        { return TagTeardown }
func (m *TeardownMessage) PackedSize() int { return 0 }
func (m *TeardownMessage) Pack(buf []byte) (int, error) {
	return 0, nil
}
func (m *TeardownMessage) Parse(data []byte) error { return nil }

// OpaqueMessage carries the onion-layered ciphertext. Its payload always
// occupies the full remainder of the frame: the layer cipher is length
// preserving, so there is nothing left to pad once the ciphertext is
// written.
type OpaqueMessage struct {
	Payload []byte
}

func (m *OpaqueMessage) Tag() Tag        { return TagOpaque }
func (m *OpaqueMessage) PackedSize() int { return len(m.Payload) }

func (m *OpaqueMessage) Pack(buf []byte) (int, error) {
	if len(buf) < len(m.Payload) {
		return 0, ErrBufferTooSmall
	}
	copy(buf, m.Payload)
	return len(m.Payload), nil
}

func (m *OpaqueMessage) Parse(data []byte) error {
	m.Payload = append([]byte(nil), data...)
	return nil
}

// ParseFrame decodes the header and, for OPAQUE frames, leaves the
// (still-encrypted) payload available via OpaqueMessage. CREATE/CREATED/
// TEARDOWN bodies are parsed directly; callers select which to parse
// based on hdr.Tag.
func ParseFrame(frame []byte, frameSize int) (Header, []byte, error) {
	var hdr Header
	if len(frame) < frameSize {
		return hdr, nil, ErrInvalidFrame
	}
	if err := hdr.Parse(frame); err != nil {
		return hdr, nil, err
	}
	return hdr, frame[HeaderSize:frameSize], nil
}

// packAddr renders addr into a fixed-width field; readAddr is its
// inverse. Both serve the EXTEND codec in inner.go.
func packAddr(buf []byte, addr net.IP) (n int, ipv6 bool) {
	if ip4 := addr.To4(); ip4 != nil {
		copy(buf, ip4)
		return net.IPv4len, false
	}
	copy(buf, addr.To16())
	return net.IPv6len, true
}

func readAddr(data []byte, ipv6 bool) net.IP {
	if ipv6 {
		ip := make(net.IP, net.IPv6len)
		copy(ip, data[:net.IPv6len])
		return ip
	}
	ip := make(net.IP, net.IPv4len)
	copy(ip, data[:net.IPv4len])
	return ip
}
