package wire

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net"

	"onionrelay/internal/onioncrypto"
)

// DigestSize is the length of the plaintext digest carried by every
// inner tunnel message. A relay that peels one onion layer and finds a
// digest that does not verify is not the terminal hop for that frame
// and simply forwards the peeled frame onward.
const DigestSize = 12

// ErrDigestMismatch is returned by DecodeInner when the digest does not
// verify — the caller is not the addressee of this frame.
var ErrDigestMismatch = errors.New("wire: inner message digest mismatch")

// InnerTag identifies the kind of an inner tunnel message.
type InnerTag uint8

const (
	InnerTagExtend InnerTag = 1 + iota
	InnerTagExtended
	InnerTagTruncate
	InnerTagTruncated
	InnerTagBegin
	InnerTagData
	InnerTagEnd
)

// InnerMessage is one of EXTEND, EXTENDED, TRUNCATE, TRUNCATED, BEGIN,
// DATA, END.
type InnerMessage interface {
	InnerTag() InnerTag
	PackedSize() int
	Pack(buf []byte) (int, error)
	Parse(data []byte) error
}

const innerHeaderSize = DigestSize + 1

// EncodeInner writes digest + tag + fields into buf, then pads the
// remainder with CSPRNG bytes so the plaintext region is always exactly
// len(buf), matching the constant frame-size invariant all the way down
// to the innermost layer.
func EncodeInner(buf []byte, msg InnerMessage) error {
	if len(buf) < innerHeaderSize+msg.PackedSize() {
		return ErrBufferTooSmall
	}

	buf[DigestSize] = byte(msg.InnerTag())
	n, err := msg.Pack(buf[innerHeaderSize:])
	if err != nil {
		return err
	}

	fieldsEnd := innerHeaderSize + n
	if _, err := rand.Read(buf[fieldsEnd:]); err != nil {
		return err
	}

	digest := computeDigest(buf)
	copy(buf[:DigestSize], digest[:])
	return nil
}

// DecodeInner verifies the digest over the full plaintext region and, on
// success, parses the inner message. Returns ErrDigestMismatch if the
// plaintext was not addressed to the caller.
func DecodeInner(buf []byte) (InnerMessage, error) {
	if len(buf) < innerHeaderSize {
		return nil, ErrInvalidFrame
	}

	var claimed [DigestSize]byte
	copy(claimed[:], buf[:DigestSize])

	computed := computeDigest(buf)
	if claimed != computed {
		return nil, ErrDigestMismatch
	}

	tag := InnerTag(buf[DigestSize])
	fields := buf[innerHeaderSize:]

	var msg InnerMessage
	switch tag {
	case InnerTagExtend:
		msg = &ExtendMessage{}
	case InnerTagExtended:
		msg = &ExtendedMessage{}
	case InnerTagTruncate:
		msg = &TruncateMessage{}
	case InnerTagTruncated:
		msg = &TruncatedMessage{}
	case InnerTagBegin:
		msg = &BeginMessage{}
	case InnerTagData:
		msg = &DataMessage{}
	case InnerTagEnd:
		msg = &EndMessage{}
	default:
		return nil, ErrInvalidFrame
	}

	if err := msg.Parse(fields); err != nil {
		return nil, err
	}
	return msg, nil
}

// computeDigest hashes buf with the digest field zeroed. The digest
// covers the entire plaintext region, padding included, so a truncated
// or shifted frame never verifies anywhere.
func computeDigest(buf []byte) [DigestSize]byte {
	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	for i := 0; i < DigestSize; i++ {
		scratch[i] = 0
	}

	sum := sha256.Sum256(scratch)
	var digest [DigestSize]byte
	copy(digest[:], sum[:DigestSize])
	return digest
}

// MaxDataPayload reports the largest DATA payload that fits in one
// frame of frameSize bytes once the outer header, inner digest+tag, and
// DATA's own fixed fields are accounted for.
func MaxDataPayload(frameSize int) int {
	var empty DataMessage
	return frameSize - HeaderSize - innerHeaderSize - empty.PackedSize()
}

// ExtendMessage asks the terminal hop to open a new hop to peerAddr.
type ExtendMessage struct {
	Address      net.IP
	Port         uint16
	EphemeralPub onioncrypto.EphemeralPublicKey
}

func (m *ExtendMessage) InnerTag() InnerTag { return InnerTagExtend }

func (m *ExtendMessage) PackedSize() int {
	n := 1 + 2 + 32 // flags + port + ephemeral pub
	if m.Address.To4() == nil {
		n += net.IPv6len
	} else {
		n += net.IPv4len
	}
	return n
}

func (m *ExtendMessage) Pack(buf []byte) (int, error) {
	n := m.PackedSize()
	if len(buf) < n {
		return 0, ErrBufferTooSmall
	}

	addrLen, ipv6 := packAddr(buf[3:], m.Address)
	if ipv6 {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	binary.BigEndian.PutUint16(buf[1:3], m.Port)
	copy(buf[3+addrLen:3+addrLen+32], m.EphemeralPub[:])
	return n, nil
}

func (m *ExtendMessage) Parse(data []byte) error {
	if len(data) < 3 {
		return ErrInvalidFrame
	}
	ipv6 := data[0] == 1
	m.Port = binary.BigEndian.Uint16(data[1:3])

	addrLen := net.IPv4len
	if ipv6 {
		addrLen = net.IPv6len
	}
	if len(data) < 3+addrLen+32 {
		return ErrInvalidFrame
	}
	m.Address = readAddr(data[3:], ipv6)
	copy(m.EphemeralPub[:], data[3+addrLen:3+addrLen+32])
	return nil
}

// ExtendedMessage is returned from the new terminal hop.
type ExtendedMessage struct {
	Signed onioncrypto.SignedPublicKey
}

func (m *ExtendedMessage) InnerTag() InnerTag { return InnerTagExtended }
func (m *ExtendedMessage) PackedSize() int {
	return 32 + 2 + len(m.Signed.Signature)
}

func (m *ExtendedMessage) Pack(buf []byte) (int, error) {
	n := m.PackedSize()
	if len(buf) < n {
		return 0, ErrBufferTooSmall
	}
	copy(buf[0:32], m.Signed.Pub[:])
	binary.BigEndian.PutUint16(buf[32:34], uint16(len(m.Signed.Signature)))
	copy(buf[34:n], m.Signed.Signature)
	return n, nil
}

func (m *ExtendedMessage) Parse(data []byte) error {
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

// TruncateMessage tells the terminal hop to tear down its outward circuit.
type TruncateMessage struct{}

func (m *TruncateMessage) InnerTag() InnerTag          { return InnerTagTruncate }
func (m *TruncateMessage) PackedSize() int             { return 0 }
func (m *TruncateMessage) Pack(buf []byte) (int, error) { return 0, nil }
func (m *TruncateMessage) Parse(data []byte) error      { return nil }

// TruncatedMessage acknowledges a TruncateMessage.
type TruncatedMessage struct{}

func (m *TruncatedMessage) InnerTag() InnerTag          { return InnerTagTruncated }
func (m *TruncatedMessage) PackedSize() int             { return 0 }
func (m *TruncatedMessage) Pack(buf []byte) (int, error) { return 0, nil }
func (m *TruncatedMessage) Parse(data []byte) error      { return nil }

// BeginMessage marks the final hop as the app endpoint for tunnelID.
type BeginMessage struct {
	TunnelID uint32
}

func (m *BeginMessage) InnerTag() InnerTag { return InnerTagBegin }
func (m *BeginMessage) PackedSize() int    { return 4 }

func (m *BeginMessage) Pack(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint32(buf, m.TunnelID)
	return 4, nil
}

func (m *BeginMessage) Parse(data []byte) error {
	if len(data) < 4 {
		return ErrInvalidFrame
	}
	m.TunnelID = binary.BigEndian.Uint32(data)
	return nil
}

// DataMessage carries application bytes.
type DataMessage struct {
	TunnelID uint32
	Payload  []byte
}

func (m *DataMessage) InnerTag() InnerTag { return InnerTagData }
func (m *DataMessage) PackedSize() int    { return 4 + 2 + len(m.Payload) }

func (m *DataMessage) Pack(buf []byte) (int, error) {
	n := m.PackedSize()
	if len(buf) < n {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint32(buf[0:4], m.TunnelID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(m.Payload)))
	copy(buf[6:n], m.Payload)
	return n, nil
}

func (m *DataMessage) Parse(data []byte) error {
	if len(data) < 6 {
		return ErrInvalidFrame
	}
	m.TunnelID = binary.BigEndian.Uint32(data[0:4])
	payloadLen := int(binary.BigEndian.Uint16(data[4:6]))
	if len(data) < 6+payloadLen {
		return ErrInvalidFrame
	}
	m.Payload = append([]byte(nil), data[6:6+payloadLen]...)
	return nil
}

// EndMessage gracefully closes a tunnel at the endpoint.
type EndMessage struct {
	TunnelID uint32
}

func (m *EndMessage) InnerTag() InnerTag { return InnerTagEnd }
func (m *EndMessage) PackedSize() int    { return 4 }

func (m *EndMessage) Pack(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint32(buf, m.TunnelID)
	return 4, nil
}

func (m *EndMessage) Parse(data []byte) error {
	if len(data) < 4 {
		return ErrInvalidFrame
	}
	m.TunnelID = binary.BigEndian.Uint32(data)
	return nil
}
