package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onionrelay/internal/onioncrypto"
)

const testFrameSize = 512

func TestHeaderRoundTrip(t *testing.T) {
	hdr := Header{CircuitID: 0xBEEF, Tag: TagOpaque}
	buf := make([]byte, HeaderSize)
	hdr.Pack(buf)

	var got Header
	require.Nil(t, got.Parse(buf))
	assert.Equal(t, hdr, got)
}

func TestPackFramePadsToConstantSize(t *testing.T) {
	_, pub, err := onioncrypto.GenerateEphemeralKeypair()
	require.Nil(t, err)
	msg := &CreateMessage{EphemeralPub: pub}

	buf := make([]byte, testFrameSize)
	n, err := PackFrame(buf, testFrameSize, 7, msg)
	require.Nil(t, err)
	assert.Equal(t, testFrameSize, n)

	hdr, body, err := ParseFrame(buf, testFrameSize)
	require.Nil(t, err)
	assert.Equal(t, uint16(7), hdr.CircuitID)
	assert.Equal(t, TagCreate, hdr.Tag)
	assert.Len(t, body, testFrameSize-HeaderSize)

	var got CreateMessage
	require.Nil(t, got.Parse(body))
	assert.Equal(t, pub, got.EphemeralPub)
}

func TestPackFrameRejectsOversizedMessage(t *testing.T) {
	msg := &CreatedMessage{Signed: onioncrypto.SignedPublicKey{Signature: make([]byte, testFrameSize)}}
	buf := make([]byte, testFrameSize)
	_, err := PackFrame(buf, testFrameSize, 1, msg)
	assert.ErrorIs(t, err, ErrFrameSizeTooBig)
}

func TestInnerMessageDigestRoundTrip(t *testing.T) {
	plaintextLen := testFrameSize - HeaderSize
	buf := make([]byte, plaintextLen)

	data := &DataMessage{TunnelID: 42, Payload: []byte("hello relay")}
	require.Nil(t, EncodeInner(buf, data))

	decoded, err := DecodeInner(buf)
	require.Nil(t, err)
	got, ok := decoded.(*DataMessage)
	require.True(t, ok)
	assert.Equal(t, uint32(42), got.TunnelID)
	assert.Equal(t, []byte("hello relay"), got.Payload)
}

func TestInnerMessageDigestMismatchIsDetected(t *testing.T) {
	plaintextLen := testFrameSize - HeaderSize
	buf := make([]byte, plaintextLen)
	require.Nil(t, EncodeInner(buf, &TruncateMessage{}))

	buf[DigestSize+5] ^= 0xFF // corrupt a field byte without touching the digest

	_, err := DecodeInner(buf)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestExtendMessageRoundTripIPv4AndIPv6(t *testing.T) {
	_, pub, err := onioncrypto.GenerateEphemeralKeypair()
	require.Nil(t, err)

	for _, addr := range []net.IP{net.ParseIP("203.0.113.5"), net.ParseIP("2001:db8::1")} {
		msg := &ExtendMessage{Address: addr, Port: 9001, EphemeralPub: pub}
		buf := make([]byte, msg.PackedSize())
		n, err := msg.Pack(buf)
		require.Nil(t, err)
		assert.Equal(t, len(buf), n)

		var got ExtendMessage
		require.Nil(t, got.Parse(buf))
		assert.True(t, addr.Equal(got.Address))
		assert.Equal(t, uint16(9001), got.Port)
		assert.Equal(t, pub, got.EphemeralPub)
	}
}

func TestDataMessageWithinInnerFrame(t *testing.T) {
	plaintextLen := testFrameSize - HeaderSize
	buf := make([]byte, plaintextLen)
	payload := make([]byte, MaxDataPayload(testFrameSize))
	for i := range payload {
		payload[i] = byte(i)
	}

	require.Nil(t, EncodeInner(buf, &DataMessage{TunnelID: 1, Payload: payload}))
	decoded, err := DecodeInner(buf)
	require.Nil(t, err)
	got := decoded.(*DataMessage)
	assert.Equal(t, payload, got.Payload)
}

func TestDataMessageOverMaxPayloadDoesNotFit(t *testing.T) {
	buf := make([]byte, testFrameSize-HeaderSize)
	payload := make([]byte, MaxDataPayload(testFrameSize)+1)
	err := EncodeInner(buf, &DataMessage{TunnelID: 1, Payload: payload})
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}
