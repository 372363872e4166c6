package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onionrelay/internal/onioncrypto"
	"onionrelay/internal/onionsocket"
	"onionrelay/internal/wire"
)

func newTestKey(t *testing.T) *onioncrypto.SessionKey {
	t.Helper()
	priv, pub, err := onioncrypto.GenerateEphemeralKeypair()
	require.Nil(t, err)
	shared, err := onioncrypto.KX(priv, pub)
	require.Nil(t, err)
	key, err := onioncrypto.DeriveSessionKey(shared)
	require.Nil(t, err)
	return key
}

// newTestKeyPair derives the same session key twice, one copy per side of
// a scripted exchange, so both counters start in lockstep.
func newTestKeyPair(t *testing.T) (*onioncrypto.SessionKey, *onioncrypto.SessionKey) {
	t.Helper()
	priv, pub, err := onioncrypto.GenerateEphemeralKeypair()
	require.Nil(t, err)
	shared, err := onioncrypto.KX(priv, pub)
	require.Nil(t, err)
	a, err := onioncrypto.DeriveSessionKey(shared)
	require.Nil(t, err)
	b, err := onioncrypto.DeriveSessionKey(shared)
	require.Nil(t, err)
	return a, b
}

func TestTruncatePreconditionViolation(t *testing.T) {
	tun := &Tunnel{keys: []*onioncrypto.SessionKey{newTestKey(t)}}
	err := tun.Truncate(1)
	require.NotNil(t, err)
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, KindIncomplete, tErr.Kind)
	assert.Len(t, tun.keys, 1)
}

// TestTruncateZeroRollsBackWithoutDroppingKeys pins the extend-rollback
// semantics: Truncate(0) still sends a wire TRUNCATE addressed to the
// current terminal hop (layered with every held key) so the terminal
// drops its half-added outward circuit, but removes nothing from the
// session-key list.
func TestTruncateZeroRollsBackWithoutDroppingKeys(t *testing.T) {
	const frameSize = 512

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	k0, p0 := newTestKeyPair(t)
	k1, p1 := newTestKeyPair(t)

	tun := &Tunnel{
		ID:               1,
		firstHop:         onionsocket.New(a, frameSize),
		circuitID:        9,
		keys:             []*onioncrypto.SessionKey{k0, k1},
		frameSize:        frameSize,
		handshakeTimeout: time.Second,
	}

	peerSock := onionsocket.New(b, frameSize)
	done := make(chan error, 1)
	go func() {
		done <- answerTruncateAsTerminal(peerSock, frameSize, p0, p1)
	}()

	require.Nil(t, tun.Truncate(0))
	assert.Len(t, tun.keys, 2)
	require.Nil(t, <-done)
}

// answerTruncateAsTerminal plays the whole two-hop chain collapsed into
// one scripted endpoint: peel both layers off the inbound TRUNCATE,
// check the digest verifies at the terminal, and wrap a TRUNCATED back
// through both keys.
func answerTruncateAsTerminal(s *onionsocket.OnionSocket, frameSize int, keys ...*onioncrypto.SessionKey) error {
	hdr, body, err := s.AcceptOpaque()
	if err != nil {
		return err
	}
	if hdr.Tag != wire.TagOpaque {
		return onionsocket.ErrUnexpectedTag
	}

	peeled := append([]byte(nil), body...)
	for _, k := range keys {
		if err := k.LayerDecrypt(onioncrypto.Forward, peeled); err != nil {
			return err
		}
	}
	inner, err := wire.DecodeInner(peeled)
	if err != nil {
		return err
	}
	if _, ok := inner.(*wire.TruncateMessage); !ok {
		return onionsocket.ErrUnexpectedTag
	}

	reply := make([]byte, frameSize-wire.HeaderSize)
	if err := wire.EncodeInner(reply, &wire.TruncatedMessage{}); err != nil {
		return err
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if err := keys[i].LayerEncrypt(onioncrypto.Backward, reply); err != nil {
			return err
		}
	}
	return s.ForwardOpaque(hdr.CircuitID, reply)
}

func TestTruncateToLengthNoop(t *testing.T) {
	tun := &Tunnel{keys: []*onioncrypto.SessionKey{newTestKey(t)}}
	require.Nil(t, tun.TruncateToLength(1))
	assert.Len(t, tun.keys, 1)
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "peer", KindPeer.String())
	assert.Equal(t, "broken", KindBroken.String())
	assert.Equal(t, "incomplete", KindIncomplete.String())
}
