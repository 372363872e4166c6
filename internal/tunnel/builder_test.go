package tunnel

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"onionrelay/internal/onioncrypto"
	"onionrelay/internal/onionsocket"
	"onionrelay/internal/peer"
	"onionrelay/internal/wire"
)

const builderTestFrameSize = 512

func builderTestHostKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.Nil(t, err)
	return key
}

// builderTestCert wraps hostKey in a self-signed certificate, the same
// relationship router.tlsCertFromHostKey builds for the real relay
// listener (see internal/router/listener.go).
func builderTestCert(t *testing.T, hostKey *rsa.PrivateKey) tls.Certificate {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.Nil(t, err)

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"onionrelay-test"}},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, hostKey.Public(), hostKey)
	require.Nil(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyBytes, err := x509.MarshalPKCS8PrivateKey(hostKey)
	require.Nil(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.Nil(t, err)
	return cert
}

func builderTestListener(t *testing.T, hostKey *rsa.PrivateKey) (net.Listener, peer.Peer) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates:       []tls.Certificate{builderTestCert(t, hostKey)},
		InsecureSkipVerify: true, //nolint:gosec
	})
	require.Nil(t, err)

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.Nil(t, err)
	port, err := strconv.Atoi(portStr)
	require.Nil(t, err)

	p := peer.Peer{Address: net.ParseIP(host), Port: uint16(port), HostKey: &hostKey.PublicKey}
	return ln, p
}

// answerHandshake accepts the CREATE on conn and replies CREATED signed
// with hostKey, returning the resulting socket and the derived first-hop
// session key.
func answerHandshake(t *testing.T, conn net.Conn, hostKey *rsa.PrivateKey) (*onionsocket.OnionSocket, *onioncrypto.SessionKey) {
	t.Helper()
	socket := onionsocket.New(conn, builderTestFrameSize)

	circuitID, initiatorPub, err := socket.AcceptHandshake()
	require.Nil(t, err)

	priv, pub, err := onioncrypto.GenerateEphemeralKeypair()
	require.Nil(t, err)
	signed, err := onioncrypto.Sign(hostKey, pub)
	require.Nil(t, err)
	require.Nil(t, socket.CompleteHandshake(circuitID, signed, time.Second))

	shared, err := onioncrypto.KX(priv, initiatorPub)
	require.Nil(t, err)
	key, err := onioncrypto.DeriveSessionKey(shared)
	require.Nil(t, err)

	return socket, key
}

// peelFrame peels body with exactly keys, once each, in index order
// (matching layerDecryptInbound) and decodes the result. Each SessionKey
// carries its own per-direction nonce counter that advances on every
// call (see onioncrypto.SessionKey.LayerDecrypt), so callers must know
// in advance exactly which keys a frame was layered with — EXTEND and
// the rollback TRUNCATE both use the full chain of established hops —
// rather than guessing and retrying.
func peelFrame(t *testing.T, body []byte, keys []*onioncrypto.SessionKey) wire.InnerMessage {
	t.Helper()

	peeled := append([]byte(nil), body...)
	for _, k := range keys {
		require.Nil(t, k.LayerDecrypt(onioncrypto.Forward, peeled))
	}
	inner, err := wire.DecodeInner(peeled)
	require.Nil(t, err)
	return inner
}

// replyOverChain encrypts msg the way the originator expects a reply
// layered over exactly the keys slice provided (outermost-last, matching
// layerEncryptOutbound) and sends it back as an OPAQUE frame.
func replyOverChain(t *testing.T, socket *onionsocket.OnionSocket, circuitID uint16, msg wire.InnerMessage, keys []*onioncrypto.SessionKey) {
	t.Helper()
	buf := make([]byte, builderTestFrameSize-wire.HeaderSize)
	require.Nil(t, wire.EncodeInner(buf, msg))
	for i := len(keys) - 1; i >= 0; i-- {
		require.Nil(t, keys[i].LayerEncrypt(onioncrypto.Backward, buf))
	}
	require.Nil(t, socket.ForwardOpaque(circuitID, buf))
}

// answerOneExtend reads one EXTEND, replies with an EXTENDED signed by
// signWith (pass the peer's real host key to succeed, a mismatched one to
// force a Verify failure), and returns the candidate session key derived
// for the new hop so the caller can track the chain's depth.
func answerOneExtend(t *testing.T, socket *onionsocket.OnionSocket, circuitID uint16, existing []*onioncrypto.SessionKey, signWith *rsa.PrivateKey) *onioncrypto.SessionKey {
	t.Helper()

	_, body, err := socket.AcceptOpaque()
	require.Nil(t, err)
	inner := peelFrame(t, body, existing)
	extend, ok := inner.(*wire.ExtendMessage)
	require.True(t, ok, "expected EXTEND, got %T", inner)

	newPriv, newPub, err := onioncrypto.GenerateEphemeralKeypair()
	require.Nil(t, err)
	sig, err := onioncrypto.Sign(signWith, newPub)
	require.Nil(t, err)
	replyOverChain(t, socket, circuitID, &wire.ExtendedMessage{Signed: sig}, existing)

	shared, err := onioncrypto.KX(newPriv, extend.EphemeralPub)
	require.Nil(t, err)
	newKey, err := onioncrypto.DeriveSessionKey(shared)
	require.Nil(t, err)
	return newKey
}

// answerOneTruncate reads one TRUNCATE — Extend's rollback calls
// Truncate(0), which layers the wire message with every established
// hop's key so the digest verifies at the current terminal, the hop
// that must drop its half-added outward circuit — and replies TRUNCATED
// back over the same chain.
func answerOneTruncate(t *testing.T, socket *onionsocket.OnionSocket, circuitID uint16, existing []*onioncrypto.SessionKey) {
	t.Helper()

	_, body, err := socket.AcceptOpaque()
	require.Nil(t, err)
	inner := peelFrame(t, body, existing)
	_, ok := inner.(*wire.TruncateMessage)
	require.True(t, ok, "expected TRUNCATE, got %T", inner)

	replyOverChain(t, socket, circuitID, &wire.TruncatedMessage{}, existing)
}

// TestBuildDiscardsBrokenTunnelAndRetries exercises the Builder.Build
// "Broken" branch: a bad EXTENDED signature fails Verify, and the
// first hop then drops the connection before answering the
// rollback TRUNCATE, so Tunnel.Extend escalates from a recoverable
// signature failure to Broken. Build must teardown and discard the
// whole tunnel and start over from Tunnel::init rather than retry the
// extend in place.
func TestBuildDiscardsBrokenTunnelAndRetries(t *testing.T) {
	listenerHostKey := builderTestHostKey(t)
	destHostKey := builderTestHostKey(t)
	wrongHostKey := builderTestHostKey(t)

	ln, p1 := builderTestListener(t, listenerHostKey)
	defer ln.Close()

	dest := peer.Peer{Address: net.ParseIP("203.0.113.9"), Port: 4433, HostKey: &destHostKey.PublicKey}

	attempts := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			socket, firstKey := answerHandshake(t, conn, listenerHostKey)
			circuitID := uint16(1)

			if attempts == 0 {
				attempts++
				// bad signature, then die instead of answering the
				// rollback TRUNCATE: Verify failure escalates to Broken.
				answerOneExtend(t, socket, circuitID, []*onioncrypto.SessionKey{firstKey}, wrongHostKey)
				_ = conn.Close()
				continue
			}
			attempts++
			answerOneExtend(t, socket, circuitID, []*onioncrypto.SessionKey{firstKey}, destHostKey)
			_ = conn.Close()
		}
	}()

	sampleCalls := 0
	sampler := func() (peer.Peer, error) {
		sampleCalls++
		return p1, nil
	}

	b := &Builder{
		Sampler:         sampler,
		MaxPeerFailures: 5,
		Config:          Config{FrameSize: builderTestFrameSize, HandshakeTimeout: 2 * time.Second, TeardownTimeout: time.Second},
	}

	tun, err := b.Build(1, 1, dest, 1)
	require.Nil(t, err)
	require.NotNil(t, tun)
	require.Equal(t, 2, sampleCalls, "a Broken failure must discard the tunnel and re-sample the first hop from scratch")
	require.Equal(t, 2, attempts, "the first (bad-signature) attempt must be followed by a second, successful one")

	<-done
	tun.Teardown()
}

// TestBuildRetriesIncompleteWithoutDiscardingTunnel exercises the
// Builder.Build "Incomplete" branch: a bad EXTENDED signature while
// extending to the second hop is rolled back
// with a successful TRUNCATE to the first hop, so Extend returns
// Incomplete, the tunnel keeps its established first hop, and Build
// resamples a replacement peer instead of tearing everything down.
func TestBuildRetriesIncompleteWithoutDiscardingTunnel(t *testing.T) {
	listenerHostKey := builderTestHostKey(t)
	intermediateHostKey := builderTestHostKey(t)
	destHostKey := builderTestHostKey(t)
	wrongHostKey := builderTestHostKey(t)

	ln, p1 := builderTestListener(t, listenerHostKey)
	defer ln.Close()

	dest := peer.Peer{Address: net.ParseIP("203.0.113.9"), Port: 4433, HostKey: &destHostKey.PublicKey}
	intermediate := peer.Peer{Address: net.ParseIP("203.0.113.5"), Port: 9001, HostKey: &intermediateHostKey.PublicKey}

	sampleCalls := 0
	sampler := func() (peer.Peer, error) {
		sampleCalls++
		if sampleCalls == 1 {
			return p1, nil // Build's "current == nil" branch samples the first hop too
		}
		return intermediate, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		socket, firstKey := answerHandshake(t, conn, listenerHostKey)
		circuitID := uint16(1)
		chain := []*onioncrypto.SessionKey{firstKey}

		// extend to the first intermediate hop: bad signature. Extend's
		// rollback sends TRUNCATE to the established first hop, which
		// answers TRUNCATED, so the failure stays Incomplete and the
		// tunnel keeps its single hop (the failed hop's key was never
		// part of the chain).
		_ = answerOneExtend(t, socket, circuitID, chain, wrongHostKey)
		answerOneTruncate(t, socket, circuitID, chain)

		// Build resamples and extends a fresh intermediate hop: succeeds
		k := answerOneExtend(t, socket, circuitID, chain, intermediateHostKey)
		chain = append(chain, k)

		// extend to dest: succeeds
		_ = answerOneExtend(t, socket, circuitID, chain, destHostKey)
	}()

	b := &Builder{
		Sampler:         sampler,
		MaxPeerFailures: 5,
		Config:          Config{FrameSize: builderTestFrameSize, HandshakeTimeout: 2 * time.Second, TeardownTimeout: time.Second},
	}

	tun, err := b.Build(2, 1, dest, 2)
	require.Nil(t, err)
	require.NotNil(t, tun)
	require.Equal(t, 3, sampleCalls, "an Incomplete failure must keep the tunnel and resample rather than restart from Init")

	<-done
	tun.Teardown()
}

// TestBuildReturnsErrBuildFailedAfterMaxPeerFailures exercises the
// bounded-retry budget itself: with a Sampler that always fails, Build
// must give up after exactly MaxPeerFailures attempts rather than
// retrying forever.
func TestBuildReturnsErrBuildFailedAfterMaxPeerFailures(t *testing.T) {
	calls := 0
	sampler := func() (peer.Peer, error) {
		calls++
		return peer.Peer{}, errBuildFailedTestSamplerErr
	}

	b := &Builder{
		Sampler:         sampler,
		MaxPeerFailures: 3,
		Config:          Config{FrameSize: builderTestFrameSize, HandshakeTimeout: time.Second, TeardownTimeout: time.Second},
	}

	tun, err := b.Build(3, 1, peer.Peer{}, 1)
	require.Nil(t, tun)
	require.ErrorIs(t, err, ErrBuildFailed)
	require.Equal(t, 3, calls)
}

var errBuildFailedTestSamplerErr = &Error{Kind: KindPeer, Op: "sample", Err: net.ErrClosed}
