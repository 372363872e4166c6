// Package tunnel implements the originator's view of a tunnel and the
// bounded-retry builder that assembles one.
package tunnel

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"onionrelay/internal/onioncrypto"
	"onionrelay/internal/onionsocket"
	"onionrelay/internal/peer"
	"onionrelay/internal/wire"
)

// Kind classifies a tunnel operation failure the way the relay and
// handler layers need to react: Peer failures are local and retryable,
// Broken means the tunnel is unsafe to keep using, Incomplete means the
// operation aborted but state is still consistent.
type Kind int

const (
	KindPeer Kind = iota
	KindBroken
	KindIncomplete
)

func (k Kind) String() string {
	switch k {
	case KindPeer:
		return "peer"
	case KindBroken:
		return "broken"
	case KindIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind the rest of the system
// dispatches on; only the Kind ever crosses the control API, never the
// internal cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tunnel: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var errPreconditionViolated = errors.New("truncate precondition violated: n >= len(session_keys)")

// Tunnel is the originator-side view: a first-hop circuit connection and
// the ordered session keys for every hop, stored outermost-first
// (session-keys[0] is always the first hop's key).
type Tunnel struct {
	ID uint32

	firstHop  *onionsocket.OnionSocket
	circuitID uint16
	keys      []*onioncrypto.SessionKey

	frameSize        int
	handshakeTimeout time.Duration
	teardownTimeout  time.Duration
}

// Config bundles the timing and framing parameters every tunnel
// operation needs, set once from the node's configuration.
type Config struct {
	FrameSize        int
	HandshakeTimeout time.Duration
	TeardownTimeout  time.Duration
}

// Init dials first, performs the CREATE/CREATED handshake, verifies the
// responder's signature against the first hop's known host key, and
// derives the sole session key.
func Init(id uint32, circuitID uint16, first peer.Peer, cfg Config) (*Tunnel, error) {
	// peers authenticate each other via the RSA host-key signature over
	// the handshake, not the TLS certificate chain; the relay listener's
	// cert is self-signed from that same host key.
	conn, err := tls.Dial("tcp", first.Addr(), &tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	if err != nil {
		return nil, newError(KindBroken, "init", err)
	}

	socket := onionsocket.New(conn, cfg.FrameSize)

	priv, pub, err := onioncrypto.GenerateEphemeralKeypair()
	if err != nil {
		_ = socket.Close()
		return nil, newError(KindBroken, "init", err)
	}

	signed, err := socket.InitiateHandshake(circuitID, pub, cfg.HandshakeTimeout)
	if err != nil {
		_ = socket.Close()
		return nil, newError(KindBroken, "init", err)
	}

	verifiedPub, err := onioncrypto.Verify(signed, first.HostKey)
	if err != nil {
		_ = socket.Close()
		return nil, newError(KindPeer, "init", err)
	}

	shared, err := onioncrypto.KX(priv, verifiedPub)
	if err != nil {
		_ = socket.Close()
		return nil, newError(KindBroken, "init", err)
	}
	key, err := onioncrypto.DeriveSessionKey(shared)
	if err != nil {
		_ = socket.Close()
		return nil, newError(KindBroken, "init", err)
	}

	return &Tunnel{
		ID:               id,
		firstHop:         socket,
		circuitID:        circuitID,
		keys:             []*onioncrypto.SessionKey{key},
		frameSize:        cfg.FrameSize,
		handshakeTimeout: cfg.HandshakeTimeout,
		teardownTimeout:  cfg.TeardownTimeout,
	}, nil
}

// Len reports the current number of hops.
func (t *Tunnel) Len() int { return len(t.keys) }

// Extend wraps an EXTEND as layered OPAQUE addressed to the current
// terminal hop, verifies the new hop's signature, and appends the new
// session key so it becomes the innermost layer.
// On signature/derivation failure the half-added hop is rolled back with
// a Truncate(0) telling the current terminal to drop its new outward
// circuit, and Incomplete is returned; on socket failure Broken is
// returned and the tunnel must not be reused.
func (t *Tunnel) Extend(newPeer peer.Peer) error {
	priv, pub, err := onioncrypto.GenerateEphemeralKeypair()
	if err != nil {
		return newError(KindBroken, "extend", err)
	}

	signed, err := t.firstHop.InitiateTunnelHandshake(t.circuitID, newPeer.Address, newPeer.Port, pub, t.keys, t.handshakeTimeout)
	if err != nil {
		return newError(KindBroken, "extend", err)
	}

	verifiedPub, err := onioncrypto.Verify(signed, newPeer.HostKey)
	if err != nil {
		return t.rollbackExtend(err)
	}

	shared, err := onioncrypto.KX(priv, verifiedPub)
	if err != nil {
		return t.rollbackExtend(err)
	}
	key, err := onioncrypto.DeriveSessionKey(shared)
	if err != nil {
		return t.rollbackExtend(err)
	}

	// session-keys[0] is fixed as the first hop for the tunnel's
	// lifetime; a newly extended hop is always the new terminal, so its
	// key goes at the end of the list as the innermost layer.
	t.keys = append(t.keys, key)
	return nil
}

// rollbackExtend undoes a half-added hop: the failed hop's key was never
// appended to session-keys, but the current terminal already opened an
// outward circuit to it. Truncate(0) addresses the current terminal and
// makes it drop that circuit without removing any keys. If even the
// rollback fails the tunnel is Broken.
func (t *Tunnel) rollbackExtend(cause error) error {
	if rollbackErr := t.Truncate(0); rollbackErr != nil {
		return newError(KindBroken, "extend", rollbackErr)
	}
	return newError(KindIncomplete, "extend", cause)
}

// Truncate sends a single TRUNCATE layered to the hop that will remain
// terminal — the message is encrypted with the session keys of every hop
// up to and including that one, so it is the hop whose digest verifies —
// then drops the last n entries of session-keys. n may be 0: the wire
// message is still sent, telling the current terminal to drop its
// outward circuit (the extend-rollback case) without removing any keys.
// Precondition n < len(session-keys); violating it is Incomplete, not
// Broken, since the tunnel is left exactly as it was.
func (t *Tunnel) Truncate(n int) error {
	if n >= len(t.keys) {
		return newError(KindIncomplete, "truncate", errPreconditionViolated)
	}

	remaining := len(t.keys) - n
	if err := t.firstHop.TruncateTunnel(t.circuitID, t.keys[:remaining], t.handshakeTimeout); err != nil {
		return newError(KindBroken, "truncate", err)
	}

	for _, key := range t.keys[remaining:] {
		key.Zeroize()
	}
	t.keys = t.keys[:remaining]
	return nil
}

// TruncateToLength repeatedly truncates by one hop until exactly length
// hops remain. Truncate(n) can cut several hops in one round trip, but
// shrinking one hop at a time means a failure midway leaves a shorter —
// but still valid — tunnel rather than an inconsistent one.
func (t *Tunnel) TruncateToLength(length int) error {
	for len(t.keys) > length {
		if err := t.Truncate(1); err != nil {
			return err
		}
	}
	return nil
}

// Begin sends BEGIN{tunnel_id} to the current terminal hop.
func (t *Tunnel) Begin() error {
	if err := t.firstHop.Begin(t.circuitID, t.ID, t.keys, t.handshakeTimeout); err != nil {
		return newError(KindBroken, "begin", err)
	}
	return nil
}

// SendData sends DATA{tunnel_id, payload} through the tunnel.
func (t *Tunnel) SendData(payload []byte) error {
	if err := t.firstHop.SendData(t.circuitID, t.ID, payload, t.keys, 0); err != nil {
		return newError(KindBroken, "send_data", err)
	}
	return nil
}

// SendEnd sends END{tunnel_id}, used when gracefully retiring a tunnel
// during switchover ahead of its teardown.
func (t *Tunnel) SendEnd(timeout time.Duration) error {
	if err := t.firstHop.SendEnd(t.circuitID, t.ID, t.keys, timeout); err != nil {
		return newError(KindBroken, "send_end", err)
	}
	return nil
}

// Unbuild retires the tunnel. Today that is identical to Teardown; the
// split gives a graceful deconstruction path (drain pending DATA, wait
// for the endpoint's END) a seam to attach to without changing callers.
func (t *Tunnel) Unbuild() {
	t.Teardown()
}

// Teardown sends TEARDOWN on the first-hop circuit with a bounded
// timeout, ignoring errors, and zeroizes every session key.
func (t *Tunnel) Teardown() {
	t.firstHop.SendTeardown(t.circuitID, t.teardownTimeout)
	_ = t.firstHop.Close()
	for _, key := range t.keys {
		key.Zeroize()
	}
}

// AcceptOpaque blocks for the next inbound frame on the first-hop
// circuit, peels it with every session key outermost-first, and decodes
// the inner message. A digest that still fails after all layers are off
// should never happen on a well-formed tunnel and reports KindBroken.
func (t *Tunnel) AcceptOpaque() (wire.InnerMessage, error) {
	hdr, body, err := t.firstHop.AcceptOpaque()
	if err != nil {
		return nil, newError(KindBroken, "accept_opaque", err)
	}
	if hdr.Tag == wire.TagTeardown {
		return nil, newError(KindBroken, "accept_opaque", onionsocket.ErrTornDown)
	}
	if hdr.Tag != wire.TagOpaque {
		return nil, newError(KindPeer, "accept_opaque", onionsocket.ErrUnexpectedTag)
	}

	peeled := append([]byte(nil), body...)
	for i := 0; i < len(t.keys); i++ {
		if err := t.keys[i].LayerDecrypt(onioncrypto.Backward, peeled); err != nil {
			return nil, newError(KindBroken, "accept_opaque", err)
		}
	}

	inner, err := wire.DecodeInner(peeled)
	if err != nil {
		return nil, newError(KindBroken, "accept_opaque", err)
	}
	return inner, nil
}
