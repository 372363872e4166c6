// Package onioncrypto provides the cryptographic primitives that make up
// one tunnel layer: ephemeral key exchange, session-key derivation, a
// length-preserving layer cipher, and host-key signature verification.
package onioncrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyDerivationContext is the fixed context string mixed into the session
// key KDF so session keys cannot be confused with any other derived secret.
const KeyDerivationContext = "onionrelay tunnel session key v1"

var (
	// ErrBadSignature is returned by Verify when the signature does not
	// validate against the claimed host key.
	ErrBadSignature = errors.New("onioncrypto: signature verification failed")
	// ErrKeyAgreement is returned when a key exchange produces a
	// degenerate (all-zero) shared secret, per RFC 7748 guidance.
	ErrKeyAgreement = errors.New("onioncrypto: key agreement failed")
	// ErrMalformedKey is returned when a peer-supplied key encoding has
	// the wrong length.
	ErrMalformedKey = errors.New("onioncrypto: malformed key encoding")
)

// EphemeralPrivateKey is an X25519 scalar.
type EphemeralPrivateKey [32]byte

// EphemeralPublicKey is an X25519 point.
type EphemeralPublicKey [32]byte

// GenerateEphemeralKeypair produces a fresh Diffie-Hellman keypair using a
// cryptographically secure source of randomness.
func GenerateEphemeralKeypair() (priv EphemeralPrivateKey, pub EphemeralPublicKey, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// SignedPublicKey is a responder's ephemeral public key together with a
// host-key signature over it, sent back in CREATED/EXTENDED.
type SignedPublicKey struct {
	Pub       EphemeralPublicKey
	Signature []byte
}

// Sign signs pub with the node's long-term RSA host key so that the peer
// can authenticate the responder side of a handshake.
func Sign(hostKey *rsa.PrivateKey, pub EphemeralPublicKey) (SignedPublicKey, error) {
	digest := sha256.Sum256(pub[:])
	sig, err := rsa.SignPSS(rand.Reader, hostKey, crypto.SHA256, digest[:], nil)
	if err != nil {
		return SignedPublicKey{}, err
	}
	return SignedPublicKey{Pub: pub, Signature: sig}, nil
}

// Verify checks a SignedPublicKey against the claimed peer host key and
// returns the enclosed ephemeral public key on success.
func Verify(signed SignedPublicKey, peerHostKey *rsa.PublicKey) (EphemeralPublicKey, error) {
	digest := sha256.Sum256(signed.Pub[:])
	if err := rsa.VerifyPSS(peerHostKey, crypto.SHA256, digest[:], signed.Signature, nil); err != nil {
		return EphemeralPublicKey{}, ErrBadSignature
	}
	return signed.Pub, nil
}

// KX performs the Diffie-Hellman key agreement step.
func KX(priv EphemeralPrivateKey, peerPub EphemeralPublicKey) (shared [32]byte, err error) {
	sharedBytes, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return shared, err
	}

	var zero [32]byte
	if subtleConstantTimeEqual(sharedBytes, zero[:]) {
		return shared, ErrKeyAgreement
	}
	copy(shared[:], sharedBytes)
	return shared, nil
}

func subtleConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// Direction distinguishes the two independent keystreams layered onto a
// session key: Forward runs from the tunnel originator towards the
// terminal hop, Backward runs the other way. Keeping them separate means
// the counter that seeds each stream cipher nonce never has to be shared
// between the two traffic directions.
type Direction uint8

const (
	Forward Direction = iota
	Backward
)

// SessionKey is the symmetric key material shared between the tunnel
// originator and exactly one hop. It owns one running nonce counter per
// Direction so that onion layers never reuse a keystream within the
// lifetime of the owning tunnel or circuit.
type SessionKey struct {
	key      [32]byte
	forward  uint64
	backward uint64
}

// DeriveSessionKey runs the shared DH secret through HKDF with a fixed
// context string to produce the symmetric layer key.
func DeriveSessionKey(shared [32]byte) (*SessionKey, error) {
	kdf := hkdf.New(sha256.New, shared[:], nil, []byte(KeyDerivationContext))
	sk := &SessionKey{}
	if _, err := io.ReadFull(kdf, sk.key[:]); err != nil {
		return nil, err
	}
	return sk, nil
}

// LayerEncrypt and LayerDecrypt are the same length-preserving stream
// cipher operation: XOR against a per-direction keystream. They are
// distinguished only so that call sites read as "add a layer" versus
// "remove a layer"; both advance the direction's counter by one, so
// callers must invoke them exactly once per frame, in frame order, on
// both ends of a circuit for the counters to stay in lockstep.
func (sk *SessionKey) LayerEncrypt(dir Direction, buf []byte) error {
	return sk.xor(dir, buf)
}

func (sk *SessionKey) LayerDecrypt(dir Direction, buf []byte) error {
	return sk.xor(dir, buf)
}

func (sk *SessionKey) xor(dir Direction, buf []byte) error {
	var counter *uint64
	switch dir {
	case Forward:
		counter = &sk.forward
	case Backward:
		counter = &sk.backward
	default:
		return errors.New("onioncrypto: invalid direction")
	}

	nonce := nonceFor(dir, *counter)
	*counter++

	cipher, err := chacha20.NewUnauthenticatedCipher(sk.key[:], nonce)
	if err != nil {
		return err
	}
	cipher.XORKeyStream(buf, buf)
	return nil
}

func nonceFor(dir Direction, counter uint64) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	nonce[0] = byte(dir)
	for i := 0; i < 8; i++ {
		nonce[chacha20.NonceSize-1-i] = byte(counter >> (8 * i))
	}
	return nonce
}

// Zeroize wipes the key material. Must be called once the owning
// tunnel or circuit tears down; session keys are never reused.
func (sk *SessionKey) Zeroize() {
	for i := range sk.key {
		sk.key[i] = 0
	}
	sk.forward = 0
	sk.backward = 0
}
