// Package circuit implements the relay-side view of a circuit: peel one
// onion layer off frames arriving from the predecessor, forward what
// isn't addressed to this hop, and act on what is.
package circuit

import (
	"errors"
	"log"
	"net"
	"time"

	"onionrelay/internal/onioncrypto"
	"onionrelay/internal/onionsocket"
	"onionrelay/internal/wire"
)

// Role distinguishes a circuit whose terminal hop is this node (Endpoint)
// from one that has been extended onward (Relay).
type Role int

const (
	RoleEndpoint Role = iota
	RoleRelay
)

// Handlers are the terminal-hop actions a Circuit invokes when a frame's
// digest verifies locally. A relay node only ever needs OnExtend and
// OnTruncate; OnBegin/OnData/OnEnd matter for a circuit acting as a
// tunnel endpoint.
type Handlers struct {
	OnExtend   func(c *Circuit, addr net.IP, port uint16, pub onioncrypto.EphemeralPublicKey) (onioncrypto.SignedPublicKey, error)
	OnTruncate func(c *Circuit) error
	OnBegin    func(c *Circuit, tunnelID uint32)
	OnData     func(c *Circuit, tunnelID uint32, payload []byte)
	OnEnd      func(c *Circuit, tunnelID uint32)
}

// Circuit is the relay-side state for one hop of a tunnel: an inbound
// socket from the predecessor, an optional outbound socket to the
// successor once EXTENDed, and the session key shared with the
// originator for this hop's layer.
type Circuit struct {
	ID        uint16
	In        *onionsocket.OnionSocket
	Out       *onionsocket.OnionSocket
	Key       *onioncrypto.SessionKey
	Role      Role
	FrameSize int

	handlers        Handlers
	teardownTimeout time.Duration
	done            chan struct{}
}

// New constructs a Circuit in the Endpoint role. ExtendTo promotes it to
// Relay once the successor hop is established.
func New(id uint16, in *onionsocket.OnionSocket, key *onioncrypto.SessionKey, frameSize int, teardownTimeout time.Duration, handlers Handlers) *Circuit {
	return &Circuit{
		ID:              id,
		In:              in,
		Key:             key,
		Role:            RoleEndpoint,
		FrameSize:       frameSize,
		handlers:        handlers,
		teardownTimeout: teardownTimeout,
		done:            make(chan struct{}),
	}
}

// ExtendTo attaches the outbound socket once this hop has opened a new
// hop on behalf of the originator, promoting the circuit to Relay.
func (c *Circuit) ExtendTo(out *onionsocket.OnionSocket) {
	c.Out = out
	c.Role = RoleRelay
}

// Run reads inbound frames from the predecessor (and, once extended,
// from the successor) forever, applying the relay rule. It is meant to
// run in its own goroutine, one per Circuit. Frames from both sockets
// funnel into one channel, tagged with the socket they came from;
// anything from a socket the circuit no longer owns (a successor
// dropped by TRUNCATE, or replaced by a later EXTEND) is discarded.
func (c *Circuit) Run() {
	defer close(c.done)

	frames := make(chan frameOrErr, 2)
	go c.pump(c.In, frames)
	var pumpedOut *onionsocket.OnionSocket

	for {
		if c.Out != nil && c.Out != pumpedOut {
			pumpedOut = c.Out
			go c.pump(c.Out, frames)
		}

		f := <-frames
		switch {
		case f.sock == c.In:
			if f.err != nil {
				log.Printf("circuit %d: predecessor read failed: %v", c.ID, f.err)
				c.teardown()
				return
			}
			if c.handleFromPredecessor(f.hdr, f.body) {
				return
			}

		case c.Out != nil && f.sock == c.Out:
			if f.err != nil {
				log.Printf("circuit %d: successor read failed: %v", c.ID, f.err)
				c.teardown()
				return
			}
			if c.handleFromSuccessor(f.hdr, f.body) {
				return
			}

		default:
			// stale: the socket was truncated or replaced after this
			// frame (or read error) was already in flight.
		}
	}
}

type frameOrErr struct {
	sock *onionsocket.OnionSocket
	hdr  wire.Header
	body []byte
	err  error
}

// pump reads frames off one socket until it errors or the circuit stops.
func (c *Circuit) pump(s *onionsocket.OnionSocket, out chan<- frameOrErr) {
	for {
		hdr, body, err := s.AcceptOpaque()
		select {
		case out <- frameOrErr{sock: s, hdr: hdr, body: body, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handleFromPredecessor peels exactly one layer. A verifying digest means
// this hop is terminal for the frame; otherwise it is forwarded onward
// unchanged in size. Returns true if the circuit should stop.
func (c *Circuit) handleFromPredecessor(hdr wire.Header, body []byte) bool {
	if hdr.Tag == wire.TagTeardown {
		c.teardown()
		return true
	}
	if hdr.Tag != wire.TagOpaque {
		log.Printf("circuit %d: unexpected tag %d from predecessor", c.ID, hdr.Tag)
		c.teardown()
		return true
	}

	peeled := append([]byte(nil), body...)
	if err := c.Key.LayerDecrypt(onioncrypto.Forward, peeled); err != nil {
		c.teardown()
		return true
	}

	inner, err := wire.DecodeInner(peeled)
	if err != nil {
		if errors.Is(err, wire.ErrDigestMismatch) {
			if c.Out == nil {
				log.Printf("circuit %d: non-terminal frame but no successor set", c.ID)
				c.teardown()
				return true
			}
			if sendErr := c.Out.ForwardOpaque(c.ID, peeled); sendErr != nil {
				c.teardown()
				return true
			}
			return false
		}
		c.teardown()
		return true
	}

	return c.actOn(inner)
}

// handleFromSuccessor adds one layer and forwards to the predecessor,
// mirroring handleFromPredecessor.
func (c *Circuit) handleFromSuccessor(hdr wire.Header, body []byte) bool {
	if hdr.Tag == wire.TagTeardown {
		c.teardown()
		return true
	}
	if hdr.Tag != wire.TagOpaque {
		log.Printf("circuit %d: unexpected tag %d from successor", c.ID, hdr.Tag)
		c.teardown()
		return true
	}

	wrapped := append([]byte(nil), body...)
	if err := c.Key.LayerEncrypt(onioncrypto.Backward, wrapped); err != nil {
		c.teardown()
		return true
	}
	if err := c.In.ForwardOpaque(c.ID, wrapped); err != nil {
		c.teardown()
		return true
	}
	return false
}

func (c *Circuit) actOn(inner wire.InnerMessage) (stop bool) {
	switch msg := inner.(type) {
	case *wire.ExtendMessage:
		if c.handlers.OnExtend == nil {
			return true
		}
		signed, err := c.handlers.OnExtend(c, msg.Address, msg.Port, msg.EphemeralPub)
		if err != nil {
			c.teardown()
			return true
		}
		return c.replyOpaque(&wire.ExtendedMessage{Signed: signed})

	case *wire.TruncateMessage:
		if c.handlers.OnTruncate != nil {
			if err := c.handlers.OnTruncate(c); err != nil {
				c.teardown()
				return true
			}
		}
		c.Out = nil
		c.Role = RoleEndpoint
		return c.replyOpaque(&wire.TruncatedMessage{})

	case *wire.BeginMessage:
		if c.handlers.OnBegin != nil {
			c.handlers.OnBegin(c, msg.TunnelID)
		}
		return false

	case *wire.DataMessage:
		if c.handlers.OnData != nil {
			c.handlers.OnData(c, msg.TunnelID, msg.Payload)
		}
		return false

	case *wire.EndMessage:
		if c.handlers.OnEnd != nil {
			c.handlers.OnEnd(c, msg.TunnelID)
		}
		c.teardown()
		return true

	default:
		c.teardown()
		return true
	}
}

func (c *Circuit) replyOpaque(msg wire.InnerMessage) (stop bool) {
	plaintextLen := c.FrameSize - wire.HeaderSize
	buf := make([]byte, plaintextLen)
	if err := wire.EncodeInner(buf, msg); err != nil {
		c.teardown()
		return true
	}
	if err := c.Key.LayerEncrypt(onioncrypto.Backward, buf); err != nil {
		c.teardown()
		return true
	}
	if err := c.In.ForwardOpaque(c.ID, buf); err != nil {
		c.teardown()
		return true
	}
	return false
}

func (c *Circuit) teardown() {
	c.In.SendTeardown(c.ID, c.teardownTimeout)
	_ = c.In.Close()
	if c.Out != nil {
		c.Out.SendTeardown(c.ID, c.teardownTimeout)
		_ = c.Out.Close()
	}
}

// Done reports when Run has returned.
func (c *Circuit) Done() <-chan struct{} { return c.done }
