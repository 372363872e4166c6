// Package handler implements the per-tunnel state machine: Building →
// Ready → Destroying → Destroyed, serializing app requests, inbound
// frames, and periodic switchover onto one goroutine per tunnel.
package handler

import (
	"log"
	"sync"
	"time"

	"onionrelay/internal/peer"
	"onionrelay/internal/tunnel"
	"onionrelay/internal/wire"
)

// State is one of the four TunnelHandler states.
type State int

const (
	Building State = iota
	Ready
	Destroying
	Destroyed
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Destroying:
		return "destroying"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// RequestKind distinguishes the three application-facing requests a
// handler accepts.
type RequestKind int

const (
	RequestData RequestKind = iota
	RequestSwitchover
	RequestDestroy
)

// Request is one app-facing input to the handler's event loop.
type Request struct {
	Kind    RequestKind
	Payload []byte
}

// EventKind distinguishes the four outcomes a handler reports upward.
type EventKind int

const (
	EventReady EventKind = iota
	EventData
	EventEnd
	EventError
)

// Event is emitted on the handler's event channel; only Ready/Data/End/
// Error ever reach the application, never an internal error variant.
type Event struct {
	Kind     EventKind
	TunnelID uint32
	Data     []byte
	ErrKind  tunnel.Kind
}

// nextTunnelCell is the shared mutable cell between a handler and its
// background builder goroutine: the builder only ever deposits into it,
// the handler only ever takes from it, so neither holds a reference to
// the other.
type nextTunnelCell struct {
	mu     sync.Mutex
	t      *tunnel.Tunnel
	closed bool
}

func (c *nextTunnelCell) set(t *tunnel.Tunnel) {
	c.mu.Lock()
	closed := c.closed
	var evicted *tunnel.Tunnel
	if !closed {
		evicted = c.t
		c.t = t
	}
	c.mu.Unlock()

	if closed {
		// the handler reached Destroyed while this build was in flight;
		// its result is discarded.
		t.Unbuild()
		return
	}
	if evicted != nil {
		evicted.Unbuild()
	}
}

func (c *nextTunnelCell) take() *tunnel.Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = nil
	return t
}

// close marks the cell dead so late deposits tear themselves down, and
// returns whatever was pending.
func (c *nextTunnelCell) close() *tunnel.Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	t := c.t
	c.t = nil
	return t
}

// Handler drives one tunnel's entire lifecycle on its own goroutine.
type Handler struct {
	TunnelID uint32

	builder *tunnel.Builder
	dest    peer.Peer
	nHops   int

	requests chan Request
	events   chan Event
	quit     chan struct{}

	state   State
	current *tunnel.Tunnel
	next    nextTunnelCell
	sendEnd time.Duration
}

// New constructs a Handler in the Building state; the caller must call
// Run in its own goroutine and StartInitialBuild to kick off the first
// tunnel build. The first Switchover tick after the build deposits its
// result promotes the tunnel to current and moves the handler to Ready,
// mirroring how the round scheduler drives every later rotation.
func New(tunnelID uint32, builder *tunnel.Builder, dest peer.Peer, nHops int, sendEndTimeout time.Duration) *Handler {
	return &Handler{
		TunnelID: tunnelID,
		builder:  builder,
		dest:     dest,
		nHops:    nHops,
		requests: make(chan Request, 8),
		events:   make(chan Event, 8),
		quit:     make(chan struct{}),
		state:    Building,
		sendEnd:  sendEndTimeout,
	}
}

// Requests returns the channel the application and the round scheduler
// send Request values on.
func (h *Handler) Requests() chan Request { return h.requests }

// Events returns the channel Ready/Data/End/Error events are delivered
// on.
func (h *Handler) Events() <-chan Event { return h.events }

// StartInitialBuild kicks off the very first tunnel build in the
// background; once it succeeds the result lands in next, and the first
// Switchover tick after that promotes it to current.
func (h *Handler) StartInitialBuild(circuitID uint16) {
	go h.buildNext(circuitID)
}

func (h *Handler) buildNext(circuitID uint16) {
	t, err := h.builder.Build(h.TunnelID, circuitID, h.dest, h.nHops)
	if err != nil {
		log.Printf("handler %d: background build failed: %v", h.TunnelID, err)
		return
	}
	h.next.set(t)
}

// Run is the handler's event loop; it owns state and must run on its
// own goroutine, one per tunnel. Inbound frames from
// whichever tunnel is current funnel into one channel, tagged with the
// tunnel they were read from: after a switchover the retired tunnel's
// pump keeps draining until its socket closes, and everything it still
// delivers — including its eventual teardown read error — is discarded
// rather than misattributed to the new tunnel.
func (h *Handler) Run(circuitID uint16) {
	defer close(h.events)
	defer close(h.quit)

	inbound := make(chan inboundOrErr, 4)
	var pumping *tunnel.Tunnel

	for h.state != Destroyed {
		if h.current != nil && h.current != pumping {
			pumping = h.current
			go h.pump(h.current, inbound)
		}

		select {
		case req, ok := <-h.requests:
			if !ok {
				// the request channel is gone, so no Switchover tick can
				// ever arrive; tear down immediately instead of waiting
				// for one.
				h.destroyNow()
				continue
			}
			h.handleRequest(req, circuitID)

		case in := <-inbound:
			if h.current == nil || in.from != h.current {
				continue
			}
			h.handleInbound(in)
		}
	}
}

type inboundOrErr struct {
	from *tunnel.Tunnel
	msg  wire.InnerMessage
	err  error
}

// pump reads inner messages off one tunnel until it errors or the
// handler stops.
func (h *Handler) pump(t *tunnel.Tunnel, out chan<- inboundOrErr) {
	for {
		msg, err := t.AcceptOpaque()
		select {
		case out <- inboundOrErr{from: t, msg: msg, err: err}:
		case <-h.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (h *Handler) handleRequest(req Request, circuitID uint16) {
	switch h.state {
	case Building:
		switch req.Kind {
		case RequestSwitchover:
			t := h.next.take()
			if t == nil {
				// the initial build hasn't deposited a tunnel yet; stay
				// Building and let the next round tick try again.
				return
			}
			h.current = t
			if err := h.current.Begin(); err != nil {
				h.handleTunnelError(err)
				return
			}
			h.state = Ready
			h.events <- Event{Kind: EventReady, TunnelID: h.TunnelID}
			go h.buildNext(circuitID)
		case RequestData:
			h.emitError(tunnel.KindIncomplete)
		case RequestDestroy:
			h.markDestroying()
		}

	case Ready:
		switch req.Kind {
		case RequestData:
			if h.current == nil {
				h.emitError(tunnel.KindIncomplete)
				return
			}
			if err := h.current.SendData(req.Payload); err != nil {
				h.handleTunnelError(err)
			}

		case RequestSwitchover:
			h.doSwitchover(circuitID)

		case RequestDestroy:
			h.state = Destroying
		}

	case Destroying:
		if req.Kind == RequestSwitchover {
			h.destroyNow()
		}
	}
}

func (h *Handler) doSwitchover(circuitID uint16) {
	newTunnel := h.next.take()
	if newTunnel == nil {
		// the background build hasn't deposited a replacement yet; stay
		// on the current tunnel for one more round rather than stall.
		return
	}

	old := h.current
	h.current = newTunnel

	// old must be retired regardless of whether Begin succeeds on the
	// new tunnel below, or its socket and session keys leak.
	if old != nil {
		go func() {
			_ = old.SendEnd(h.sendEnd)
			old.Unbuild()
		}()
	}

	if err := h.current.Begin(); err != nil {
		h.handleTunnelError(err)
		return
	}

	go h.buildNext(circuitID)
}

func (h *Handler) handleInbound(in inboundOrErr) {
	if in.err != nil {
		h.handleTunnelError(in.err)
		return
	}

	switch msg := in.msg.(type) {
	case *wire.DataMessage:
		h.events <- Event{Kind: EventData, TunnelID: h.TunnelID, Data: msg.Payload}
	case *wire.EndMessage:
		h.events <- Event{Kind: EventEnd, TunnelID: h.TunnelID}
		h.markDestroying()
	default:
		// anything else peeling through to us is a protocol violation;
		// the digest verified but the tag makes no sense in Ready state.
		h.handleTunnelError(&tunnel.Error{Kind: tunnel.KindBroken, Op: "inbound", Err: wire.ErrInvalidFrame})
	}
}

// handleTunnelError reports the failure upward. A Broken failure means
// the current tunnel is unsafe to keep holding onto, so the handler
// transitions to Destroying; actual teardown is deferred to the next
// Switchover tick, not run inline here. Peer/Incomplete failures leave
// the tunnel's state untouched.
func (h *Handler) handleTunnelError(err error) {
	kind := tunnel.KindBroken
	if tErr, ok := err.(*tunnel.Error); ok {
		kind = tErr.Kind
	}
	h.emitError(kind)
	if kind == tunnel.KindBroken {
		h.markDestroying()
	}
}

func (h *Handler) emitError(kind tunnel.Kind) {
	h.events <- Event{Kind: EventError, TunnelID: h.TunnelID, ErrKind: kind}
}

// markDestroying marks the handler Destroying without tearing anything
// down yet; actual teardown runs at the next Switchover tick.
func (h *Handler) markDestroying() {
	if h.state != Destroyed {
		h.state = Destroying
	}
}

// destroyNow tears down both the current and any pending next tunnel
// immediately and marks the handler Destroyed, used when continuing to
// hold the tunnel open is itself unsafe.
func (h *Handler) destroyNow() {
	if h.current != nil {
		h.current.Teardown()
		h.current = nil
	}
	if next := h.next.close(); next != nil {
		next.Teardown()
	}
	h.state = Destroyed
}

// CurrentState reports the handler's state; intended for tests and
// diagnostics, not for driving logic externally.
func (h *Handler) CurrentState() State { return h.state }
