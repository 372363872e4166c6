// Package router glues the circuit and tunnel layers to network I/O and
// to the control surface: it accepts inbound relay connections, performs
// the responder side of CREATE/EXTEND, and routes control-API requests
// to per-tunnel handlers.
package router

import (
	"crypto/tls"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"onionrelay/internal/circuit"
	"onionrelay/internal/config"
	"onionrelay/internal/controlapi"
	"onionrelay/internal/handler"
	"onionrelay/internal/onioncrypto"
	"onionrelay/internal/onionsocket"
	"onionrelay/internal/peer"
	"onionrelay/internal/rps"
	"onionrelay/internal/scheduler"
	"onionrelay/internal/tunnel"
)

var ErrUnknownTunnel = errors.New("router: unknown tunnel id")

// incomingTunnel is a circuit on which this node is the terminal hop,
// i.e. someone else's tunnel lands here. Data/End for it is fanned out
// to whichever control connections are currently subscribed.
type incomingTunnel struct {
	mu    sync.Mutex
	conns map[*controlapi.Connection]struct{}
}

// Router owns every live circuit and tunnel handler on this node.
type Router struct {
	cfg *config.Config
	rps *rps.Client
	sch *scheduler.Scheduler

	nextCircuitID uint32 // wraps into uint16 per-connection circuit IDs

	mu       sync.Mutex
	handlers map[uint32]*handler.Handler
	incoming map[uint32]*incomingTunnel
}

// New constructs a Router. The scheduler must already be running;
// New does not start it, mirroring how main wires cmd/onionrelay.
func New(cfg *config.Config, rpsClient *rps.Client, sch *scheduler.Scheduler) *Router {
	return &Router{
		cfg:      cfg,
		rps:      rpsClient,
		sch:      sch,
		handlers: make(map[uint32]*handler.Handler),
		incoming: make(map[uint32]*incomingTunnel),
	}
}

func (r *Router) newCircuitID() uint16 {
	return uint16(atomic.AddUint32(&r.nextCircuitID, 1))
}

func (r *Router) tunnelConfig() tunnel.Config {
	return tunnel.Config{
		FrameSize:        r.cfg.FrameSize,
		HandshakeTimeout: r.cfg.HandshakeTimeout,
		TeardownTimeout:  r.cfg.TeardownTimeout,
	}
}

// HandleRelayConn services one inbound P2P connection: it is always a
// fresh circuit whose first frame must be CREATE.
func (r *Router) HandleRelayConn(nc net.Conn) {
	socket := onionsocket.New(nc, r.cfg.FrameSize)

	circuitID, initiatorPub, err := socket.AcceptHandshake()
	if err != nil {
		log.Printf("router: handshake failed from %v: %v", nc.RemoteAddr(), err)
		_ = socket.Close()
		return
	}

	priv, pub, err := onioncrypto.GenerateEphemeralKeypair()
	if err != nil {
		log.Printf("router: keypair generation failed: %v", err)
		_ = socket.Close()
		return
	}

	signed, err := onioncrypto.Sign(r.cfg.HostKey, pub)
	if err != nil {
		log.Printf("router: signing failed: %v", err)
		_ = socket.Close()
		return
	}
	if err := socket.CompleteHandshake(circuitID, signed, r.cfg.HandshakeTimeout); err != nil {
		log.Printf("router: sending CREATED failed: %v", err)
		_ = socket.Close()
		return
	}

	shared, err := onioncrypto.KX(priv, initiatorPub)
	if err != nil {
		log.Printf("router: key agreement failed: %v", err)
		_ = socket.Close()
		return
	}
	key, err := onioncrypto.DeriveSessionKey(shared)
	if err != nil {
		log.Printf("router: key derivation failed: %v", err)
		_ = socket.Close()
		return
	}

	c := circuit.New(circuitID, socket, key, r.cfg.FrameSize, r.cfg.TeardownTimeout, circuit.Handlers{
		OnExtend:   r.onExtend,
		OnTruncate: r.onTruncate,
		OnBegin:    r.onBegin,
		OnData:     r.onData,
		OnEnd:      r.onEnd,
	})
	c.Run()
}

// onExtend dials the requested next hop on this circuit's behalf and
// relays the initiator's ephemeral public key verbatim: a relay never
// holds the originator's DH private key, so it cannot verify or derive
// anything about the new hop itself, only forward the signed response
// back up the tunnel.
func (r *Router) onExtend(c *circuit.Circuit, addr net.IP, port uint16, pub onioncrypto.EphemeralPublicKey) (onioncrypto.SignedPublicKey, error) {
	// every relay listener accepts TLS only (see ListenRelay); dial the
	// same way here, matching tunnel.Init's InsecureSkipVerify config
	// since peers authenticate via the RSA host-key signature, not the
	// TLS cert chain.
	conn, err := tls.Dial("tcp", net.JoinHostPort(addr.String(), itoa(port)), &tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	if err != nil {
		return onioncrypto.SignedPublicKey{}, err
	}

	out := onionsocket.New(conn, r.cfg.FrameSize)
	nextCircuitID := r.newCircuitID()
	signed, err := out.InitiateHandshake(nextCircuitID, pub, r.cfg.HandshakeTimeout)
	if err != nil {
		_ = out.Close()
		return onioncrypto.SignedPublicKey{}, err
	}

	c.ExtendTo(out)
	return signed, nil
}

func (r *Router) onTruncate(c *circuit.Circuit) error {
	if c.Out != nil {
		c.Out.SendTeardown(c.ID, r.cfg.TeardownTimeout)
		_ = c.Out.Close()
	}
	return nil
}

// onBegin marks this node the terminal hop for tunnelID and announces it
// to every subscribed control connection.
func (r *Router) onBegin(c *circuit.Circuit, tunnelID uint32) {
	r.mu.Lock()
	it, ok := r.incoming[tunnelID]
	if !ok {
		it = &incomingTunnel{conns: make(map[*controlapi.Connection]struct{})}
		r.incoming[tunnelID] = it
	}
	r.mu.Unlock()

	it.mu.Lock()
	conns := make([]*controlapi.Connection, 0, len(it.conns))
	for conn := range it.conns {
		conns = append(conns, conn)
	}
	it.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Send(&controlapi.TunnelIncoming{TunnelID: tunnelID})
	}
}

func (r *Router) onData(c *circuit.Circuit, tunnelID uint32, payload []byte) {
	r.mu.Lock()
	it := r.incoming[tunnelID]
	r.mu.Unlock()
	if it == nil {
		return
	}

	it.mu.Lock()
	conns := make([]*controlapi.Connection, 0, len(it.conns))
	for conn := range it.conns {
		conns = append(conns, conn)
	}
	it.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Send(&controlapi.TunnelData{TunnelID: tunnelID, Data: payload})
	}
}

func (r *Router) onEnd(c *circuit.Circuit, tunnelID uint32) {
	r.mu.Lock()
	delete(r.incoming, tunnelID)
	r.mu.Unlock()
}

// SubscribeIncoming attaches conn as a listener for any tunnel that
// lands on this node terminating at tunnelID, used when a control
// client acts as the destination service for inbound tunnels.
func (r *Router) SubscribeIncoming(tunnelID uint32, conn *controlapi.Connection) {
	r.mu.Lock()
	it, ok := r.incoming[tunnelID]
	if !ok {
		it = &incomingTunnel{conns: make(map[*controlapi.Connection]struct{})}
		r.incoming[tunnelID] = it
	}
	r.mu.Unlock()

	it.mu.Lock()
	it.conns[conn] = struct{}{}
	it.mu.Unlock()
}

// BuildTunnel starts a new outgoing tunnel handler, registers it with the
// round scheduler, and returns it so the caller can pump events to the
// requesting control connection.
// FIXME a hostile control client may fill up the tunnel ID namespace; no
// rate limit on allocation is enforced here.
func (r *Router) BuildTunnel(tunnelID uint32, dest peer.Peer) *handler.Handler {
	return r.buildTunnel(tunnelID, dest, false)
}

func (r *Router) buildTunnel(tunnelID uint32, dest peer.Peer, cover bool) *handler.Handler {
	builder := &tunnel.Builder{
		Sampler:         r.rps.Sample,
		MaxPeerFailures: r.cfg.MaxPeerFailures,
		Config:          r.tunnelConfig(),
	}
	h := handler.New(tunnelID, builder, dest, r.cfg.HopsPerTunnel, r.cfg.TeardownTimeout)

	r.mu.Lock()
	r.handlers[tunnelID] = h
	r.mu.Unlock()

	circuitID := r.newCircuitID()
	if cover {
		r.sch.RegisterCover(h)
	} else {
		r.sch.Register(h)
	}
	go h.Run(circuitID)
	h.StartInitialBuild(circuitID)

	return h
}

// Handler looks up a running tunnel handler by ID.
func (r *Router) Handler(tunnelID uint32) (*handler.Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[tunnelID]
	return h, ok
}

// DestroyTunnel unregisters tunnelID and requests the handler tear down.
func (r *Router) DestroyTunnel(tunnelID uint32) error {
	r.mu.Lock()
	h, ok := r.handlers[tunnelID]
	delete(r.handlers, tunnelID)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownTunnel
	}
	r.sch.Unregister(tunnelID)
	h.Requests() <- handler.Request{Kind: handler.RequestDestroy}
	return nil
}

func itoa(port uint16) string {
	return strconv.Itoa(int(port))
}
