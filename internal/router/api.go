package router

import (
	"crypto/x509"
	"io"
	"log"
	"net"

	"onionrelay/internal/controlapi"
	"onionrelay/internal/handler"
	"onionrelay/internal/peer"
)

// ListenControl opens the control-surface listener: one connection may
// build any number of tunnels; build_tunnel, destroy_tunnel and
// send_data are dispatched inline, while Ready/Data/End/Error events
// for every tunnel this connection built are written back as they
// occur.
func (r *Router) ListenControl(addr string, quit <-chan struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Printf("router: control listener on %s", addr)

	go func() {
		<-quit
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return nil
			default:
			}
			log.Printf("router: control accept error: %v", err)
			continue
		}
		go r.handleControlConn(nc)
	}
}

func (r *Router) handleControlConn(nc net.Conn) {
	conn := controlapi.NewConnection(nc)
	defer conn.Close()

	owned := make(map[uint32]struct{})
	defer func() {
		for tunnelID := range owned {
			_ = r.DestroyTunnel(tunnelID)
		}
	}()

	for {
		msg, err := conn.ReadMsg()
		if err != nil {
			if err != io.EOF {
				log.Printf("router: control read error: %v", err)
			}
			return
		}

		switch m := msg.(type) {
		case *controlapi.TunnelBuild:
			hostKey, err := x509.ParsePKCS1PublicKey(m.HostKey)
			if err != nil {
				log.Printf("router: build_tunnel %d: invalid host key: %v", m.TunnelID, err)
				continue
			}
			owned[m.TunnelID] = struct{}{}
			h := r.BuildTunnel(m.TunnelID, peer.Peer{Address: m.Address, Port: m.Port, HostKey: hostKey})
			go pumpHandlerEvents(conn, h)

		case *controlapi.TunnelDestroy:
			delete(owned, m.TunnelID)
			if err := r.DestroyTunnel(m.TunnelID); err != nil {
				log.Printf("router: destroy_tunnel %d: %v", m.TunnelID, err)
			}

		case *controlapi.TunnelData:
			h, ok := r.Handler(m.TunnelID)
			if !ok {
				log.Printf("router: send_data for unknown tunnel %d", m.TunnelID)
				continue
			}
			select {
			case h.Requests() <- handler.Request{Kind: handler.RequestData, Payload: m.Data}:
			default:
				log.Printf("router: tunnel %d request queue full, dropping send_data", m.TunnelID)
			}

		case *controlapi.TunnelCover:
			if err := r.SendCover(m.Size); err != nil {
				log.Printf("router: send_cover: %v", err)
			}

		default:
			log.Printf("router: unexpected control message %T", msg)
		}
	}
}

// pumpHandlerEvents forwards one tunnel handler's Ready/Data/End/Error
// events onto the control connection that built it until the handler
// reaches Destroyed and closes its event channel.
func pumpHandlerEvents(conn *controlapi.Connection, h *handler.Handler) {
	for ev := range h.Events() {
		var out controlapi.Message
		switch ev.Kind {
		case handler.EventReady:
			out = &controlapi.TunnelReady{TunnelID: ev.TunnelID}
		case handler.EventData:
			out = &controlapi.TunnelData{TunnelID: ev.TunnelID, Data: ev.Data}
		case handler.EventEnd:
			out = &controlapi.TunnelEnd{TunnelID: ev.TunnelID}
		case handler.EventError:
			out = &controlapi.TunnelError{TunnelID: ev.TunnelID, Kind: uint8(ev.ErrKind)}
		default:
			continue
		}
		if err := conn.Send(out); err != nil {
			return
		}
	}
}
