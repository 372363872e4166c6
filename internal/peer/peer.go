// Package peer defines the immutable Peer value used throughout the
// tunnel and circuit subsystem.
package peer

import (
	"crypto/rsa"
	"net"
	"strconv"
)

// Peer is a network address plus a long-term public signing key.
// Immutable once constructed.
type Peer struct {
	Address net.IP
	Port    uint16
	HostKey *rsa.PublicKey
}

// Addr renders the peer's dial address in host:port form.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Address.String(), strconv.Itoa(int(p.Port)))
}
