package tunnel

import (
	"errors"

	"onionrelay/internal/peer"
)

// ErrBuildFailed is returned once MaxPeerFailures iterations have been
// spent without assembling a tunnel of the requested length.
var ErrBuildFailed = errors.New("tunnel: build failed after max peer failures")

// Sampler is the external peer source: each call blocks for one
// sampled Peer.
type Sampler func() (peer.Peer, error)

// Builder assembles one tunnel of a fixed hop count to a fixed final
// destination within a bounded number of iterations.
type Builder struct {
	Sampler         Sampler
	MaxPeerFailures int
	Config          Config
}

// Build runs the bounded assembly loop. dest is the final hop; nHops is
// the number of intermediate hops (total tunnel length is nHops+1;
// nHops==0 means a single hop straight to dest). MaxPeerFailures caps
// total iterations, successful ones included, so a build issues at most
// that many handshake rounds before giving up.
func (b *Builder) Build(tunnelID uint32, circuitID uint16, dest peer.Peer, nHops int) (*Tunnel, error) {
	var current *Tunnel

	for i := 0; i < b.MaxPeerFailures; i++ {
		switch {
		case current == nil && nHops == 0:
			t, err := Init(tunnelID, circuitID, dest, b.Config)
			if err != nil {
				continue
			}
			return t, nil

		case current == nil:
			p, err := b.Sampler()
			if err != nil {
				continue
			}
			t, err := Init(tunnelID, circuitID, p, b.Config)
			if err != nil {
				continue
			}
			current = t

		case current.Len() < nHops:
			p, err := b.Sampler()
			if err != nil {
				continue
			}
			if err := current.Extend(p); err != nil {
				var tErr *Error
				if errors.As(err, &tErr) && tErr.Kind == KindBroken {
					current.Teardown()
					current = nil
				}
			}

		default: // current.Len() == nHops
			if err := current.Extend(dest); err != nil {
				var tErr *Error
				if errors.As(err, &tErr) && tErr.Kind == KindBroken {
					current.Teardown()
					current = nil
				}
				continue
			}
			return current, nil
		}
	}

	if current != nil {
		current.Teardown()
	}
	return nil, ErrBuildFailed
}
