// Package config loads the onion relay configuration from an INI file.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-ini/ini"
)

// Config holds every tunable the tunnel and circuit core consumes.
// Loading the host key file is this package's job, not the core's:
// Config resolves the PEM into a parsed key pair and hands the core the
// already-parsed *rsa.PrivateKey, never a path.
type Config struct {
	ListenAddr     string // p2p listen address for onion/circuit traffic
	ControlAddr    string // control-surface API listen address
	PeerSourceAddr string // peer sampling (RPS) service address

	HopsPerTunnel       int // intermediate hop count; 0 = single hop straight to dest
	FrameSize           int // F, constant wire frame size in bytes
	RoundPeriod         time.Duration
	HandshakeTimeout    time.Duration
	TeardownTimeout     time.Duration
	MaxPeerFailures     int
	CoverTrafficEnabled bool

	Verbosity int
	HostKey   *rsa.PrivateKey
}

// FromFile populates Config from the INI file at path.
func (c *Config) FromFile(path string) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}

	sec := cfg.Section("onion")
	c.PeerSourceAddr = cfg.Section("rps").Key("api_address").String()
	c.ControlAddr = sec.Key("api_address").String()
	c.ListenAddr = sec.Key("p2p_listen_addr").String()
	c.HopsPerTunnel = sec.Key("hops_per_tunnel").MustInt(2)
	c.FrameSize = sec.Key("frame_size").MustInt(1024)
	c.RoundPeriod = time.Duration(sec.Key("round_period_seconds").MustInt(30)) * time.Second
	c.HandshakeTimeout = time.Duration(sec.Key("handshake_timeout_seconds").MustInt(10)) * time.Second
	c.TeardownTimeout = time.Duration(sec.Key("teardown_timeout_seconds").MustInt(2)) * time.Second
	c.MaxPeerFailures = sec.Key("max_peer_failures").MustInt(10)
	c.CoverTrafficEnabled = sec.Key("cover_traffic").MustBool(false)
	c.Verbosity = sec.Key("verbose").MustInt(0)

	hostKeyFile := sec.Key("hostkey").String()
	if hostKeyFile == "" {
		return errors.New("missing config file entry: [onion] hostkey")
	}

	data, err := os.ReadFile(hostKeyFile)
	if err != nil {
		return fmt.Errorf("could not read host key file: %v", err)
	}

	c.HostKey, err = parseHostKey(data)
	if err != nil {
		return err
	}

	if c.ListenAddr == "" {
		return errors.New("missing config file entry: [onion] p2p_listen_addr")
	}

	return nil
}

func parseHostKey(data []byte) (*rsa.PrivateKey, error) {
	pemBlock, rest := pem.Decode(data)
	if pemBlock == nil || len(rest) != 0 {
		return nil, errors.New("invalid pem entry in host key file")
	}

	switch pemBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(pemBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid hostkey: %v", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid hostkey: %v", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("hostkey is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, errors.New("unknown key type")
	}
}
