package router

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log"
	"math/big"
)

// ListenRelay opens a TLS listener on addr for inbound circuit traffic,
// handing every accepted connection to HandleRelayConn in its own
// goroutine. The certificate is self-signed from the node's RSA host
// key.
func (r *Router) ListenRelay(addr string, quit <-chan struct{}) error {
	cert, err := tlsCertFromHostKey(r.cfg.HostKey)
	if err != nil {
		return err
	}

	ln, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, //nolint:gosec // peers authenticate via the RSA host key signature, not the TLS cert chain
	})
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Printf("router: relay listener on %s", addr)

	go func() {
		<-quit
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return nil
			default:
			}
			log.Printf("router: accept error: %v", err)
			continue
		}
		go r.HandleRelayConn(conn)
	}
}

// tlsCertFromHostKey wraps the long-term RSA signing key in a
// self-signed certificate usable by tls.Listen/tls.Dial. The host key
// itself, not the certificate chain, is what peers authenticate against
// (every CREATED/EXTENDED signature is over it).
func tlsCertFromHostKey(hostKey *rsa.PrivateKey) (tls.Certificate, error) {
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"onionrelay"}},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, hostKey.Public(), hostKey)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(hostKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
