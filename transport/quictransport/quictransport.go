// Package quictransport stands in for the spec's external, unreliable,
// MTU-bounded radio link: QUIC's unreliable datagram extension is itself
// unordered and best-effort, the same shape carrier (C7) already assumes
// of whatever transport it rides on, grounded on sockatz/common.Conn's
// own use of quic-go for this module's teacher (spec.md's DOMAIN STACK
// table). It is demo/test-only — the real deployment target is a radio
// modem, not a network socket.
package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrClosed names a closed transport. Send and Receive do not return it:
// once the connection is closed they return quic-go's own error.
var ErrClosed = errors.New("quictransport: closed")

// quicConfig enables the unreliable datagram extension every Peer method
// relies on.
func quicConfig() *quic.Config {
	return &quic.Config{EnableDatagrams: true}
}

// Listener accepts inbound QUIC connections and exposes each peer's
// datagram stream as a Peer.
type Listener struct {
	ql *quic.Listener
}

// Listen binds a QUIC listener at addr using a freshly generated
// self-signed certificate (demo/test use only; production deployment
// would pin a real certificate chain).
func Listen(addr string) (*Listener, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{ql: ql}, nil
}

// Accept blocks until a peer connects and returns a Peer wrapping its
// datagram stream.
func (l *Listener) Accept(ctx context.Context) (*Peer, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &Peer{conn: conn}, nil
}

// Close shuts down the listener.
func (l *Listener) Close() error { return l.ql.Close() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Peer is one QUIC connection to a remote node, carrying carrier packets
// as unreliable datagrams.
type Peer struct {
	conn quic.Connection
}

// Dial opens a new QUIC connection to addr, trusting any certificate
// (demo/test use only, matching Listen's self-signed posture).
func Dial(ctx context.Context, addr string) (*Peer, error) {
	tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"emberchat-carrier"}}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &Peer{conn: conn}, nil
}

// Send transmits one carrier packet as an unreliable datagram. It may
// silently never arrive, matching the radio link carrier.Reader already
// tolerates.
func (p *Peer) Send(pkt []byte) error {
	return p.conn.SendMessage(pkt)
}

// Receive blocks for the next inbound datagram, or until ctx is done.
func (p *Peer) Receive(ctx context.Context) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf, err := p.conn.ReceiveMessage()
		done <- result{buf, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.buf, r.err
	}
}

// RemoteAddr returns the peer's network address.
func (p *Peer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// Close closes the underlying connection.
func (p *Peer) Close() error { return p.conn.CloseWithError(0, "closed") }

// generateTLSConfig builds a throwaway self-signed certificate, since a
// demo radio-link stand-in has no certificate authority to pin to.
func generateTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"emberchat-carrier"},
	}, nil
}
