// Package tlsacceptor builds the tls.Config and listener used to terminate
// HTTPS connections (spec.md §4.5), SNI-routed to the CA engine for
// per-domain leaf certificates.
package tlsacceptor

import (
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"
)

// CertSource resolves a *tls.Certificate from a ClientHello; internal/ca's
// Engine satisfies this directly.
type CertSource interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

const handshakeTimeout = 10 * time.Second

// Config builds the tls.Config spec.md §4.5 requires: TLS 1.2 minimum,
// GetCertificate backed by source, ALPN restricted to http/1.1 (no h2).
func Config(source CertSource) *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: source.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	}
}

// listener wraps a raw net.Listener, performing the TLS handshake eagerly
// inside Accept so a failed handshake can be logged with its remote address
// and SNI without disturbing other connections (spec.md §4.5).
type listener struct {
	net.Listener
	cfg *tls.Config
	log *zap.Logger
}

// Listen wraps ln with TLS using source, logging handshake failures via log.
func Listen(ln net.Listener, source CertSource, log *zap.Logger) net.Listener {
	return &listener{Listener: ln, cfg: Config(source), log: log}
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		raw, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		conn := tls.Server(raw, l.cfg)
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
		if err := conn.Handshake(); err != nil {
			serverName := conn.ConnectionState().ServerName
			l.log.Info("tls: handshake failed",
				zap.String("remote", raw.RemoteAddr().String()),
				zap.String("server_name", serverName),
				zap.Error(err),
			)
			conn.Close()
			continue
		}
		conn.SetDeadline(time.Time{})
		return conn, nil
	}
}
