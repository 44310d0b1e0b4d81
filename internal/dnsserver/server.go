// Package dnsserver implements the authoritative `.roxy` zone responder
// (spec.md §4.3): every name in the zone resolves to loopback so the OS
// resolver hands traffic straight to the TLS/HTTP listeners on this host.
package dnsserver

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

var (
	loopbackV4 = net.ParseIP("127.0.0.1").To4()
	loopbackV6 = net.ParseIP("::1")
)

const (
	zone = "roxy."

	soaRefresh = 3600
	soaRetry   = 600
	soaExpire  = 86400
	soaMinimum = 0

	tcpReadTimeout = 5 * time.Second
)

// Server is the authoritative .roxy responder: two dns.Server instances
// (UDP and TCP) sharing one handler, following the teacher pack's
// dns.Server wiring (orbstack-swift-nio's mdns registry).
type Server struct {
	log     *zap.Logger
	addr    string
	started time.Time

	pc net.PacketConn
	ln net.Listener

	udp *dns.Server
	tcp *dns.Server

	malformed atomic.Uint64
}

// New returns a Server bound to addr (host:port, typically 127.0.0.1:1053).
// It does not start listening until Bind/Serve (or ListenAndServe) is called.
func New(addr string, log *zap.Logger) *Server {
	return &Server{addr: addr, log: log, started: time.Now()}
}

// Bind opens the UDP socket and TCP listener without serving yet, so the
// Daemon Supervisor can bind all three listeners (dns, http, https) before
// committing to any of them (spec.md §4.7 start-up step 3).
func (s *Server) Bind() error {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("dnsserver: bind udp %s: %w", s.addr, err)
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		pc.Close()
		return fmt.Errorf("dnsserver: bind tcp %s: %w", s.addr, err)
	}
	s.pc = pc
	s.ln = ln
	return nil
}

// Close releases the bound sockets without ever having served on them, used
// to unwind a partially-bound Supervisor start-up.
func (s *Server) Close() error {
	var firstErr error
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			firstErr = err
		}
	}
	if s.ln != nil {
		if err := s.ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Serve starts answering on the sockets opened by Bind and blocks until
// either fails or Shutdown is called.
func (s *Server) Serve() error {
	mux := dns.HandlerFunc(s.handle)

	s.udp = &dns.Server{PacketConn: s.pc, Net: "udp", Handler: mux}
	s.tcp = &dns.Server{Listener: s.ln, Net: "tcp", Handler: mux, ReadTimeout: tcpReadTimeout}

	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ActivateAndServe() }()
	go func() { errCh <- s.tcp.ActivateAndServe() }()

	return <-errCh
}

// ListenAndServe is the single-call convenience path for standalone use:
// bind then serve.
func (s *Server) ListenAndServe() error {
	if err := s.Bind(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown() error {
	var firstErr error
	if s.udp != nil {
		if err := s.udp.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	} else {
		firstErr = s.Close()
	}
	if s.tcp != nil {
		if err := s.tcp.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MalformedCount reports how many malformed packets have been dropped
// since start (spec.md §4.3: "malformed packets are dropped silently
// (counted)").
func (s *Server) MalformedCount() uint64 {
	return s.malformed.Load()
}

func (s *Server) handle(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) != 1 {
		s.malformed.Add(1)
		return
	}
	q := r.Question[0]

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.Compress = true

	switch {
	case q.Qclass != dns.ClassINET:
		m.Rcode = dns.RcodeNotImplemented
	case !strings.HasSuffix(strings.ToLower(q.Name), "."+zone) && strings.ToLower(q.Name) != zone:
		m.Rcode = dns.RcodeRefused
	default:
		s.answer(m, q)
	}

	s.log.Info("dns: query",
		zap.String("domain", strings.TrimSuffix(q.Name, ".")),
		zap.String("qtype", dns.TypeToString[q.Qtype]),
		zap.String("response", dns.RcodeToString[m.Rcode]),
	)

	s.send(w, m)
}

func (s *Server) answer(m *dns.Msg, q dns.Question) {
	name := q.Name
	switch q.Qtype {
	case dns.TypeA:
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   loopbackV4,
		})
	case dns.TypeAAAA:
		m.Answer = append(m.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 0},
			AAAA: loopbackV6,
		})
	case dns.TypeSOA:
		if strings.ToLower(name) != zone {
			m.Rcode = dns.RcodeNameError
			return
		}
		m.Answer = append(m.Answer, &dns.SOA{
			Hdr:     dns.RR_Header{Name: zone, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 0},
			Ns:      "localhost.",
			Mbox:    "admin." + zone,
			Serial:  uint32(s.started.Unix()),
			Refresh: soaRefresh,
			Retry:   soaRetry,
			Expire:  soaExpire,
			Minttl:  soaMinimum,
		})
	case dns.TypeNS:
		if strings.ToLower(name) != zone {
			m.Rcode = dns.RcodeNameError
			return
		}
		m.Answer = append(m.Answer, &dns.NS{
			Hdr: dns.RR_Header{Name: zone, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 0},
			Ns:  "localhost.",
		})
	default:
		m.Rcode = dns.RcodeNotImplemented
	}
}

// send writes m, truncating and setting TC=1 on UDP if it would exceed 512
// bytes (spec.md §4.3 truncation rule). TCP responses are never truncated;
// miekg/dns handles the RFC 1035 §4.2.2 length prefix internally.
func (s *Server) send(w dns.ResponseWriter, m *dns.Msg) {
	if _, isUDP := w.RemoteAddr().(*net.UDPAddr); isUDP {
		packed, err := m.Pack()
		if err != nil {
			s.log.Warn("dns: failed to pack response", zap.Error(err))
			return
		}
		if len(packed) > dns.MinMsgSize {
			m.Truncated = true
			m.Answer = nil
			m.Ns = nil
			m.Extra = nil
		}
	}

	if err := w.WriteMsg(m); err != nil {
		s.log.Warn("dns: failed to write response", zap.Error(err), zap.String("remote", w.RemoteAddr().String()))
	}
}
