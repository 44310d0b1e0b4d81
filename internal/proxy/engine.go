// Package proxy implements the HTTP Proxy Engine (spec.md §4.6): request
// dispatch onto PortBackend/HostPortBackend/StaticDir targets, WebSocket
// splicing, and the HTTP→HTTPS redirect option.
package proxy

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roxyproxy/roxy/internal/config"
	"github.com/roxyproxy/roxy/internal/router"
)

const (
	connectTimeout       = 5 * time.Second
	backendHeaderTimeout = 30 * time.Second
	idleTimeout          = 60 * time.Second
)

// hopByHopHeaders are stripped from both directions per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SnapshotSource supplies the current config snapshot, satisfied by
// *config.Store.
type SnapshotSource interface {
	Snapshot() *config.Snapshot
}

// Engine serves one of Roxy's two listeners (plain HTTP or TLS-terminated
// HTTPS); Scheme and HTTPSPort distinguish which.
type Engine struct {
	log      *zap.Logger
	store    SnapshotSource
	Scheme   string // "http" or "https"
	HTTPSPort int
}

// New returns an Engine for the given listener scheme ("http" or "https").
func New(store SnapshotSource, scheme string, httpsPort int, log *zap.Logger) *Engine {
	return &Engine{log: log, store: store, Scheme: scheme, HTTPSPort: httpsPort}
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := e.store.Snapshot()

	res, err := router.Resolve(snap, r.Host, r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		e.logRequest(r, http.StatusNotFound, start, "", "", err)
		return
	}

	if e.Scheme == "http" && res.Domain.HTTPSEnabled && snap.Daemon.RedirectHTTPToHTTPS {
		e.redirectToHTTPS(w, r)
		e.logRequest(r, http.StatusMovedPermanently, start, res.Domain.Name, "", nil)
		return
	}

	status := 0
	target := targetString(res)
	switch res.Route.Target.Kind {
	case config.PortBackend, config.HostPortBackend:
		status = e.forwardHTTP(w, r, res)
	case config.StaticDir:
		status = e.serveStatic(w, r, res)
	default:
		http.Error(w, "roxy: unknown target", http.StatusInternalServerError)
		status = http.StatusInternalServerError
	}
	e.logRequest(r, status, start, res.Domain.Name, target, nil)
}

// targetString names what a request was actually dispatched to, logged
// verbatim in the "target" field (spec.md §6).
func targetString(res *router.Result) string {
	switch res.Route.Target.Kind {
	case config.PortBackend, config.HostPortBackend:
		return backendAddr(res)
	case config.StaticDir:
		return res.Route.Target.Dir
	default:
		return ""
	}
}

func (e *Engine) redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	host := router.NormalizeHost(r.Host)
	target := "https://" + host
	if e.HTTPSPort != 443 {
		target += ":" + strconv.Itoa(e.HTTPSPort)
	}
	target += r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func (e *Engine) logRequest(r *http.Request, status int, start time.Time, domain, target string, resolveErr error) {
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("host", r.Host),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
		zap.String("remote", r.RemoteAddr),
	}
	if domain != "" {
		fields = append(fields, zap.String("domain", domain))
	}
	if target != "" {
		fields = append(fields, zap.String("target", target))
	}
	if resolveErr != nil {
		fields = append(fields, zap.Error(resolveErr))
	}
	e.log.Info("proxy: request", fields...)
}

// stripHopByHop removes RFC 7230 §6.1 hop-by-hop headers in place.
func stripHopByHop(h http.Header) {
	// Headers named in Connection are hop-by-hop too; read them before
	// Connection itself is deleted below.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
