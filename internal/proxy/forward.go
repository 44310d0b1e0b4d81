package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roxyproxy/roxy/internal/config"
	"github.com/roxyproxy/roxy/internal/router"
)

// forwardHTTP dispatches a PortBackend/HostPortBackend route, taking the
// WebSocket splice path when the request is an upgrade (spec.md §4.6).
func (e *Engine) forwardHTTP(w http.ResponseWriter, r *http.Request, res *router.Result) int {
	backend := backendAddr(res)

	if websocket.IsWebSocketUpgrade(r) {
		return e.forwardWebSocket(w, r, backend, res)
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", backend)
	if err != nil {
		http.Error(w, "roxy: upstream unreachable", http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer conn.Close()

	outReq := r.Clone(r.Context())
	outReq.URL.Path = res.ResidualPath
	outReq.URL.RawQuery = r.URL.RawQuery
	outReq.Host = backend
	outReq.RequestURI = ""
	outReq.Header = r.Header.Clone()
	stripHopByHop(outReq.Header)
	outReq.Header.Set("Host", backend)
	outReq.Header.Set("X-Forwarded-For", clientIP(r.RemoteAddr))
	outReq.Header.Set("X-Forwarded-Proto", e.Scheme)
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	conn.SetDeadline(time.Now().Add(backendHeaderTimeout))
	if err := outReq.Write(conn); err != nil {
		http.Error(w, "roxy: failed writing to upstream", http.StatusBadGateway)
		return http.StatusBadGateway
	}

	backendResp, err := http.ReadResponse(bufio.NewReader(conn), outReq)
	if err != nil {
		http.Error(w, "roxy: failed reading upstream response", http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer backendResp.Body.Close()
	conn.SetDeadline(time.Now().Add(idleTimeout))

	stripHopByHop(backendResp.Header)
	for k, vs := range backendResp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(backendResp.StatusCode)
	io.Copy(w, backendResp.Body)

	return backendResp.StatusCode
}

func backendAddr(res *router.Result) string {
	if res.Route.Target.Kind == config.HostPortBackend {
		return res.Route.Target.Addr
	}
	return "127.0.0.1:" + strconv.Itoa(res.Route.Target.Port)
}

// forwardWebSocket upgrades the client connection, dials the backend as an
// independent WebSocket connection, and splices messages bidirectionally
// (spec.md §4.6, grounded on logscore-pmux's handleWebSocket/copyWS — hijack
// instead of httputil.ReverseProxy to avoid RSV1 frame corruption).
func (e *Engine) forwardWebSocket(w http.ResponseWriter, r *http.Request, backend string, res *router.Result) int {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Info("proxy: websocket client upgrade failed", zap.Error(err))
		return http.StatusBadRequest
	}
	defer clientConn.Close()

	reqHeader := http.Header{}
	reqHeader.Set("X-Forwarded-Host", r.Host)
	reqHeader.Set("X-Forwarded-Proto", e.Scheme)
	reqHeader.Set("X-Forwarded-For", clientIP(r.RemoteAddr))

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	url := "ws://" + backend + res.ResidualPath
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	backendConn, _, err := dialer.Dial(url, reqHeader)
	if err != nil {
		e.log.Info("proxy: websocket upstream dial failed", zap.String("target", backend), zap.Error(err))
		return http.StatusBadGateway
	}
	defer backendConn.Close()

	start := time.Now()
	e.log.Info("WebSocket connection established", zap.String("domain", res.Domain.Name), zap.String("target", backend))

	var bytesSent, bytesReceived int64
	errc := make(chan error, 2)
	go func() { errc <- copyWS(backendConn, clientConn, &bytesSent) }()     // client -> backend
	go func() { errc <- copyWS(clientConn, backendConn, &bytesReceived) }() // backend -> client
	<-errc

	// Close both ends so the still-running direction unblocks and its byte
	// count is final before it's logged below.
	clientConn.Close()
	backendConn.Close()
	<-errc

	e.log.Info("WebSocket connection closed",
		zap.String("domain", res.Domain.Name),
		zap.String("target", backend),
		zap.Duration("duration", time.Since(start)),
		zap.Int64("bytes_sent", atomic.LoadInt64(&bytesSent)),
		zap.Int64("bytes_received", atomic.LoadInt64(&bytesReceived)),
	)
	return http.StatusSwitchingProtocols
}

func copyWS(dst, src *websocket.Conn, counter *int64) error {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			return err
		}
		atomic.AddInt64(counter, int64(len(msg)))
		if err := dst.WriteMessage(mt, msg); err != nil {
			return err
		}
	}
}
