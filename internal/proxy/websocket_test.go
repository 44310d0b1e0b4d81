package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roxyproxy/roxy/internal/config"
)

func TestWebSocketSplice(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("backend upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Echo the message back unchanged so the client sees the round trip.
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	_, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split backend addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse backend port: %v", err)
	}

	store := config.NewStore()
	if err := store.Insert(&config.DomainRecord{
		Name:   "ws.roxy",
		Routes: []config.Route{{PathPrefix: "/", Target: config.Target{Kind: config.PortBackend, Port: port}}},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	eng := New(store, "http", 443, zap.NewNop())

	proxySrv := httptest.NewServer(eng)
	defer proxySrv.Close()

	wsURL := "ws" + proxySrv.URL[len("http"):]
	header := http.Header{"Host": {"ws.roxy"}}
	client, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("echoed message = %q, want %q", msg, "hello")
	}
}
