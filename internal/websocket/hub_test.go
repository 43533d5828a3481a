package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/skyfleet/tracker/pkg/logger"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(logger.NewNop())
	go hub.Run()

	srv := httptest.NewServer(hubHandler(hub))
	t.Cleanup(srv.Close)
	return hub, srv
}

func hubHandler(hub *Hub) http.Handler {
	return http.HandlerFunc(hub.HandleConnection)
}

func dialHub(t *testing.T, srv *httptest.Server) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gws.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcast(t *testing.T) {
	hub, srv := newTestHub(t)

	conn := dialHub(t, srv)
	waitForClients(t, hub, 1)

	hub.BroadcastStatus("Rate limited, retry after 30s")

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("type = %q, want status", msg.Type)
	}
	if msg.Data != "Rate limited, retry after 30s" {
		t.Fatalf("data = %v", msg.Data)
	}
}

func TestHubSnapshotReplayToLateJoiners(t *testing.T) {
	hub, srv := newTestHub(t)

	first := dialHub(t, srv)
	waitForClients(t, hub, 1)

	hub.BroadcastSnapshot([]map[string]string{{"icao24": "abc123"}})

	// The connected client gets the broadcast.
	msg := readMessage(t, first)
	if msg.Type != MessageTypeAircraftSnapshot {
		t.Fatalf("type = %q", msg.Type)
	}

	// A client connecting afterwards gets the retained snapshot immediately,
	// without waiting for the next broadcast.
	second := dialHub(t, srv)
	msg = readMessage(t, second)
	if msg.Type != MessageTypeAircraftSnapshot {
		t.Fatalf("late joiner got %q, want retained snapshot", msg.Type)
	}
}

func TestHubLifecycleCallbacks(t *testing.T) {
	hub := NewHub(logger.NewNop())

	var firsts, empties atomic.Int32
	hub.OnFirst = func() { firsts.Add(1) }
	hub.OnEmpty = func() { empties.Add(1) }
	go hub.Run()

	srv := httptest.NewServer(hubHandler(hub))
	defer srv.Close()

	conn := dialHub(t, srv)
	waitForClients(t, hub, 1)
	if firsts.Load() != 1 {
		t.Fatalf("OnFirst fired %d times, want 1", firsts.Load())
	}

	second := dialHub(t, srv)
	waitForClients(t, hub, 2)
	if firsts.Load() != 1 {
		t.Fatal("OnFirst fired again for a non-first client")
	}

	conn.Close()
	second.Close()
	waitForClients(t, hub, 0)

	deadline := time.Now().Add(2 * time.Second)
	for empties.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("OnEmpty fired %d times, want 1", empties.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
