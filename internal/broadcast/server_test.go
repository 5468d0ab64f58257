package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reactbot/internal/domain"

	"github.com/gorilla/websocket"
)

type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func waitSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", h.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_SnapshotThenDeltas(t *testing.T) {
	hub := NewHub(Config{Logger: testLogger()})
	ws := NewServer(ServerConfig{
		Hub:      hub,
		Snapshot: func() any { return map[string]any{"totalReactions": 42} },
		Logger:   testLogger(),
	})
	srv := httptest.NewServer(ws)
	defer srv.Close()

	conn := dial(t, srv, "?scope=telegram:1")
	first := readFrame(t, conn)
	if first.Type != TypeSnapshot || first.Data["totalReactions"] != float64(42) {
		t.Fatalf("first frame = %+v", first)
	}
	waitSubscribers(t, hub, 1)

	hub.Publish(domain.Delta{Metric: domain.MetricScopeReactions, Scope: "telegram:2", Value: 1})
	hub.Publish(domain.Delta{Metric: domain.MetricScopeReactions, Scope: "telegram:1", Value: 3})

	got := readFrame(t, conn)
	if got.Type != TypeDelta || got.Data["scope"] != "telegram:1" || got.Data["value"] != float64(3) {
		t.Fatalf("delta frame = %+v", got)
	}
}

func TestServer_PeriodicStats(t *testing.T) {
	hub := NewHub(Config{Logger: testLogger()})
	ws := NewServer(ServerConfig{
		Hub:           hub,
		Snapshot:      func() any { return map[string]any{"ok": true} },
		StatsInterval: 20 * time.Millisecond,
		Logger:        testLogger(),
	})
	srv := httptest.NewServer(ws)
	defer srv.Close()

	conn := dial(t, srv, "")
	readFrame(t, conn)
	if f := readFrame(t, conn); f.Type != TypeStats {
		t.Fatalf("expected stats frame, got %+v", f)
	}
}

func TestServer_DisconnectUnsubscribes(t *testing.T) {
	hub := NewHub(Config{Logger: testLogger()})
	srv := httptest.NewServer(NewServer(ServerConfig{Hub: hub, Logger: testLogger()}))
	defer srv.Close()

	conn := dial(t, srv, "")
	readFrame(t, conn)
	waitSubscribers(t, hub, 1)

	conn.Close()
	waitSubscribers(t, hub, 0)
}
