package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/swbus/internal/bus"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/testutil/testlog"
)

func newNode(t *testing.T, identity string) *bus.Node {
	t.Helper()
	cfg := bus.DefaultConfig()
	cfg.Identity = protocol.MustParseAddress(identity)
	cfg.RequestTimeout = 2 * time.Second
	n, err := bus.New(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v body=%s", path, err, w.Body.String())
		}
	}
	return w.Code, body
}

func TestHealthAndSnapshot(t *testing.T) {
	testlog.Start(t)
	n := newNode(t, "rack1")
	s := New(n, nil)

	code, body := get(t, s, "/health")
	if code != http.StatusOK || body["identity"] != "rack1" {
		t.Fatalf("health: code=%d body=%v", code, body)
	}

	code, body = get(t, s, "/snapshot")
	if code != http.StatusOK || body["identity"] != "rack1" {
		t.Fatalf("snapshot: code=%d body=%v", code, body)
	}
	routes, ok := body["routes"].([]any)
	if !ok || len(routes) != 1 {
		t.Fatalf("snapshot routes: %v", body["routes"])
	}
}

func TestListingEndpoints(t *testing.T) {
	testlog.Start(t)
	n := newNode(t, "rack1")
	if _, err := n.Register(protocol.MustParseAddress("rack1.ha")); err != nil {
		t.Fatalf("register: %v", err)
	}
	s := New(n, nil)

	for _, path := range []string{"/routes", "/sessions", "/pending", "/neighbors"} {
		if code, _ := get(t, s, path); code != http.StatusOK {
			t.Fatalf("%s: code=%d", path, code)
		}
	}
	_, body := get(t, s, "/endpoints")
	eps, _ := body["endpoints"].([]any)
	if len(eps) != 2 || eps[0] != "rack1" || eps[1] != "rack1.ha" {
		t.Fatalf("endpoints: %v", body)
	}
}

func TestPingThroughBus(t *testing.T) {
	testlog.Start(t)
	n := newNode(t, "rack1")
	s := New(n, nil)

	code, body := get(t, s, "/ping/rack1")
	if code != http.StatusOK || body["reply"] != "pong" || body["from"] != "rack1" {
		t.Fatalf("ping self: code=%d body=%v", code, body)
	}

	code, body = get(t, s, "/ping/rack2")
	if code != http.StatusBadGateway || body["status"] != "unreachable" {
		t.Fatalf("ping unknown: code=%d body=%v", code, body)
	}

	code, _ = get(t, s, "/ping/bad..addr")
	if code != http.StatusBadRequest {
		t.Fatalf("ping malformed: code=%d", code)
	}
}

func TestMetricsExposesNodeRegistry(t *testing.T) {
	testlog.Start(t)
	n := newNode(t, "rack1")
	s := New(n, nil)
	get(t, s, "/ping/rack1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics code=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "swbus_requests_completed_total") {
		t.Fatalf("node collectors missing from /metrics")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	testlog.Start(t)
	n := newNode(t, "rack1")
	s := New(n, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}
