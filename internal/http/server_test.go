package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockTransport implements TransportStatus for testing.
type mockTransport struct {
	joined bool
}

func (m *mockTransport) IsJoined() bool { return m.joined }

// mockReplica implements ReplicaStatus for testing.
type mockReplica struct {
	synced bool
}

func (m *mockReplica) IsSynced() bool { return m.synced }

// mockBus implements BusStatus for testing.
type mockBus struct {
	raised bool
}

func (m *mockBus) Raised() bool { return m.raised }

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

func newTestServer(transportJoined bool, replica ReplicaStatus, busRaised bool) *Server {
	logger := zap.NewNop()
	tr := &mockTransport{joined: transportJoined}
	bus := &mockBus{raised: busRaised}
	// nil pool — readyz will report postgres as "error".
	return NewServer(":0", nil, tr, replica, bus, logger)
}

func newTestServerWithDB(db DBChecker, transportJoined bool, replica ReplicaStatus, busRaised bool) *Server {
	s := newTestServer(transportJoined, replica, busRaised)
	s.dbChecker = db
	return s
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(false, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestHealthz_ContentType(t *testing.T) {
	s := newTestServer(false, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_NotReady_TransportNotJoined(t *testing.T) {
	s := newTestServer(false, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["transport"] != "not_joined" {
		t.Errorf("expected transport 'not_joined', got '%v'", checks["transport"])
	}
	if checks["replica"] != "disabled" {
		t.Errorf("expected replica 'disabled' (no replica configured), got '%v'", checks["replica"])
	}
	if checks["postgres"] != "error" {
		t.Errorf("expected postgres 'error' (nil pool), got '%v'", checks["postgres"])
	}
}

func TestReadyz_TransportJoinedButDBDown(t *testing.T) {
	s := newTestServer(true, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	// Transport joined but pool is nil → postgres check fails → 503.
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (DB down), got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	checks := body["checks"].(map[string]any)
	if checks["transport"] != "ok" {
		t.Errorf("expected transport 'ok', got '%v'", checks["transport"])
	}
	if checks["postgres"] != "error" {
		t.Errorf("expected postgres 'error', got '%v'", checks["postgres"])
	}
}

func TestReadyz_ReplicaSyncing_NotReady(t *testing.T) {
	db := &mockDBChecker{err: nil}
	s := newTestServerWithDB(db, true, &mockReplica{synced: false}, false)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (replica still syncing), got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	checks := body["checks"].(map[string]any)
	if checks["replica"] != "syncing" {
		t.Errorf("expected replica 'syncing', got '%v'", checks["replica"])
	}
}

func TestReadyz_CriticalBusRaised_NotReady(t *testing.T) {
	db := &mockDBChecker{err: nil}
	s := newTestServerWithDB(db, true, nil, true)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (critical bus raised), got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	checks := body["checks"].(map[string]any)
	if checks["error_bus"] != "raised" {
		t.Errorf("expected error_bus 'raised', got '%v'", checks["error_bus"])
	}
}

func TestReadyz_ContentType(t *testing.T) {
	s := newTestServer(false, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	db := &mockDBChecker{err: nil}
	s := newTestServerWithDB(db, true, &mockReplica{synced: true}, false)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "ok" {
		t.Errorf("expected postgres 'ok', got '%v'", checks["postgres"])
	}
	if checks["transport"] != "ok" {
		t.Errorf("expected transport 'ok', got '%v'", checks["transport"])
	}
	if checks["replica"] != "ok" {
		t.Errorf("expected replica 'ok', got '%v'", checks["replica"])
	}
	if checks["error_bus"] != "ok" {
		t.Errorf("expected error_bus 'ok', got '%v'", checks["error_bus"])
	}
}
