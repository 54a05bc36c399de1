package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodeStatus(t *testing.T, body io.Reader) HealthStatus {
	t.Helper()
	var status HealthStatus
	if err := json.NewDecoder(body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return status
}

func TestHealthServer_Healthz_OK(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if status := decodeStatus(t, w.Body); status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}
}

func TestHealthServer_Healthz_ShuttingDown(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetShuttingDown()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.handleHealthz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status := decodeStatus(t, w.Body)
	if status.Status != "shutting_down" {
		t.Errorf("expected status 'shutting_down', got %q", status.Status)
	}
	if check, ok := status.Checks["shutdown"]; !ok || check.Healthy {
		t.Error("expected shutdown check to be unhealthy")
	}
	if !h.IsShuttingDown() {
		t.Error("expected IsShuttingDown to be true")
	}
}

func TestHealthServer_Healthz_Goroutines(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterGoroutine("router-loop")
	h.RegisterGoroutine("signal-watcher")

	if status := h.CheckHealth(); status.Status != "ok" || !status.Goroutines["router-loop"] {
		t.Fatalf("expected healthy goroutines, got %+v", status)
	}

	h.UnregisterGoroutine("router-loop")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.handleHealthz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status := decodeStatus(t, w.Body)
	if status.Status != "degraded" {
		t.Errorf("expected status 'degraded', got %q", status.Status)
	}
	if status.Goroutines["router-loop"] {
		t.Error("expected router-loop to be reported stopped")
	}
	if !status.Goroutines["signal-watcher"] {
		t.Error("expected signal-watcher to be reported running")
	}
}

func TestHealthServer_MethodNotAllowed(t *testing.T) {
	h := NewHealthServer(":0", nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		h.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusMethodNotAllowed, w.Code)
		}
	}
}

func TestHealthServer_HeadHasNoBody(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodHead, "/healthz", nil)
	w := httptest.NewRecorder()
	h.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", w.Body.String())
	}
}

func TestHealthServer_Readyz(t *testing.T) {
	h := NewHealthServer(":0", nil)
	ready := errors.New("router is ASSIGNING_CLIENTS")
	h.RegisterReadinessCheck(NewRouterChecker(func() error { return ready }))
	h.RegisterReadinessCheck(NewFuncChecker("transport", nil))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status := decodeStatus(t, w.Body)
	if status.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", status.Status)
	}
	if check := status.Checks["router"]; check.Healthy || !strings.Contains(check.Message, "ASSIGNING_CLIENTS") {
		t.Errorf("unexpected router check %+v", check)
	}
	if !status.Checks["transport"].Healthy {
		t.Error("expected transport check to be healthy")
	}

	ready = nil
	w = httptest.NewRecorder()
	h.handleReadyz(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d once relaying, got %d", http.StatusOK, w.Code)
	}
}

func TestHealthServer_ReadinessTimeout(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetReadinessTimeout(20 * time.Millisecond)
	h.RegisterReadinessCheck(NewFuncChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	status := h.CheckReadiness(context.Background())
	if status.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", status.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("readiness check not bounded by timeout: %v", elapsed)
	}
}

func TestHealthServer_ReadyzShuttingDown(t *testing.T) {
	h := NewHealthServer(":0", nil)
	called := false
	h.RegisterReadinessCheck(NewFuncChecker("router", func(context.Context) error {
		called = true
		return nil
	}))
	h.SetShuttingDown()

	if status := h.CheckReadiness(context.Background()); status.Status != "shutting_down" {
		t.Errorf("expected status 'shutting_down', got %q", status.Status)
	}
	if called {
		t.Error("checks should not run while shutting down")
	}
}

func TestHealthServer_StartServesExtraHandlers(t *testing.T) {
	h := NewHealthServer("127.0.0.1:0", nil)
	h.RegisterHandler("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "arbiter_router_phase 4\n")
	}))
	h.RegisterHandler("", nil)

	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close()

	if h.Addr() == "127.0.0.1:0" {
		t.Fatal("expected bound address")
	}

	resp, err := http.Get("http://" + h.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "arbiter_router_phase 4") {
		t.Errorf("unexpected body %q", body)
	}

	resp, err = http.Get("http://" + h.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
}

func TestHealthServer_CloseWithoutStart(t *testing.T) {
	h := NewHealthServer(":0", nil)
	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
