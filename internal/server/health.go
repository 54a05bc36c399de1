// Package server serves the router's HTTP side: liveness, readiness and any
// extra handlers such as /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/arbiter/internal/logging"
)

// ReadinessChecker is implemented by components that take part in /readyz.
type ReadinessChecker interface {
	// Name identifies the component in the status body.
	Name() string

	// CheckReady returns nil if the component is ready.
	CheckReady(ctx context.Context) error
}

// HealthServer serves /healthz for liveness and /readyz for readiness.
type HealthServer struct {
	mu               sync.RWMutex
	addr             string
	boundAddr        string
	server           *http.Server
	logger           *logging.Logger
	shutDown         atomic.Bool
	goroutines       map[string]bool
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	extraHandlers    map[string]http.Handler
}

// HealthStatus is the JSON body of both endpoints.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Goroutines map[string]bool        `json:"goroutines,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 2 * time.Second

// NewHealthServer creates a HealthServer. Call Start to serve.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger,
		goroutines:       make(map[string]bool),
		readinessTimeout: DefaultReadinessTimeout,
		extraHandlers:    make(map[string]http.Handler),
	}
}

// RegisterHandler mounts an extra handler. Call before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extraHandlers[pattern] = handler
}

// RegisterReadinessCheck adds a component to every /readyz evaluation.
func (h *HealthServer) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// SetReadinessTimeout sets the per-check timeout.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// RegisterGoroutine marks a critical goroutine as running. Liveness fails
// once it is unregistered.
func (h *HealthServer) RegisterGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.goroutines[name] = true
}

// UnregisterGoroutine marks a critical goroutine as stopped.
func (h *HealthServer) UnregisterGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.goroutines[name]; ok {
		h.goroutines[name] = false
	}
}

// SetShuttingDown makes both endpoints report 503 from now on.
func (h *HealthServer) SetShuttingDown() {
	h.shutDown.Store(true)
}

// IsShuttingDown reports whether SetShuttingDown was called.
func (h *HealthServer) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Handler returns the mux serving every endpoint.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)

	h.mu.RLock()
	patterns := make([]string, 0, len(h.extraHandlers))
	for p := range h.extraHandlers {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		mux.Handle(p, h.extraHandlers[p])
	}
	h.mu.RUnlock()
	return mux
}

// Start binds the address and serves in the background.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.server = srv
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close shuts the HTTP server down.
func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckHealth())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckReadiness(r.Context()))
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

// shutdownStatus fills in the shutdown check and reports whether the caller
// should stop there.
func (h *HealthServer) shutdownStatus(status *HealthStatus) bool {
	if h.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "router is shutting down"}
		return true
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "router is running"}
	return false
}

// CheckHealth evaluates liveness: not shutting down and every registered
// goroutine still running.
func (h *HealthServer) CheckHealth() HealthStatus {
	status := HealthStatus{
		Status:     "ok",
		Goroutines: make(map[string]bool),
		Checks:     make(map[string]CheckResult),
	}
	if h.shutdownStatus(&status) {
		return status
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.goroutines) == 0 {
		return status
	}
	result := CheckResult{Healthy: true, Message: "all critical goroutines are running"}
	for name, running := range h.goroutines {
		status.Goroutines[name] = running
		if !running {
			status.Status = "degraded"
			result = CheckResult{Healthy: false, Message: "one or more critical goroutines are not running"}
		}
	}
	status.Checks["goroutines"] = result
	return status
}

// CheckReadiness runs every registered readiness check.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult),
	}
	if h.shutdownStatus(&status) {
		return status
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.readinessChecks...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
		} else {
			status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "healthy"}
		}
	}
	return status
}
