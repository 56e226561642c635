package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/mdhub/pkg/metrics"
)

// ReadinessCheck reports whether a core component has finished starting.
// A false return carries an explanatory message.
type ReadinessCheck func() (bool, string)

// HealthServer provides the ops HTTP surface: liveness, readiness, and
// the mounted Prometheus handler. The gateway control REST surface is
// out of scope (see §1 Non-goals); this is liveness/readiness only.
type HealthServer struct {
	checks map[string]ReadinessCheck
	mux    *http.ServeMux
}

// NewHealthServer creates a new health check HTTP server. checks maps a
// component name (e.g. "supervisor", "publisher", "pushhub") to a probe
// run on every /ready request.
func NewHealthServer(checks map[string]ReadinessCheck) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		checks: checks,
		mux:    mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint: a bare liveness check,
// returns 200 whenever the process is alive.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   buildVersion,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint: ready once every
// registered component's ReadinessCheck reports true.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if len(hs.checks) == 0 {
		ready = false
		message = "no components registered"
	}

	for name, check := range hs.checks {
		ok, msg := check()
		if !ok {
			ready = false
			checks[name] = "not ready: " + msg
			if message == "" {
				message = "waiting for " + name
			}
			continue
		}
		checks[name] = "ready"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

// buildVersion is overridden at link time via -ldflags.
var buildVersion = "dev"
