// Package server (debug.go) mounts a loopback-only HTTP mux alongside
// the IPC accept loop: health probes, metrics and spans as JSON, and
// the hot-swap admin trigger the "models load" CLI command calls into.
// Grounded on the teacher's internal/api/server.go Handler() — same
// chi.NewRouter() plus middleware.RequestID/RealIP/Recoverer stack —
// but deliberately omits promhttp.Handler(): spec's metrics surface is
// the IPC MetricsRequest/MetricsResponse pair, not a scrapeable
// Prometheus exposition endpoint.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tutu-network/corerun/internal/swap"
)

// DebugMux is a small administrative HTTP surface meant to be bound to
// loopback only, alongside the binary IPC listener.
type DebugMux struct {
	server *Server
}

// NewDebugMux builds the debug HTTP handler for srv.
func NewDebugMux(srv *Server) *DebugMux {
	return &DebugMux{server: srv}
}

// Handler returns the chi router with every debug route mounted.
func (d *DebugMux) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", d.handleHealthz)
	r.Get("/readyz", d.handleReadyz)
	r.Get("/metrics", d.handleMetrics)
	r.Get("/spans", d.handleSpans)
	r.Post("/admin/swap", d.handleSwap)
	r.Post("/admin/models/{name}", d.handleModelLoad)
	r.Delete("/admin/models/{name}", d.handleModelUnload)

	return r
}

func (d *DebugMux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (d *DebugMux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	occupied, cap := d.server.connPool.ActiveCount(), d.server.connPool.Cap()
	writeJSON(w, http.StatusOK, map[string]any{"connections": occupied, "capacity": cap})
}

func (d *DebugMux) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := d.server.telemetry.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d *DebugMux) handleSpans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.server.telemetry.Spans())
}

type swapRequest struct {
	ModelName     string `json:"model_name"`
	ManifestPath  string `json:"manifest_path"`
	DrainTimeoutMs int64 `json:"drain_timeout_ms"`
}

func (d *DebugMux) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.DrainTimeoutMs <= 0 {
		req.DrainTimeoutMs = 30_000
	}

	err := d.server.swap.ExecuteSwap(req.ModelName, swap.Manifest{Name: req.ModelName, Path: req.ManifestPath}, time.Duration(req.DrainTimeoutMs)*time.Millisecond)
	if err != nil {
		d.server.telemetry.RecordSwap("failed")
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	d.server.telemetry.RecordSwap("success")
	writeJSON(w, http.StatusOK, map[string]string{"status": "swapped"})
}

type loadModelRequest struct {
	ManifestPath string `json:"manifest_path"`
}

// handleModelLoad registers a model name for the first time. A name
// that is already routed must go through POST /admin/swap instead, so
// the previous handle drains rather than being orphaned.
func (d *DebugMux) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req loadModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err := d.server.swap.RegisterInitial(name, swap.Manifest{Name: name, Path: req.ManifestPath})
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "loaded"})
}

// handleModelUnload drains and removes name's route.
func (d *DebugMux) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := d.server.swap.Unload(name, 30*time.Second); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
