package handlers

import (
	"net/http"
	"time"

	"github.com/taskforge/execcore/internal/store"
)

// HealthHandler serves /healthz with a SQLite ping, since that's the
// only external dependency this core has to confirm is actually up.
type HealthHandler struct {
	store     *store.Store
	startTime time.Time
	version   string
}

func NewHealthHandler(st *store.Store, version string) *HealthHandler {
	return &HealthHandler{store: st, startTime: time.Now(), version: version}
}

type healthResponse struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Health checks the store connection and returns liveness.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Store:   "connected",
		Version: h.version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
	}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "error"
		resp.Store = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
