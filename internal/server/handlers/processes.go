package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/execcore/internal/store"
)

// ProcessHandler exposes read-only process/conversation endpoints. No
// SSE/websocket surface is exposed — conversation replay is a plain
// seq-ordered GET, since a client can always poll for events past the
// last seq it has seen.
type ProcessHandler struct {
	store *store.Store
}

func NewProcessHandler(st *store.Store) *ProcessHandler {
	return &ProcessHandler{store: st}
}

// Get handles GET /processes/{id}.
func (h *ProcessHandler) Get(w http.ResponseWriter, r *http.Request) {
	proc, err := h.store.GetProcess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proc)
}

// Events handles GET /processes/{id}/events: the full dense seq-ordered
// conversation log for the process, replayed in one response.
func (h *ProcessHandler) Events(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "id")
	if _, err := h.store.GetProcess(r.Context(), processID); err != nil {
		writeAppError(w, err)
		return
	}
	events, err := h.store.EventsForProcess(r.Context(), processID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
