package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/execcore/internal/attempt"
)

// AttemptHandler exposes the Attempt Orchestrator's operations over HTTP.
type AttemptHandler struct {
	orch *attempt.Orchestrator
}

func NewAttemptHandler(orch *attempt.Orchestrator) *AttemptHandler {
	return &AttemptHandler{orch: orch}
}

type startAttemptRequest struct {
	TaskID     string `json:"task_id" validate:"required"`
	Executor   string `json:"executor" validate:"required"`
	BaseBranch string `json:"base_branch"`
}

// Start handles POST /attempts.
func (h *AttemptHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startAttemptRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	att, err := h.orch.Start(r.Context(), req.TaskID, req.Executor, req.BaseBranch)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

type followupRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

// Followup handles POST /attempts/{id}/followup.
func (h *AttemptHandler) Followup(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "id")

	var req followupRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	proc, err := h.orch.Followup(r.Context(), attemptID, req.Prompt)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proc)
}

// Cancel handles POST /attempts/{id}/cancel.
func (h *AttemptHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "id")
	if err := h.orch.Cancel(r.Context(), attemptID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": attemptID, "status": "cancelling"})
}

type mergeRequest struct {
	Message string `json:"message" validate:"required"`
}

// Merge handles POST /attempts/{id}/merge.
func (h *AttemptHandler) Merge(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "id")

	var req mergeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	commit, err := h.orch.Merge(r.Context(), attemptID, req.Message)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"merge_commit": commit})
}

// Diff handles GET /attempts/{id}/diff.
func (h *AttemptHandler) Diff(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "id")
	diff, err := h.orch.Diff(r.Context(), attemptID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}
