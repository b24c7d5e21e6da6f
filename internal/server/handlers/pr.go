package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/execcore/internal/pr"
)

// PRHandler exposes the create_pr supplement.
type PRHandler struct {
	svc *pr.Service
}

func NewPRHandler(svc *pr.Service) *PRHandler {
	return &PRHandler{svc: svc}
}

type createPRRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	TargetBranch string `json:"target_branch"`
}

// Create handles POST /attempts/{id}/pr.
func (h *PRHandler) Create(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "id")

	var req createPRRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.svc.CreatePR(r.Context(), attemptID, pr.CreateRequest{
		Title:        req.Title,
		Description:  req.Description,
		TargetBranch: req.TargetBranch,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}
