package api

import (
	"net/http"
	"strconv"

	"github.com/campaign-sync/internal/service"
	"github.com/gorilla/mux"
)

// handleListFinalSyncs handles GET /api/accounts/:id/final-sync - entities
// still owed a final metrics pull, oldest first. ?entityType= narrows to one
// level; total always counts all open records on the account.
func (s *Server) handleListFinalSyncs(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	limit := 0
	if limitStr := query.Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}

	pending, err := s.finalSyncService.ListOpen(r.Context(), userID, mux.Vars(r)["id"], query.Get("entityType"), limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, pending)
}

// handleCompleteFinalSync handles POST /api/final-sync/:recordId/complete -
// an external executor reporting its final sync attempt. Success closes the
// record; failure releases the claim so the record re-surfaces.
func (s *Server) handleCompleteFinalSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body", nil)
		return
	}

	record, err := s.finalSyncService.Complete(r.Context(), mux.Vars(r)["recordId"], &service.CompleteInput{
		Success: req.Success,
		Error:   req.Error,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, record)
}
