package api

import (
	"net/http"
	"strconv"

	"github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/types"
	"github.com/gorilla/mux"
)

// handleRequestSync handles POST /api/accounts/:id/sync - plan a sync job
func (s *Server) handleRequestSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Phase types.SyncPhase `json:"phase"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body", nil)
		return
	}

	job, err := s.syncService.RequestSync(r.Context(), userID, mux.Vars(r)["id"], req.Phase)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	// The job is planned, not done: 202 and the chunks run in the background.
	respondJSON(w, http.StatusAccepted, job)
}

// handleListJobs handles GET /api/accounts/:id/sync-jobs - jobs, newest first
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}

	jobs, err := s.syncService.ListJobs(r.Context(), userID, mux.Vars(r)["id"], limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// handleGetJob handles GET /api/sync-jobs/:id - job detail
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	job, err := s.syncService.GetJob(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleGetProgress handles GET /api/sync-jobs/:id/progress - the cached
// progress read model dashboards poll.
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	progress, err := s.syncService.GetProgress(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, progress)
}

// handleListChunks handles GET /api/sync-jobs/:id/chunks - diagnostic chunk
// listing in plan order.
func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	chunks, err := s.syncService.ListChunks(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"chunks": chunks,
		"total":  len(chunks),
	})
}

// handleCancelJob handles POST /api/sync-jobs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	job, err := s.syncService.CancelJob(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleClaimChunk handles POST /api/chunks/claim - hand the next runnable
// chunk to an external fetch executor. 204 when the queue is empty.
func (s *Server) handleClaimChunk(w http.ResponseWriter, r *http.Request) {
	chunk, err := s.syncService.ClaimNextChunk(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if chunk == nil {
		respondJSON(w, http.StatusNoContent, nil)
		return
	}

	respondJSON(w, http.StatusOK, chunk)
}

// handleChunkOutcome handles POST /api/chunks/:id/outcome - an external fetch
// executor reporting how its claimed chunk ended.
func (s *Server) handleChunkOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success           bool   `json:"success"`
		EntitiesProcessed int    `json:"entitiesProcessed"`
		MetricsSynced     int    `json:"metricsSynced"`
		Error             string `json:"error"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body", nil)
		return
	}
	if !req.Success && req.Error == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "a failure outcome must carry an error", nil)
		return
	}

	chunk, err := s.syncService.ReportChunkOutcome(r.Context(), mux.Vars(r)["id"], sync.Outcome{
		Success:           req.Success,
		EntitiesProcessed: req.EntitiesProcessed,
		MetricsSynced:     req.MetricsSynced,
		Error:             req.Error,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, chunk)
}
