package api

import (
	"net/http"

	"github.com/campaign-sync/internal/service"
	"github.com/campaign-sync/internal/types"
	"github.com/gorilla/mux"
)

// requireUser extracts the caller identity planted by the upstream gateway.
// Writes the 401 itself when the header is missing.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required", nil)
		return "", false
	}
	return userID, true
}

// handleConnectAccount handles POST /api/accounts - connect an ad account
func (s *Server) handleConnectAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Platform          types.Platform `json:"platform"`
		ExternalAccountID string         `json:"externalAccountId"`
		Name              string         `json:"name"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body", nil)
		return
	}

	account, err := s.accountService.ConnectAccount(r.Context(), &service.ConnectAccountInput{
		UserID:            userID,
		Platform:          req.Platform,
		ExternalAccountID: req.ExternalAccountID,
		Name:              req.Name,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, account)
}

// handleListAccounts handles GET /api/accounts - list the caller's accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	accounts, err := s.accountService.ListAccounts(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

// handleGetAccount handles GET /api/accounts/:id
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	account, err := s.accountService.GetAccount(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, account)
}

// handleDeactivateAccount handles DELETE /api/accounts/:id - stop syncing
func (s *Server) handleDeactivateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	account, err := s.accountService.DeactivateAccount(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, account)
}

// handleGetAvailability handles GET /api/accounts/:id/availability - what the
// sync throttle would currently admit for this account.
func (s *Server) handleGetAvailability(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	availability, err := s.accountService.GetAvailability(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, availability)
}
