// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/service"
	"github.com/campaign-sync/internal/storage"
	"github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/types"
	"github.com/gorilla/mux"
)

// Service interfaces for dependency injection and testing

// SyncServiceInterface defines the interface for sync job operations.
type SyncServiceInterface interface {
	RequestSync(ctx context.Context, userID, adAccountID string, phase types.SyncPhase) (*models.SyncJob, error)
	GetJob(ctx context.Context, userID, jobID string) (*models.SyncJob, error)
	GetProgress(ctx context.Context, userID, jobID string) (*storage.CachedProgress, error)
	ListJobs(ctx context.Context, userID, adAccountID string, limit int) ([]*models.SyncJob, error)
	ListChunks(ctx context.Context, userID, jobID string) ([]*models.SyncJobChunk, error)
	CancelJob(ctx context.Context, userID, jobID string) (*models.SyncJob, error)
	ClaimNextChunk(ctx context.Context) (*models.SyncJobChunk, error)
	ReportChunkOutcome(ctx context.Context, chunkID string, outcome sync.Outcome) (*models.SyncJobChunk, error)
}

// AccountServiceInterface defines the interface for ad account operations.
type AccountServiceInterface interface {
	ConnectAccount(ctx context.Context, input *service.ConnectAccountInput) (*models.AdAccount, error)
	GetAccount(ctx context.Context, userID, adAccountID string) (*models.AdAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]*models.AdAccount, error)
	DeactivateAccount(ctx context.Context, userID, adAccountID string) (*models.AdAccount, error)
	GetAvailability(ctx context.Context, userID, adAccountID string) (*service.SyncAvailability, error)
}

// FinalSyncServiceInterface defines the interface for final sync ledger operations.
type FinalSyncServiceInterface interface {
	ListOpen(ctx context.Context, userID, adAccountID, entityType string, limit int) (*service.PendingFinalSyncs, error)
	Complete(ctx context.Context, recordID string, input *service.CompleteInput) (*models.StatusChangeRecord, error)
}

// Pinger reports whether a storage backend is reachable, for the health check.
type Pinger func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router           *mux.Router
	httpServer       *http.Server
	syncService      SyncServiceInterface
	accountService   AccountServiceInterface
	finalSyncService FinalSyncServiceInterface
	pingers          map[string]Pinger
	config           *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	FreeTierRPM     int // Requests per minute for free tier
	PaidTierRPM     int // Requests per minute for paid tier
}

// NewServer creates a new API server instance. pingers may be nil; each entry
// is checked by the health endpoint under the backend's name.
func NewServer(
	config *ServerConfig,
	syncService SyncServiceInterface,
	accountService AccountServiceInterface,
	finalSyncService FinalSyncServiceInterface,
	pingers map[string]Pinger,
) *Server {
	s := &Server{
		router:           mux.NewRouter(),
		syncService:      syncService,
		accountService:   accountService,
		finalSyncService: finalSyncService,
		pingers:          pingers,
		config:           config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.FreeTierRPM, s.config.PaidTierRPM)

	// Middleware order matters: logging wraps everything, recovery catches
	// handler panics, rate limiting runs after CORS so preflights pass free.
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api").Subrouter()

	// Ad account endpoints
	api.HandleFunc("/accounts", s.handleConnectAccount).Methods("POST")
	api.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{id}", s.handleDeactivateAccount).Methods("DELETE")
	api.HandleFunc("/accounts/{id}/availability", s.handleGetAvailability).Methods("GET")

	// Sync job endpoints
	api.HandleFunc("/accounts/{id}/sync", s.handleRequestSync).Methods("POST")
	api.HandleFunc("/accounts/{id}/sync-jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/sync-jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/sync-jobs/{id}/progress", s.handleGetProgress).Methods("GET")
	api.HandleFunc("/sync-jobs/{id}/chunks", s.handleListChunks).Methods("GET")
	api.HandleFunc("/sync-jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	// Fetch executor endpoints (internal callers, no ownership check)
	api.HandleFunc("/chunks/claim", s.handleClaimChunk).Methods("POST")
	api.HandleFunc("/chunks/{id}/outcome", s.handleChunkOutcome).Methods("POST")

	// Final sync ledger endpoints
	api.HandleFunc("/accounts/{id}/final-sync", s.handleListFinalSyncs).Methods("GET")
	api.HandleFunc("/final-sync/{recordId}/complete", s.handleCompleteFinalSync).Methods("POST")
}

// handleHealth handles health check requests, pinging each storage backend.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.pingers))
	healthy := true
	for name, ping := range s.pingers {
		if err := ping(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "campaign-sync",
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}

	respondJSON(w, status, body)
}

// Handler exposes the configured router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
