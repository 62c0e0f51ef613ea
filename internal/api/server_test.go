package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/service"
	enginesync "github.com/campaign-sync/internal/sync"
	"github.com/campaign-sync/internal/throttle"
	"github.com/campaign-sync/internal/types"
)

func testClock() time.Time {
	return time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
}

type apiFixture struct {
	store  *enginesync.MemStore
	server *Server
}

func newAPIFixture(t *testing.T, pingers map[string]Pinger) *apiFixture {
	t.Helper()

	store := enginesync.NewMemStore(testClock())
	planner := enginesync.NewPlanner(store.Jobs, store.Chunks, store.Entities, config.SyncConfig{
		EntityBatchSize:   100,
		MetricsWindowDays: 30,
		RecentWindowDays:  90,
		BackfillDays:      365,
		ChunkMaxRetries:   3,
	})
	queue := enginesync.NewQueue(store.Jobs, store.Chunks, enginesync.NewAggregator(store.Jobs, store.Chunks, store))
	gate := throttle.NewGate(store.Accounts, config.ThrottleConfig{
		QuickRefreshInterval:   30 * time.Second,
		ExistenceCheckInterval: time.Hour,
	})

	syncSvc := service.NewSyncService(store.Accounts, store.Jobs, store.Chunks, planner, queue, nil)
	accountSvc := service.NewAccountService(store.Accounts, gate)
	finalSyncSvc := service.NewFinalSyncService(store.Accounts, store.StatusChanges)

	server := NewServer(&ServerConfig{
		Host:        "127.0.0.1",
		Port:        "0",
		FreeTierRPM: 600000, // effectively unlimited for tests
		PaidTierRPM: 600000,
	}, syncSvc, accountSvc, finalSyncSvc, pingers)

	return &apiFixture{store: store, server: server}
}

// do runs one request through the full middleware chain as user-1.
func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return f.doAs(t, "user-1", method, path, body)
}

func (f *apiFixture) doAs(t *testing.T, userID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("request encoding failed: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("response decoding failed: %v (body %q)", err, rec.Body.String())
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	return resp.Error.Code
}

func (f *apiFixture) connectedAccount(t *testing.T) *models.AdAccount {
	t.Helper()
	rec := f.do(t, "POST", "/api/accounts", map[string]string{
		"platform":          "meta",
		"externalAccountId": "ext-1",
		"name":              "Main",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("connect status = %d, body %s", rec.Code, rec.Body.String())
	}
	var account models.AdAccount
	decodeBody(t, rec, &account)
	return &account
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return nil },
	})

	rec := f.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "healthy" || body.Checks["postgres"] != "ok" {
		t.Errorf("body = %+v, want healthy with passing checks", body)
	}
}

func TestHealthEndpointDegraded(t *testing.T) {
	f := newAPIFixture(t, map[string]Pinger{
		"postgres": func(context.Context) error { return fmt.Errorf("connection refused") },
	})

	rec := f.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when a backend ping fails", rec.Code)
	}
}

func TestConnectAndListAccounts(t *testing.T) {
	f := newAPIFixture(t, nil)
	account := f.connectedAccount(t)
	if account.ID == "" || !account.Active {
		t.Errorf("account = %+v, want active with an ID", account)
	}

	rec := f.do(t, "GET", "/api/accounts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing struct {
		Accounts []*models.AdAccount `json:"accounts"`
		Total    int                 `json:"total"`
	}
	decodeBody(t, rec, &listing)
	if listing.Total != 1 || listing.Accounts[0].ID != account.ID {
		t.Errorf("listing = %+v, want the connected account", listing)
	}
}

func TestMissingUserHeader(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.doAs(t, "", "GET", "/api/accounts", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without X-User-ID", rec.Code)
	}
}

func TestAccountOwnershipForbidden(t *testing.T) {
	f := newAPIFixture(t, nil)
	account := f.connectedAccount(t)

	rec := f.doAs(t, "intruder", "GET", "/api/accounts/"+account.ID, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "NOT_ACCOUNT_OWNER" {
		t.Errorf("code = %s, want NOT_ACCOUNT_OWNER", code)
	}
}

func TestRequestSyncEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	account := f.connectedAccount(t)

	rec := f.do(t, "POST", "/api/accounts/"+account.ID+"/sync", map[string]string{
		"phase": "recent_90_days",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
	var job models.SyncJob
	decodeBody(t, rec, &job)
	if job.Status != types.JobStatusPending || job.TotalChunks == 0 {
		t.Errorf("job = %+v, want a pending planned job", job)
	}

	// A second request while the job is active is a conflict.
	rec = f.do(t, "POST", "/api/accounts/"+account.ID+"/sync", map[string]string{
		"phase": "recent_90_days",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, rec); code != "JOB_ALREADY_ACTIVE" {
		t.Errorf("code = %s, want JOB_ALREADY_ACTIVE", code)
	}
}

func TestRequestSyncInvalidPhase(t *testing.T) {
	f := newAPIFixture(t, nil)
	account := f.connectedAccount(t)

	rec := f.do(t, "POST", "/api/accounts/"+account.ID+"/sync", map[string]string{
		"phase": "hourly",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an unknown phase", rec.Code)
	}
}

func TestJobReadEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)
	account := f.connectedAccount(t)

	rec := f.do(t, "POST", "/api/accounts/"+account.ID+"/sync", map[string]string{"phase": "recent_90_days"})
	var job models.SyncJob
	decodeBody(t, rec, &job)

	rec = f.do(t, "GET", "/api/sync-jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status = %d", rec.Code)
	}

	rec = f.do(t, "GET", "/api/sync-jobs/"+job.ID+"/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status = %d", rec.Code)
	}
	var progress struct {
		JobID              string `json:"jobId"`
		ProgressPercentage int    `json:"progressPercentage"`
	}
	decodeBody(t, rec, &progress)
	if progress.JobID != job.ID || progress.ProgressPercentage != 0 {
		t.Errorf("progress = %+v, want fresh job at 0%%", progress)
	}

	rec = f.do(t, "GET", "/api/accounts/"+account.ID+"/sync-jobs", nil)
	var jobs struct {
		Total int `json:"total"`
	}
	decodeBody(t, rec, &jobs)
	if jobs.Total != 1 {
		t.Errorf("job listing total = %d, want 1", jobs.Total)
	}

	rec = f.do(t, "GET", "/api/sync-jobs/"+job.ID+"/chunks", nil)
	var chunks struct {
		Total int `json:"total"`
	}
	decodeBody(t, rec, &chunks)
	if chunks.Total != job.TotalChunks {
		t.Errorf("chunk listing total = %d, want %d", chunks.Total, job.TotalChunks)
	}

	rec = f.do(t, "GET", "/api/sync-jobs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rec.Code)
	}
}

func TestChunkClaimAndOutcome(t *testing.T) {
	f := newAPIFixture(t, nil)
	account := f.connectedAccount(t)
	f.do(t, "POST", "/api/accounts/"+account.ID+"/sync", map[string]string{"phase": "recent_90_days"})

	rec := f.do(t, "POST", "/api/chunks/claim", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", rec.Code, rec.Body.String())
	}
	var chunk models.SyncJobChunk
	decodeBody(t, rec, &chunk)
	if chunk.Status != types.ChunkStatusInProgress {
		t.Fatalf("claimed chunk status = %s, want in_progress", chunk.Status)
	}

	rec = f.do(t, "POST", "/api/chunks/"+chunk.ID+"/outcome", map[string]interface{}{
		"success":           true,
		"entitiesProcessed": 12,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("outcome status = %d, body %s", rec.Code, rec.Body.String())
	}
	var done models.SyncJobChunk
	decodeBody(t, rec, &done)
	if done.Status != types.ChunkStatusCompleted {
		t.Errorf("chunk status = %s, want completed", done.Status)
	}

	// Reporting the same chunk again is a conflict.
	rec = f.do(t, "POST", "/api/chunks/"+chunk.ID+"/outcome", map[string]interface{}{"success": true})
	if rec.Code != http.StatusConflict {
		t.Errorf("double report status = %d, want 409", rec.Code)
	}
}

func TestChunkOutcomeValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	// Failure outcomes must carry the error text the chunk row records.
	rec := f.do(t, "POST", "/api/chunks/any/outcome", map[string]interface{}{"success": false})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a failure without error", rec.Code)
	}
}

func TestChunkClaimEmptyQueue(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, "POST", "/api/chunks/claim", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 on an empty queue", rec.Code)
	}
}

func TestCancelJobEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	account := f.connectedAccount(t)

	rec := f.do(t, "POST", "/api/accounts/"+account.ID+"/sync", map[string]string{"phase": "recent_90_days"})
	var job models.SyncJob
	decodeBody(t, rec, &job)

	rec = f.do(t, "POST", "/api/sync-jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	var cancelled models.SyncJob
	decodeBody(t, rec, &cancelled)
	if cancelled.Status != types.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	rec = f.do(t, "POST", "/api/sync-jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestFinalSyncEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)
	account := f.connectedAccount(t)

	// Drive a campaign out of ACTIVE through the upsert path so the
	// transition watcher opens a final sync record.
	seed := []types.PlatformEntity{{
		EntityType:       types.EntityTypeCampaign,
		PlatformEntityID: "camp-1",
		Name:             "Launch",
		Status:           "ACTIVE",
	}}
	stored, _ := f.store.Accounts.GetByID(ctx, account.ID)
	if _, err := f.store.Entities.UpsertBatch(ctx, stored, seed); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}
	seed[0].Status = "PAUSED"
	if _, err := f.store.Entities.UpsertBatch(ctx, stored, seed); err != nil {
		t.Fatalf("pause upsert failed: %v", err)
	}

	rec := f.do(t, "GET", "/api/accounts/"+account.ID+"/final-sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body %s", rec.Code, rec.Body.String())
	}
	var pending struct {
		Total   int                          `json:"total"`
		Records []*models.StatusChangeRecord `json:"records"`
	}
	decodeBody(t, rec, &pending)
	if pending.Total != 1 || len(pending.Records) != 1 {
		t.Fatalf("pending = %+v, want one open record", pending)
	}

	recordID := pending.Records[0].ID
	rec = f.do(t, "POST", "/api/final-sync/"+recordID+"/complete", map[string]interface{}{
		"success": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", rec.Code, rec.Body.String())
	}
	var closed models.StatusChangeRecord
	decodeBody(t, rec, &closed)
	if !closed.FinalSyncCompleted {
		t.Error("record should be closed after a successful report")
	}

	// A failure report on a closed record is a conflict.
	rec = f.do(t, "POST", "/api/final-sync/"+recordID+"/complete", map[string]interface{}{
		"success": false,
		"error":   "rate limited",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("failure-after-done status = %d, want 409", rec.Code)
	}
}

func TestFinalSyncEntityTypeFilter(t *testing.T) {
	f := newAPIFixture(t, nil)
	account := f.connectedAccount(t)

	rec := f.do(t, "GET", "/api/accounts/"+account.ID+"/final-sync?entityType=keyword", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an unknown entity type", rec.Code)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	f := newAPIFixture(t, nil)
	// Zero refill: only the burst allowance admits requests.
	f.server.config.FreeTierRPM = 0
	f.server.setupRouter()

	limited := false
	for i := 0; i < 20; i++ {
		rec := f.do(t, "GET", "/health", nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst exhausted without a 429")
	}
}
