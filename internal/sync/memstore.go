package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/storage"
	"github.com/campaign-sync/internal/types"
	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of the engine's store interfaces,
// mirroring the conditional-update semantics of the Postgres repositories.
// Unit tests for the planner, queue, workers and final syncer run against it;
// nothing in production wiring uses it.
//
// The store interfaces share method names with different signatures, so each
// is exposed as a view over the shared state: store.Jobs, store.Chunks, and
// so on. MemStore itself implements ProgressInvalidator.
type MemStore struct {
	Jobs          *MemJobs
	Chunks        *MemChunks
	Entities      *MemEntities
	StatusChanges *MemStatusChanges
	Metrics       *MemMetrics
	Accounts      *MemAccounts

	// MetricRows collects everything InsertBatch received, in order.
	MetricRows []models.EntityMetricsRow

	// Invalidated records every progress cache invalidation.
	Invalidated []string

	// Err, when set, fails every store call. Lets tests drive error paths.
	Err error

	mu       sync.Mutex
	accounts map[string]*models.AdAccount
	entities []*models.Entity
	records  map[string]*models.StatusChangeRecord
	recSeq   []string
	jobs     map[string]*models.SyncJob
	chunks   map[string]*models.SyncJobChunk
	chunkSeq []string
	now      time.Time
}

// NewMemStore creates an empty in-memory store with its clock at now.
func NewMemStore(now time.Time) *MemStore {
	m := &MemStore{
		accounts: make(map[string]*models.AdAccount),
		records:  make(map[string]*models.StatusChangeRecord),
		jobs:     make(map[string]*models.SyncJob),
		chunks:   make(map[string]*models.SyncJobChunk),
		now:      now,
	}
	m.Jobs = &MemJobs{s: m}
	m.Chunks = &MemChunks{s: m}
	m.Entities = &MemEntities{s: m}
	m.StatusChanges = &MemStatusChanges{s: m}
	m.Metrics = &MemMetrics{s: m}
	m.Accounts = &MemAccounts{s: m}
	return m
}

// Now returns the store's current clock reading.
func (m *MemStore) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the store's clock forward.
func (m *MemStore) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// AddAccount registers an account, minting an ID when absent.
func (m *MemStore) AddAccount(account *models.AdAccount) *models.AdAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	m.accounts[account.ID] = account
	return account
}

// AddEntity seeds an entity directly, bypassing the upsert path.
func (m *MemStore) AddEntity(entity *models.Entity) *models.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	if entity.Status == "" {
		entity.Status = types.EntityStatusActive
	}
	entity.CreatedAt = m.now
	entity.UpdatedAt = m.now
	m.entities = append(m.entities, entity)
	return entity
}

// ChangeRecords returns all status change records in creation order.
func (m *MemStore) ChangeRecords() []*models.StatusChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.StatusChangeRecord, 0, len(m.recSeq))
	for _, id := range m.recSeq {
		out = append(out, m.records[id])
	}
	return out
}

// GetChunk returns one chunk for assertions.
func (m *MemStore) GetChunk(id string) *models.SyncJobChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks[id]
}

// GetJob returns one job for assertions.
func (m *MemStore) GetJob(id string) *models.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

// EntityByPlatformID returns a seeded or upserted entity for assertions.
func (m *MemStore) EntityByPlatformID(accountID string, entityType types.EntityType, platformEntityID string) *models.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findEntity(accountID, entityType, platformEntityID)
}

// Invalidate implements ProgressInvalidator.
func (m *MemStore) Invalidate(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Invalidated = append(m.Invalidated, jobID)
	return nil
}

func (m *MemStore) findEntity(accountID string, entityType types.EntityType, platformEntityID string) *models.Entity {
	for _, entity := range m.entities {
		if entity.AdAccountID == accountID && entity.EntityType == entityType && entity.PlatformEntityID == platformEntityID {
			return entity
		}
	}
	return nil
}

func (m *MemStore) appendRecord(account *models.AdAccount, entity *models.Entity, oldStatus, newStatus string) {
	record := &models.StatusChangeRecord{
		ID:               uuid.New().String(),
		EntityID:         entity.ID,
		EntityType:       entity.EntityType,
		PlatformEntityID: entity.PlatformEntityID,
		AdAccountID:      account.ID,
		UserID:           account.UserID,
		Platform:         account.Platform,
		OldStatus:        oldStatus,
		NewStatus:        newStatus,
		CreatedAt:        m.now,
	}
	m.records[record.ID] = record
	m.recSeq = append(m.recSeq, record.ID)
}

func needsFinalSyncTransition(oldStatus, newStatus string) bool {
	from := strings.ToUpper(oldStatus)
	to := strings.ToUpper(newStatus)
	return from == string(types.EntityStatusActive) &&
		(to == string(types.EntityStatusPaused) || to == string(types.EntityStatusDeleted))
}

// MemAccounts implements AccountStore plus the account repository surface the
// services use.
type MemAccounts struct{ s *MemStore }

func (v *MemAccounts) GetByID(ctx context.Context, id string) (*models.AdAccount, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}
	account, ok := v.s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("ad account not found: %s", id)
	}
	return account, nil
}

func (v *MemAccounts) Create(ctx context.Context, account *models.AdAccount) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = v.s.now
	account.UpdatedAt = v.s.now
	v.s.accounts[account.ID] = account
	return nil
}

func (v *MemAccounts) GetByExternalID(ctx context.Context, platform types.Platform, externalID string) (*models.AdAccount, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}
	for _, account := range v.s.accounts {
		if account.Platform == platform && account.ExternalAccountID == externalID {
			return account, nil
		}
	}
	return nil, fmt.Errorf("ad account not found: %s/%s", platform, externalID)
}

func (v *MemAccounts) ListByUser(ctx context.Context, userID string) ([]*models.AdAccount, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}
	var out []*models.AdAccount
	for _, account := range v.s.accounts {
		if account.UserID == userID {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *MemAccounts) SetActive(ctx context.Context, id string, active bool) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}
	account, ok := v.s.accounts[id]
	if !ok {
		return fmt.Errorf("ad account not found: %s", id)
	}
	account.Active = active
	account.UpdatedAt = v.s.now
	return nil
}

func (v *MemAccounts) ListActive(ctx context.Context, limit int) ([]*models.AdAccount, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}
	var out []*models.AdAccount
	for _, account := range v.s.accounts {
		if account.Active {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimQuickRefresh mirrors the repository's conditional timestamp claim: the
// stamp applies only when the previous value is absent or old enough.
func (v *MemAccounts) ClaimQuickRefresh(ctx context.Context, id string, interval time.Duration) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return false, v.s.Err
	}
	account, ok := v.s.accounts[id]
	if !ok {
		return false, fmt.Errorf("ad account not found: %s", id)
	}
	if account.LastQuickRefreshAt != nil && v.s.now.Before(account.LastQuickRefreshAt.Add(interval)) {
		return false, nil
	}
	stamp := v.s.now
	account.LastQuickRefreshAt = &stamp
	account.UpdatedAt = v.s.now
	return true, nil
}

func (v *MemAccounts) ClaimExistenceCheck(ctx context.Context, id string, interval time.Duration) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return false, v.s.Err
	}
	account, ok := v.s.accounts[id]
	if !ok {
		return false, fmt.Errorf("ad account not found: %s", id)
	}
	if account.LastExistenceCheckAt != nil && v.s.now.Before(account.LastExistenceCheckAt.Add(interval)) {
		return false, nil
	}
	stamp := v.s.now
	account.LastExistenceCheckAt = &stamp
	account.UpdatedAt = v.s.now
	return true, nil
}

// MemEntities implements EntityStore with the same transition bookkeeping as
// the Postgres repository: change records appear only for real status moves.
type MemEntities struct{ s *MemStore }

func (v *MemEntities) UpsertBatch(ctx context.Context, account *models.AdAccount, incoming []types.PlatformEntity) (*storage.UpsertStats, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	stats := &storage.UpsertStats{}
	for _, in := range incoming {
		newStatus := types.NormalizeEntityStatus(in.Status)
		existing := v.s.findEntity(account.ID, in.EntityType, in.PlatformEntityID)
		if existing == nil {
			v.s.entities = append(v.s.entities, &models.Entity{
				ID:               uuid.New().String(),
				AdAccountID:      account.ID,
				EntityType:       in.EntityType,
				PlatformEntityID: in.PlatformEntityID,
				ParentPlatformID: in.ParentPlatformID,
				Name:             in.Name,
				Status:           newStatus,
				CreatedAt:        v.s.now,
				UpdatedAt:        v.s.now,
			})
			stats.Created++
			continue
		}

		oldStatus := string(existing.Status)
		existing.Name = in.Name
		existing.ParentPlatformID = in.ParentPlatformID
		existing.UpdatedAt = v.s.now
		stats.Updated++

		if oldStatus != string(newStatus) {
			prev := oldStatus
			changedAt := v.s.now
			existing.PreviousStatus = &prev
			existing.Status = newStatus
			existing.StatusChangedAt = &changedAt
			v.s.appendRecord(account, existing, oldStatus, string(newStatus))
			stats.StatusChanges++
		}
	}

	return stats, nil
}

func (v *MemEntities) MarkAbsentDeleted(ctx context.Context, account *models.AdAccount, entityType types.EntityType, presentIDs []string) (int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return 0, v.s.Err
	}

	present := make(map[string]bool, len(presentIDs))
	for _, id := range presentIDs {
		present[id] = true
	}

	deleted := 0
	for _, entity := range v.s.entities {
		if entity.AdAccountID != account.ID || entity.EntityType != entityType {
			continue
		}
		if entity.Status == types.EntityStatusDeleted || present[entity.PlatformEntityID] {
			continue
		}
		oldStatus := string(entity.Status)
		prev := oldStatus
		changedAt := v.s.now
		entity.PreviousStatus = &prev
		entity.Status = types.EntityStatusDeleted
		entity.StatusChangedAt = &changedAt
		entity.UpdatedAt = v.s.now
		v.s.appendRecord(account, entity, oldStatus, string(types.EntityStatusDeleted))
		deleted++
	}

	return deleted, nil
}

func (v *MemEntities) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}
	for _, entity := range v.s.entities {
		if entity.ID == id {
			return entity, nil
		}
	}
	return nil, fmt.Errorf("entity not found: %s", id)
}

func (v *MemEntities) ListPage(ctx context.Context, adAccountID string, entityType types.EntityType, offset, limit int) ([]*models.Entity, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	var matching []*models.Entity
	for _, entity := range v.s.entities {
		if entity.AdAccountID == adAccountID && entity.EntityType == entityType {
			matching = append(matching, entity)
		}
	}
	if offset >= len(matching) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matching) {
		end = len(matching)
	}
	return matching[offset:end], nil
}

func (v *MemEntities) CountByType(ctx context.Context, adAccountID string) (map[types.EntityType]int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	counts := make(map[types.EntityType]int)
	for _, entity := range v.s.entities {
		if entity.AdAccountID == adAccountID {
			counts[entity.EntityType]++
		}
	}
	return counts, nil
}

// MemStatusChanges implements StatusChangeStore plus the read surface the
// final sync service uses.
type MemStatusChanges struct{ s *MemStore }

func (v *MemStatusChanges) GetByID(ctx context.Context, id string) (*models.StatusChangeRecord, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}
	record, ok := v.s.records[id]
	if !ok {
		return nil, fmt.Errorf("status change record not found: %s", id)
	}
	return record, nil
}

func (v *MemStatusChanges) ListOpenByAccount(ctx context.Context, adAccountID string, entityType *types.EntityType, limit int) ([]*models.StatusChangeRecord, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	var out []*models.StatusChangeRecord
	for _, id := range v.s.recSeq {
		record := v.s.records[id]
		if record.AdAccountID != adAccountID || record.FinalSyncCompleted {
			continue
		}
		if !needsFinalSyncTransition(record.OldStatus, record.NewStatus) {
			continue
		}
		if entityType != nil && record.EntityType != *entityType {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (v *MemStatusChanges) CountOpenByAccount(ctx context.Context, adAccountID string) (int, error) {
	records, err := v.ListOpenByAccount(ctx, adAccountID, nil, 0)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (v *MemStatusChanges) ListNeedingFinalSync(ctx context.Context, staleAfter time.Duration, limit int) ([]*models.StatusChangeRecord, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	var out []*models.StatusChangeRecord
	for _, id := range v.s.recSeq {
		record := v.s.records[id]
		if record.FinalSyncCompleted || !needsFinalSyncTransition(record.OldStatus, record.NewStatus) {
			continue
		}
		if record.FinalSyncInProgress &&
			record.FinalSyncAttemptedAt != nil &&
			v.s.now.Before(record.FinalSyncAttemptedAt.Add(staleAfter)) {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (v *MemStatusChanges) ClaimForFinalSync(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return false, v.s.Err
	}

	record, ok := v.s.records[id]
	if !ok || record.FinalSyncCompleted {
		return false, nil
	}
	if record.FinalSyncInProgress &&
		record.FinalSyncAttemptedAt != nil &&
		v.s.now.Before(record.FinalSyncAttemptedAt.Add(staleAfter)) {
		return false, nil
	}
	attempted := v.s.now
	record.FinalSyncInProgress = true
	record.FinalSyncAttemptedAt = &attempted
	return true, nil
}

func (v *MemStatusChanges) ReleaseFinalSync(ctx context.Context, id string, syncErr string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	record, ok := v.s.records[id]
	if !ok || record.FinalSyncCompleted {
		return fmt.Errorf("status change record not found or already completed: %s", id)
	}
	record.FinalSyncInProgress = false
	if syncErr != "" {
		msg := syncErr
		record.FinalSyncError = &msg
	}
	return nil
}

// MarkFinalSyncCompleted stamps the entity's last_final_sync_at like the
// transactional repository does. Idempotent.
func (v *MemStatusChanges) MarkFinalSyncCompleted(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	record, ok := v.s.records[id]
	if !ok {
		return fmt.Errorf("status change record not found: %s", id)
	}
	if record.FinalSyncCompleted {
		return nil
	}
	record.FinalSyncCompleted = true
	record.FinalSyncInProgress = false
	record.FinalSyncError = nil
	attempted := v.s.now
	record.FinalSyncAttemptedAt = &attempted

	for _, entity := range v.s.entities {
		if entity.ID == record.EntityID {
			stamp := v.s.now
			entity.LastFinalSyncAt = &stamp
			entity.UpdatedAt = v.s.now
			break
		}
	}
	return nil
}

// MemMetrics implements MetricsStore.
type MemMetrics struct{ s *MemStore }

func (v *MemMetrics) InsertBatch(ctx context.Context, platform types.Platform, adAccountID string, rows []models.EntityMetricsRow) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	for _, row := range rows {
		row.Platform = platform
		row.AdAccountID = adAccountID
		if row.FetchedAt.IsZero() {
			row.FetchedAt = v.s.now
		}
		v.s.MetricRows = append(v.s.MetricRows, row)
	}
	return nil
}

func (v *MemMetrics) Summarize(ctx context.Context, adAccountID string, entityType types.EntityType, platformEntityID string) (*models.MetricsSummary, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	summary := &models.MetricsSummary{PlatformEntityID: platformEntityID}
	days := make(map[string]bool)
	for _, row := range v.s.MetricRows {
		if row.AdAccountID != adAccountID || row.EntityType != entityType || row.PlatformEntityID != platformEntityID {
			continue
		}
		days[row.Date.Format("2006-01-02")] = true
		summary.Impressions += row.Impressions
		summary.Clicks += row.Clicks
		summary.Spend += row.Spend
		summary.Conversions += row.Conversions
		summary.Revenue += row.Revenue
	}
	summary.Days = uint64(len(days))
	return summary, nil
}

// MemJobs implements JobStore.
type MemJobs struct{ s *MemStore }

func (v *MemJobs) CreateWithChunks(ctx context.Context, job *models.SyncJob, chunks []*models.SyncJobChunk) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = types.JobStatusPending
	job.TotalChunks = len(chunks)
	job.CreatedAt = v.s.now
	job.UpdatedAt = v.s.now
	v.s.jobs[job.ID] = job

	for _, chunk := range chunks {
		v.s.insertChunk(job.ID, chunk)
	}
	return nil
}

func (v *MemJobs) AppendChunks(ctx context.Context, jobID string, chunks []*models.SyncJobChunk) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	job, ok := v.s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return fmt.Errorf("sync job not found or already terminal: %s", jobID)
	}
	job.TotalChunks += len(chunks)
	job.UpdatedAt = v.s.now
	for _, chunk := range chunks {
		v.s.insertChunk(jobID, chunk)
	}
	return nil
}

func (v *MemJobs) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}
	return v.s.getJob(id)
}

func (v *MemJobs) ListByAccount(ctx context.Context, adAccountID string, limit int) ([]*models.SyncJob, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	var out []*models.SyncJob
	for _, job := range v.s.jobs {
		if job.AdAccountID == adAccountID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *MemJobs) GetActiveByAccountAndPhase(ctx context.Context, adAccountID string, phase types.SyncPhase) (*models.SyncJob, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	for _, job := range v.s.jobs {
		if job.AdAccountID == adAccountID && job.Phase == phase && !job.Status.Terminal() {
			return job, nil
		}
	}
	return nil, nil
}

func (v *MemJobs) ClaimPending(ctx context.Context, id string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return false, v.s.Err
	}

	job, ok := v.s.jobs[id]
	if !ok || job.Status != types.JobStatusPending {
		return false, nil
	}
	job.Status = types.JobStatusInProgress
	if job.StartedAt == nil {
		started := v.s.now
		job.StartedAt = &started
	}
	job.UpdatedAt = v.s.now
	return true, nil
}

func (v *MemJobs) UpdateCursor(ctx context.Context, id string, chunkType types.ChunkType, entityOffset int) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	job, err := v.s.getJob(id)
	if err != nil {
		return err
	}
	job.CurrentChunkType = &chunkType
	job.CurrentEntityOffset = entityOffset
	job.UpdatedAt = v.s.now
	return nil
}

func (v *MemJobs) ApplyProgress(ctx context.Context, id string, totalChunks, completedChunks, failedChunks, progressPercentage int) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	job, err := v.s.getJob(id)
	if err != nil {
		return err
	}
	job.TotalChunks = totalChunks
	job.CompletedChunks = completedChunks
	job.FailedChunks = failedChunks
	job.ProgressPercentage = progressPercentage
	job.UpdatedAt = v.s.now
	return nil
}

func (v *MemJobs) AddSyncedCounters(ctx context.Context, id string, campaigns, adSets, ads int, metrics int64) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	job, err := v.s.getJob(id)
	if err != nil {
		return err
	}
	job.TotalCampaignsSynced += campaigns
	job.TotalAdSetsSynced += adSets
	job.TotalAdsSynced += ads
	job.TotalMetricsSynced += metrics
	job.UpdatedAt = v.s.now
	return nil
}

func (v *MemJobs) IncrementErrorCount(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	job, err := v.s.getJob(id)
	if err != nil {
		return err
	}
	job.ErrorCount++
	job.UpdatedAt = v.s.now
	return nil
}

func (v *MemJobs) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return v.s.finalizeJob(id, types.JobStatusCompleted, nil)
}

func (v *MemJobs) MarkFailed(ctx context.Context, id string, errorMessage string) (bool, error) {
	return v.s.finalizeJob(id, types.JobStatusFailed, &errorMessage)
}

// Cancel moves a job to cancelled, mirroring SyncJobRepository.Cancel.
func (v *MemJobs) Cancel(ctx context.Context, id string) (bool, error) {
	return v.s.finalizeJob(id, types.JobStatusCancelled, nil)
}

func (m *MemStore) getJob(id string) (*models.SyncJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("sync job not found: %s", id)
	}
	return job, nil
}

func (m *MemStore) finalizeJob(id string, status types.JobStatus, errorMessage *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = status
	if errorMessage != nil {
		job.ErrorMessage = errorMessage
	}
	completed := m.now
	job.CompletedAt = &completed
	job.UpdatedAt = m.now
	return true, nil
}

func (m *MemStore) insertChunk(jobID string, chunk *models.SyncJobChunk) {
	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}
	chunk.SyncJobID = jobID
	chunk.Status = types.ChunkStatusPending
	chunk.CreatedAt = m.now
	chunk.UpdatedAt = m.now
	m.chunks[chunk.ID] = chunk
	m.chunkSeq = append(m.chunkSeq, chunk.ID)
}

// MemChunks implements ChunkStore.
type MemChunks struct{ s *MemStore }

// snapshotChunk copies a stored chunk so readers see row state as of the
// read, like a repository scan, instead of a live pointer into the store.
func snapshotChunk(chunk *models.SyncJobChunk) *models.SyncJobChunk {
	cp := *chunk
	cp.DateFrom = copyTime(chunk.DateFrom)
	cp.DateTo = copyTime(chunk.DateTo)
	cp.StartedAt = copyTime(chunk.StartedAt)
	cp.CompletedAt = copyTime(chunk.CompletedAt)
	if chunk.LastError != nil {
		e := *chunk.LastError
		cp.LastError = &e
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (v *MemChunks) GetByID(ctx context.Context, id string) (*models.SyncJobChunk, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}
	chunk, ok := v.s.chunks[id]
	if !ok {
		return nil, fmt.Errorf("chunk not found: %s", id)
	}
	return snapshotChunk(chunk), nil
}

func (v *MemChunks) ListByJob(ctx context.Context, jobID string) ([]*models.SyncJobChunk, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	var chunks []*models.SyncJobChunk
	for _, id := range v.s.chunkSeq {
		if v.s.chunks[id].SyncJobID == jobID {
			chunks = append(chunks, snapshotChunk(v.s.chunks[id]))
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkOrder < chunks[j].ChunkOrder })
	return chunks, nil
}

// ClaimNext hands out the oldest pending chunk of a non-terminal job.
func (v *MemChunks) ClaimNext(ctx context.Context) (*models.SyncJobChunk, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	var best *models.SyncJobChunk
	for _, id := range v.s.chunkSeq {
		chunk := v.s.chunks[id]
		if chunk.Status != types.ChunkStatusPending {
			continue
		}
		job, ok := v.s.jobs[chunk.SyncJobID]
		if !ok || job.Status.Terminal() {
			continue
		}
		if best == nil || chunk.ChunkOrder < best.ChunkOrder {
			best = chunk
		}
	}
	if best == nil {
		return nil, nil
	}
	v.s.claimChunkLocked(best)
	return snapshotChunk(best), nil
}

func (v *MemChunks) Claim(ctx context.Context, id string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return false, v.s.Err
	}

	chunk, ok := v.s.chunks[id]
	if !ok || chunk.Status != types.ChunkStatusPending {
		return false, nil
	}
	v.s.claimChunkLocked(chunk)
	return true, nil
}

func (m *MemStore) claimChunkLocked(chunk *models.SyncJobChunk) {
	chunk.Status = types.ChunkStatusInProgress
	started := m.now
	chunk.StartedAt = &started
	chunk.UpdatedAt = m.now
}

func (v *MemChunks) MarkCompleted(ctx context.Context, id string, entitiesProcessed int, metricsSynced int) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	chunk, ok := v.s.chunks[id]
	if !ok || chunk.Status != types.ChunkStatusInProgress {
		return fmt.Errorf("chunk not in progress: %s", id)
	}
	chunk.Status = types.ChunkStatusCompleted
	chunk.EntitiesProcessed = entitiesProcessed
	chunk.MetricsSynced = metricsSynced
	chunk.LastError = nil
	completed := v.s.now
	chunk.CompletedAt = &completed
	chunk.UpdatedAt = v.s.now
	return nil
}

func (v *MemChunks) RequeueForRetry(ctx context.Context, id string, lastError string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return false, v.s.Err
	}

	chunk, ok := v.s.chunks[id]
	if !ok || chunk.Status != types.ChunkStatusInProgress || chunk.RetryCount >= chunk.MaxRetries {
		return false, nil
	}
	chunk.Status = types.ChunkStatusPending
	chunk.RetryCount++
	msg := lastError
	chunk.LastError = &msg
	chunk.StartedAt = nil
	chunk.UpdatedAt = v.s.now
	return true, nil
}

func (v *MemChunks) MarkFailed(ctx context.Context, id string, lastError string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	chunk, ok := v.s.chunks[id]
	if !ok || chunk.Status != types.ChunkStatusInProgress {
		return fmt.Errorf("chunk not in progress: %s", id)
	}
	chunk.Status = types.ChunkStatusFailed
	msg := lastError
	chunk.LastError = &msg
	completed := v.s.now
	chunk.CompletedAt = &completed
	chunk.UpdatedAt = v.s.now
	return nil
}

func (v *MemChunks) MarkSkipped(ctx context.Context, id string, reason string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return v.s.Err
	}

	chunk, ok := v.s.chunks[id]
	if !ok || (chunk.Status != types.ChunkStatusPending && chunk.Status != types.ChunkStatusInProgress) {
		return fmt.Errorf("chunk not pending or in progress: %s", id)
	}
	chunk.Status = types.ChunkStatusSkipped
	msg := reason
	chunk.LastError = &msg
	completed := v.s.now
	chunk.CompletedAt = &completed
	chunk.UpdatedAt = v.s.now
	return nil
}

func (v *MemChunks) CountByStatus(ctx context.Context, jobID string) (map[types.ChunkStatus]int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return nil, v.s.Err
	}

	counts := make(map[types.ChunkStatus]int)
	for _, id := range v.s.chunkSeq {
		chunk := v.s.chunks[id]
		if chunk.SyncJobID == jobID {
			counts[chunk.Status]++
		}
	}
	return counts, nil
}

func (v *MemChunks) RecoverStale(ctx context.Context, staleAfter time.Duration) (requeued int, failed int, err error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.Err != nil {
		return 0, 0, v.s.Err
	}

	for _, id := range v.s.chunkSeq {
		chunk := v.s.chunks[id]
		if chunk.Status != types.ChunkStatusInProgress || chunk.StartedAt == nil {
			continue
		}
		if v.s.now.Sub(*chunk.StartedAt) < staleAfter {
			continue
		}
		msg := "worker lost mid-chunk"
		chunk.LastError = &msg
		chunk.UpdatedAt = v.s.now
		if chunk.RetryCount < chunk.MaxRetries {
			chunk.Status = types.ChunkStatusPending
			chunk.RetryCount++
			chunk.StartedAt = nil
			requeued++
		} else {
			chunk.Status = types.ChunkStatusFailed
			completed := v.s.now
			chunk.CompletedAt = &completed
			failed++
		}
	}
	return requeued, failed, nil
}
