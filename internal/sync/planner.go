package sync

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/types"
)

// Planner turns a sync request into a job row plus its chunk layout. Chunk 0
// always fetches structure; metric chunks follow, one per (entity type, entity
// batch, date window), in a stable order. The layout is derived from entity
// counts known at planning time; ExtendAfterStructure appends coverage for
// entities the structure fetch discovers later.
type Planner struct {
	jobs     JobStore
	chunks   ChunkStore
	entities EntityStore
	cfg      config.SyncConfig
	now      func() time.Time
}

// NewPlanner creates a planner with the given sync configuration.
func NewPlanner(jobs JobStore, chunks ChunkStore, entities EntityStore, cfg config.SyncConfig) *Planner {
	if cfg.EntityBatchSize <= 0 {
		cfg.EntityBatchSize = 200
	}
	if cfg.MetricsWindowDays <= 0 {
		cfg.MetricsWindowDays = 30
	}
	if cfg.RecentWindowDays <= 0 {
		cfg.RecentWindowDays = 90
	}
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = 365
	}
	if cfg.ChunkMaxRetries <= 0 {
		cfg.ChunkMaxRetries = 3
	}

	return &Planner{
		jobs:     jobs,
		chunks:   chunks,
		entities: entities,
		cfg:      cfg,
		now:      time.Now,
	}
}

// PhaseRange returns the inclusive day range a phase covers, relative to
// today. The recent phase ends today; the backfill phase ends the day before
// the recent phase begins, so the two never overlap.
func (p *Planner) PhaseRange(phase types.SyncPhase) (types.DateRange, error) {
	today := truncateDay(p.now().UTC())

	switch phase {
	case types.PhaseRecent90Days:
		return types.DateRange{
			From: today.AddDate(0, 0, -(p.cfg.RecentWindowDays - 1)),
			To:   today,
		}, nil
	case types.PhaseHistoricalBackfill:
		to := today.AddDate(0, 0, -p.cfg.RecentWindowDays)
		return types.DateRange{
			From: to.AddDate(0, 0, -(p.cfg.BackfillDays - 1)),
			To:   to,
		}, nil
	}

	return types.DateRange{}, fmt.Errorf("invalid sync phase: %s", phase)
}

// PlanJob creates a job for the account and phase with its full chunk layout,
// in one transaction. A planning failure that is the account's fault (not
// active, unknown platform) is recorded as a failed job with no chunks, so
// the dashboard sees why nothing ran.
func (p *Planner) PlanJob(ctx context.Context, account *models.AdAccount, phase types.SyncPhase) (*models.SyncJob, error) {
	dateRange, err := p.PhaseRange(phase)
	if err != nil {
		return nil, err
	}

	job := &models.SyncJob{
		AdAccountID: account.ID,
		Phase:       phase,
		DateFrom:    dateRange.From,
		DateTo:      dateRange.To,
	}

	if fatal := p.planFatal(account); fatal != "" {
		if err := p.jobs.CreateWithChunks(ctx, job, nil); err != nil {
			return nil, err
		}
		if _, err := p.jobs.MarkFailed(ctx, job.ID, fatal); err != nil {
			return nil, err
		}
		return p.jobs.GetByID(ctx, job.ID)
	}

	counts, err := p.entities.CountByType(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities for planning: %w", err)
	}

	chunks := p.layoutChunks(dateRange, counts)
	if err := p.jobs.CreateWithChunks(ctx, job, chunks); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":       job.ID,
		"adAccountId": account.ID,
		"phase":       phase,
	}).Infof("planned sync job with %d chunks over %s..%s",
		len(chunks), dateRange.From.Format("2006-01-02"), dateRange.To.Format("2006-01-02"))

	return job, nil
}

func (p *Planner) planFatal(account *models.AdAccount) string {
	if !account.Active {
		return fmt.Sprintf("ad account %s is deactivated", account.ID)
	}
	if !account.Platform.Valid() {
		return fmt.Sprintf("unknown platform: %s", account.Platform)
	}
	return ""
}

// layoutChunks builds the chunk plan: structure first, then for each entity
// type, for each entity batch, one metrics chunk per date window. Accounts
// with no known entities still get one batch per type so a first sync covers
// whatever structure discovery finds.
func (p *Planner) layoutChunks(dateRange types.DateRange, counts map[types.EntityType]int) []*models.SyncJobChunk {
	windows := dateRange.SplitWindows(p.cfg.MetricsWindowDays)

	chunks := []*models.SyncJobChunk{{
		ChunkType:  types.ChunkTypeStructure,
		ChunkOrder: 0,
		MaxRetries: p.cfg.ChunkMaxRetries,
	}}

	order := 1
	for _, entityType := range []types.EntityType{types.EntityTypeCampaign, types.EntityTypeAdSet, types.EntityTypeAd} {
		batches := p.batchCount(counts[entityType])
		for batch := 0; batch < batches; batch++ {
			for _, window := range windows {
				from, to := window.From, window.To
				chunks = append(chunks, &models.SyncJobChunk{
					ChunkType:    types.MetricsChunkType(entityType),
					ChunkOrder:   order,
					EntityOffset: batch * p.cfg.EntityBatchSize,
					EntityLimit:  p.cfg.EntityBatchSize,
					DateFrom:     &from,
					DateTo:       &to,
					MaxRetries:   p.cfg.ChunkMaxRetries,
				})
				order++
			}
		}
	}

	return chunks
}

func (p *Planner) batchCount(entities int) int {
	if entities <= 0 {
		return 1
	}
	return int(math.Ceil(float64(entities) / float64(p.cfg.EntityBatchSize)))
}

// ExtendAfterStructure appends metric chunks for entity batches beyond what
// the original plan covered, using entity counts as they stand after the
// structure fetch. Idempotent: re-running it appends nothing once coverage
// matches the counts.
func (p *Planner) ExtendAfterStructure(ctx context.Context, jobID string) (added int, err error) {
	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		return 0, err
	}

	counts, err := p.entities.CountByType(ctx, job.AdAccountID)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities for extension: %w", err)
	}

	existing, err := p.chunkCoverage(ctx, jobID)
	if err != nil {
		return 0, err
	}

	windows := types.DateRange{From: job.DateFrom, To: job.DateTo}.SplitWindows(p.cfg.MetricsWindowDays)
	order := existing.maxOrder + 1

	var extension []*models.SyncJobChunk
	for _, entityType := range []types.EntityType{types.EntityTypeCampaign, types.EntityTypeAdSet, types.EntityTypeAd} {
		needed := p.batchCount(counts[entityType])
		covered := existing.batches[types.MetricsChunkType(entityType)]
		for batch := covered; batch < needed; batch++ {
			for _, window := range windows {
				from, to := window.From, window.To
				extension = append(extension, &models.SyncJobChunk{
					ChunkType:    types.MetricsChunkType(entityType),
					ChunkOrder:   order,
					EntityOffset: batch * p.cfg.EntityBatchSize,
					EntityLimit:  p.cfg.EntityBatchSize,
					DateFrom:     &from,
					DateTo:       &to,
					MaxRetries:   p.cfg.ChunkMaxRetries,
				})
				order++
			}
		}
	}

	if len(extension) == 0 {
		return 0, nil
	}

	if err := p.jobs.AppendChunks(ctx, jobID, extension); err != nil {
		return 0, err
	}

	logging.FromContext(ctx).WithField("jobId", jobID).
		Infof("extended job with %d chunks after structure discovery", len(extension))

	return len(extension), nil
}

type coverage struct {
	maxOrder int
	batches  map[types.ChunkType]int
}

// chunkCoverage reports, per metrics chunk type, how many entity batches the
// job's existing chunks already address, plus the highest chunk order in use.
func (p *Planner) chunkCoverage(ctx context.Context, jobID string) (coverage, error) {
	chunks, err := p.chunks.ListByJob(ctx, jobID)
	if err != nil {
		return coverage{}, err
	}

	cov := coverage{maxOrder: -1, batches: make(map[types.ChunkType]int)}
	for _, chunk := range chunks {
		if chunk.ChunkOrder > cov.maxOrder {
			cov.maxOrder = chunk.ChunkOrder
		}
		if _, ok := chunk.ChunkType.MetricsEntityType(); !ok {
			continue
		}
		batchEnd := (chunk.EntityOffset / p.cfg.EntityBatchSize) + 1
		if batchEnd > cov.batches[chunk.ChunkType] {
			cov.batches[chunk.ChunkType] = batchEnd
		}
	}

	return cov, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
