package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ReportStore struct {
	db *bun.DB
}

func NewReportStore(db *bun.DB) (*ReportStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &ReportStore{db: db}, nil
}

func (s *ReportStore) Create(ctx context.Context, report core.AlignmentReport) (core.AlignmentReport, error) {
	if s == nil || s.db == nil {
		return core.AlignmentReport{}, fmt.Errorf("sqlstore: report store is not configured")
	}
	if strings.TrimSpace(report.ProjectID) == "" {
		return core.AlignmentReport{}, fmt.Errorf("sqlstore: project id is required")
	}
	if report.Cached && strings.TrimSpace(report.CachedFrom) == "" {
		return core.AlignmentReport{}, fmt.Errorf("sqlstore: cached report requires cached_from")
	}

	record := &reportRecord{
		ID:              strings.TrimSpace(report.ID),
		ProjectID:       strings.TrimSpace(report.ProjectID),
		JobID:           strings.TrimSpace(report.JobID),
		AdID:            strings.TrimSpace(report.AdID),
		URL:             strings.TrimSpace(report.URL),
		CacheKey:        strings.TrimSpace(report.CacheKey),
		Score:           report.Score,
		Scores:          copyScores(report.Scores),
		Findings:        append([]core.Finding{}, report.Findings...),
		TrackingSignals: copySignals(report.TrackingSignals),
		Mode:            string(report.Mode),
		Cached:          report.Cached,
		CachedFrom:      strings.TrimSpace(report.CachedFrom),
		CreatedAt:       report.CreatedAt.UTC(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if report.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Mode == "" {
		record.Mode = string(core.ReportModeFull)
	}

	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.AlignmentReport{}, fmt.Errorf("sqlstore: insert report: %w", err)
	}
	return record.toDomain(), nil
}

func (s *ReportStore) Get(ctx context.Context, id string) (core.AlignmentReport, error) {
	if s == nil || s.db == nil {
		return core.AlignmentReport{}, fmt.Errorf("sqlstore: report store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &reportRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.AlignmentReport{}, fmt.Errorf("sqlstore: report %q: %w", id, core.ErrNotFound)
		}
		return core.AlignmentReport{}, err
	}
	return record.toDomain(), nil
}

// FindCached only considers original full-mode rows so that clones never
// become cache sources themselves.
func (s *ReportStore) FindCached(
	ctx context.Context,
	projectID string,
	cacheKey string,
	since time.Time,
) (core.AlignmentReport, bool, error) {
	if s == nil || s.db == nil {
		return core.AlignmentReport{}, false, fmt.Errorf("sqlstore: report store is not configured")
	}
	projectID = strings.TrimSpace(projectID)
	cacheKey = strings.TrimSpace(cacheKey)
	if projectID == "" || cacheKey == "" {
		return core.AlignmentReport{}, false, fmt.Errorf("sqlstore: project id and cache key are required")
	}
	record := &reportRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.project_id = ?", projectID).
		Where("?TableAlias.cache_key = ?", cacheKey).
		Where("?TableAlias.cached = ?", false).
		Where("?TableAlias.mode = ?", string(core.ReportModeFull)).
		Where("?TableAlias.created_at >= ?", since.UTC()).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.AlignmentReport{}, false, nil
		}
		return core.AlignmentReport{}, false, err
	}
	return record.toDomain(), true, nil
}

func (r *reportRecord) toDomain() core.AlignmentReport {
	if r == nil {
		return core.AlignmentReport{}
	}
	return core.AlignmentReport{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		JobID:           r.JobID,
		AdID:            r.AdID,
		URL:             r.URL,
		CacheKey:        r.CacheKey,
		Score:           r.Score,
		Scores:          copyScores(r.Scores),
		Findings:        append([]core.Finding{}, r.Findings...),
		TrackingSignals: copySignals(r.TrackingSignals),
		Mode:            core.ReportMode(r.Mode),
		Cached:          r.Cached,
		CachedFrom:      r.CachedFrom,
		CreatedAt:       r.CreatedAt,
	}
}

func copyScores(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copySignals(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var _ core.ReportStore = (*ReportStore)(nil)
