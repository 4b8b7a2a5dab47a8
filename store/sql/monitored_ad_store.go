package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type MonitoredAdStore struct {
	db   *bun.DB
	repo repository.Repository[*monitoredAdRecord]
}

func NewMonitoredAdStore(db *bun.DB) (*MonitoredAdStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*monitoredAdRecord](db, modelHandlers[monitoredAdRecord, *monitoredAdRecord]())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid monitored ad repository wiring: %w", err)
		}
	}
	return &MonitoredAdStore{db: db, repo: repo}, nil
}

func (s *MonitoredAdStore) Create(ctx context.Context, ad core.MonitoredAd) (core.MonitoredAd, error) {
	if s == nil || s.repo == nil {
		return core.MonitoredAd{}, fmt.Errorf("sqlstore: monitored ad store is not configured")
	}
	if strings.TrimSpace(ad.ProjectID) == "" {
		return core.MonitoredAd{}, fmt.Errorf("sqlstore: project id is required")
	}
	if strings.TrimSpace(ad.AdID) == "" || strings.TrimSpace(ad.URL) == "" {
		return core.MonitoredAd{}, fmt.Errorf("sqlstore: ad id and url are required")
	}
	now := time.Now().UTC()
	record := &monitoredAdRecord{
		ID:        strings.TrimSpace(ad.ID),
		ProjectID: strings.TrimSpace(ad.ProjectID),
		AdID:      strings.TrimSpace(ad.AdID),
		URL:       strings.TrimSpace(ad.URL),
		Ad:        ad.Ad,
		Enabled:   ad.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.MonitoredAd{}, err
	}
	return created.toDomain(), nil
}

func (s *MonitoredAdStore) Get(ctx context.Context, projectID string, adID string) (core.MonitoredAd, error) {
	if s == nil || s.db == nil {
		return core.MonitoredAd{}, fmt.Errorf("sqlstore: monitored ad store is not configured")
	}
	record := &monitoredAdRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.project_id = ?", strings.TrimSpace(projectID)).
		Where("?TableAlias.ad_id = ?", strings.TrimSpace(adID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.MonitoredAd{}, fmt.Errorf("sqlstore: monitored ad %q in project %q: %w", adID, projectID, core.ErrNotFound)
		}
		return core.MonitoredAd{}, err
	}
	return record.toDomain(), nil
}

func (s *MonitoredAdStore) ListEnabled(ctx context.Context, projectID string) ([]core.MonitoredAd, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: monitored ad store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("project_id", "=", strings.TrimSpace(projectID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.enabled = ?", true)
		}),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.MonitoredAd, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (r *monitoredAdRecord) toDomain() core.MonitoredAd {
	if r == nil {
		return core.MonitoredAd{}
	}
	ad := r.Ad
	ad.Keywords = append([]string(nil), r.Ad.Keywords...)
	return core.MonitoredAd{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		AdID:      r.AdID,
		URL:       r.URL,
		Ad:        ad,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

var _ core.MonitoredAdStore = (*MonitoredAdStore)(nil)
