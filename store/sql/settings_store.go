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

type SettingsStore struct {
	db   *bun.DB
	repo repository.Repository[*scheduleSettingsRecord]
}

func NewSettingsStore(db *bun.DB) (*SettingsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*scheduleSettingsRecord](db, modelHandlers[scheduleSettingsRecord, *scheduleSettingsRecord]())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid schedule settings repository wiring: %w", err)
		}
	}
	return &SettingsStore{db: db, repo: repo}, nil
}

func (s *SettingsStore) Get(ctx context.Context, projectID string) (core.ScheduleSettings, error) {
	record, err := s.find(ctx, projectID)
	if err != nil {
		return core.ScheduleSettings{}, err
	}
	return record.toDomain(), nil
}

func (s *SettingsStore) Upsert(ctx context.Context, settings core.ScheduleSettings) (core.ScheduleSettings, error) {
	if s == nil || s.repo == nil {
		return core.ScheduleSettings{}, fmt.Errorf("sqlstore: schedule settings store is not configured")
	}
	projectID := strings.TrimSpace(settings.ProjectID)
	if projectID == "" {
		return core.ScheduleSettings{}, fmt.Errorf("sqlstore: project id is required")
	}
	if settings.MaxChecksPerDay < 0 {
		return core.ScheduleSettings{}, fmt.Errorf("sqlstore: max_checks_per_day must not be negative")
	}

	now := time.Now().UTC()
	current, err := s.find(ctx, projectID)
	switch {
	case err == nil:
		current.applySettings(settings, now)
		updated, updateErr := s.repo.Update(ctx, current, repository.UpdateByID(current.ID))
		if updateErr != nil {
			return core.ScheduleSettings{}, updateErr
		}
		return updated.toDomain(), nil
	case errors.Is(err, core.ErrNotFound):
		record := &scheduleSettingsRecord{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			CreatedAt: now,
		}
		record.applySettings(settings, now)
		created, createErr := s.repo.Create(ctx, record)
		if createErr != nil {
			return core.ScheduleSettings{}, createErr
		}
		return created.toDomain(), nil
	default:
		return core.ScheduleSettings{}, err
	}
}

func (s *SettingsStore) ListEnabled(ctx context.Context) ([]core.ScheduleSettings, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: schedule settings store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.enabled = ?", true)
		}),
		repository.OrderBy("project_id ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.ScheduleSettings, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *SettingsStore) find(ctx context.Context, projectID string) (*scheduleSettingsRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: schedule settings store is not configured")
	}
	projectID = strings.TrimSpace(projectID)
	record := &scheduleSettingsRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.project_id = ?", projectID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: schedule settings for project %q: %w", projectID, core.ErrNotFound)
		}
		return nil, err
	}
	return record, nil
}

func (r *scheduleSettingsRecord) applySettings(in core.ScheduleSettings, now time.Time) {
	r.Enabled = in.Enabled
	r.Cadence = strings.ToLower(strings.TrimSpace(string(in.Cadence)))
	if r.Cadence == "" {
		r.Cadence = string(core.CadenceDaily)
	}
	r.MaxChecksPerDay = in.MaxChecksPerDay
	r.QuietStart = strings.TrimSpace(in.QuietHours.Start)
	r.QuietEnd = strings.TrimSpace(in.QuietHours.End)
	r.Timezone = strings.TrimSpace(in.Timezone)
	r.MinScoreAlertThreshold = in.MinScoreAlertThreshold
	r.UpdatedAt = now
}

func (r *scheduleSettingsRecord) toDomain() core.ScheduleSettings {
	if r == nil {
		return core.ScheduleSettings{}
	}
	return core.ScheduleSettings{
		ProjectID:       r.ProjectID,
		Enabled:         r.Enabled,
		Cadence:         core.Cadence(r.Cadence),
		MaxChecksPerDay: r.MaxChecksPerDay,
		QuietHours: core.QuietHours{
			Start: r.QuietStart,
			End:   r.QuietEnd,
		},
		Timezone:               r.Timezone,
		MinScoreAlertThreshold: r.MinScoreAlertThreshold,
		UpdatedAt:              r.UpdatedAt,
	}
}

var _ core.SettingsStore = (*SettingsStore)(nil)
