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

type AlertStore struct {
	db *bun.DB
}

func NewAlertStore(db *bun.DB) (*AlertStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &AlertStore{db: db}, nil
}

// CreateOrSuppress inserts the alert. When the fingerprint already exists it
// bumps suppressed_count on the stored row and reports created=false.
func (s *AlertStore) CreateOrSuppress(ctx context.Context, alert core.AlignmentAlert) (core.AlignmentAlert, bool, error) {
	if s == nil || s.db == nil {
		return core.AlignmentAlert{}, false, fmt.Errorf("sqlstore: alert store is not configured")
	}
	fingerprint := strings.TrimSpace(alert.Fingerprint)
	if fingerprint == "" {
		return core.AlignmentAlert{}, false, fmt.Errorf("sqlstore: alert fingerprint is required")
	}
	if strings.TrimSpace(alert.ProjectID) == "" {
		return core.AlignmentAlert{}, false, fmt.Errorf("sqlstore: project id is required")
	}

	now := time.Now().UTC()
	record := &alertRecord{
		ID:          strings.TrimSpace(alert.ID),
		ProjectID:   strings.TrimSpace(alert.ProjectID),
		URL:         strings.TrimSpace(alert.URL),
		AdID:        strings.TrimSpace(alert.AdID),
		AlertType:   string(alert.AlertType),
		Fingerprint: fingerprint,
		Day:         strings.TrimSpace(alert.Day),
		Severity:    strings.TrimSpace(alert.Severity),
		Message:     alert.Message,
		ReportID:    strings.TrimSpace(alert.ReportID),
		Status:      string(core.AlertStatusOpen),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if !isUniqueViolation(err) {
			return core.AlignmentAlert{}, false, fmt.Errorf("sqlstore: insert alert: %w", err)
		}
		if _, err := s.db.NewUpdate().
			Model((*alertRecord)(nil)).
			Set("suppressed_count = suppressed_count + 1").
			Set("updated_at = ?", now).
			Where("fingerprint = ?", fingerprint).
			Exec(ctx); err != nil {
			return core.AlignmentAlert{}, false, fmt.Errorf("sqlstore: suppress alert: %w", err)
		}
		existing, err := s.getBy(ctx, "fingerprint", fingerprint)
		if err != nil {
			return core.AlignmentAlert{}, false, err
		}
		return existing, false, nil
	}
	return record.toDomain(), true, nil
}

func (s *AlertStore) Get(ctx context.Context, id string) (core.AlignmentAlert, error) {
	if s == nil || s.db == nil {
		return core.AlignmentAlert{}, fmt.Errorf("sqlstore: alert store is not configured")
	}
	return s.getBy(ctx, "id", strings.TrimSpace(id))
}

// Resolve is idempotent for alerts that are already resolved.
func (s *AlertStore) Resolve(ctx context.Context, id string, at time.Time) (core.AlignmentAlert, error) {
	if s == nil || s.db == nil {
		return core.AlignmentAlert{}, fmt.Errorf("sqlstore: alert store is not configured")
	}
	id = strings.TrimSpace(id)
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	if _, err := s.db.NewUpdate().
		Model((*alertRecord)(nil)).
		Set("status = ?", string(core.AlertStatusResolved)).
		Set("resolved_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", string(core.AlertStatusOpen)).
		Exec(ctx); err != nil {
		return core.AlignmentAlert{}, fmt.Errorf("sqlstore: resolve alert: %w", err)
	}
	return s.getBy(ctx, "id", id)
}

func (s *AlertStore) List(ctx context.Context, projectID string, day string) ([]core.AlignmentAlert, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: alert store is not configured")
	}
	var records []alertRecord
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.project_id = ?", strings.TrimSpace(projectID)).
		OrderExpr("?TableAlias.created_at DESC")
	if trimmed := strings.TrimSpace(day); trimmed != "" {
		query = query.Where("?TableAlias.day = ?", trimmed)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	alerts := make([]core.AlignmentAlert, 0, len(records))
	for i := range records {
		alerts = append(alerts, records[i].toDomain())
	}
	return alerts, nil
}

func (s *AlertStore) getBy(ctx context.Context, column string, value string) (core.AlignmentAlert, error) {
	record := &alertRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias."+column+" = ?", value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.AlignmentAlert{}, fmt.Errorf("sqlstore: alert %s %q: %w", column, value, core.ErrNotFound)
		}
		return core.AlignmentAlert{}, err
	}
	return record.toDomain(), nil
}

func (r *alertRecord) toDomain() core.AlignmentAlert {
	if r == nil {
		return core.AlignmentAlert{}
	}
	return core.AlignmentAlert{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		URL:             r.URL,
		AdID:            r.AdID,
		AlertType:       core.AlertType(r.AlertType),
		Fingerprint:     r.Fingerprint,
		Day:             r.Day,
		Severity:        r.Severity,
		Message:         r.Message,
		ReportID:        r.ReportID,
		Status:          core.AlertStatus(r.Status),
		SuppressedCount: r.SuppressedCount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ResolvedAt:      cloneTimePointer(r.ResolvedAt),
	}
}

var _ core.AlertStore = (*AlertStore)(nil)
