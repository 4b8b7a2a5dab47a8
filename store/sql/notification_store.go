package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type NotificationTargetStore struct {
	db   *bun.DB
	repo repository.Repository[*notificationTargetRecord]
}

func NewNotificationTargetStore(db *bun.DB) (*NotificationTargetStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*notificationTargetRecord](db, modelHandlers[notificationTargetRecord, *notificationTargetRecord]())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid notification target repository wiring: %w", err)
		}
	}
	return &NotificationTargetStore{db: db, repo: repo}, nil
}

func (s *NotificationTargetStore) Create(ctx context.Context, target core.NotificationTarget) (core.NotificationTarget, error) {
	if s == nil || s.repo == nil {
		return core.NotificationTarget{}, fmt.Errorf("sqlstore: notification target store is not configured")
	}
	if strings.TrimSpace(target.ProjectID) == "" {
		return core.NotificationTarget{}, fmt.Errorf("sqlstore: project id is required")
	}
	if strings.TrimSpace(target.URL) == "" {
		return core.NotificationTarget{}, fmt.Errorf("sqlstore: notification target url is required")
	}
	now := time.Now().UTC()
	record := &notificationTargetRecord{
		ID:        strings.TrimSpace(target.ID),
		ProjectID: strings.TrimSpace(target.ProjectID),
		Kind:      strings.TrimSpace(target.Kind),
		URL:       strings.TrimSpace(target.URL),
		Secret:    target.Secret,
		Enabled:   target.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Kind == "" {
		record.Kind = "webhook"
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.NotificationTarget{}, err
	}
	return created.toDomain(), nil
}

func (s *NotificationTargetStore) ListEnabled(ctx context.Context, projectID string) ([]core.NotificationTarget, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: notification target store is not configured")
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
	out := make([]core.NotificationTarget, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (r *notificationTargetRecord) toDomain() core.NotificationTarget {
	if r == nil {
		return core.NotificationTarget{}
	}
	return core.NotificationTarget{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Kind:      r.Kind,
		URL:       r.URL,
		Secret:    r.Secret,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// DispatchLedger keeps one row per notification attempt.
type DispatchLedger struct {
	db   *bun.DB
	repo repository.Repository[*alertDispatchRecord]
}

func NewDispatchLedger(db *bun.DB) (*DispatchLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*alertDispatchRecord](db, modelHandlers[alertDispatchRecord, *alertDispatchRecord]())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid alert dispatch repository wiring: %w", err)
		}
	}
	return &DispatchLedger{db: db, repo: repo}, nil
}

func (s *DispatchLedger) Record(ctx context.Context, dispatch core.AlertDispatch) (core.AlertDispatch, error) {
	if s == nil || s.repo == nil {
		return core.AlertDispatch{}, fmt.Errorf("sqlstore: dispatch ledger is not configured")
	}
	if strings.TrimSpace(dispatch.AlertID) == "" || strings.TrimSpace(dispatch.TargetID) == "" {
		return core.AlertDispatch{}, fmt.Errorf("sqlstore: alert id and target id are required")
	}
	record := &alertDispatchRecord{
		ID:          strings.TrimSpace(dispatch.ID),
		AlertID:     strings.TrimSpace(dispatch.AlertID),
		TargetID:    strings.TrimSpace(dispatch.TargetID),
		Status:      string(dispatch.Status),
		Error:       core.RedactErrorMessage(dispatch.Error),
		AttemptedAt: dispatch.AttemptedAt.UTC(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if dispatch.AttemptedAt.IsZero() {
		record.AttemptedAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = string(core.DispatchStatusDelivered)
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.AlertDispatch{}, err
	}
	return created.toDomain(), nil
}

func (s *DispatchLedger) ListByAlert(ctx context.Context, alertID string) ([]core.AlertDispatch, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: dispatch ledger is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("alert_id", "=", strings.TrimSpace(alertID)),
		repository.OrderBy("attempted_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.AlertDispatch, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (r *alertDispatchRecord) toDomain() core.AlertDispatch {
	if r == nil {
		return core.AlertDispatch{}
	}
	return core.AlertDispatch{
		ID:          r.ID,
		AlertID:     r.AlertID,
		TargetID:    r.TargetID,
		Status:      core.DispatchStatus(r.Status),
		Error:       r.Error,
		AttemptedAt: r.AttemptedAt,
	}
}

var (
	_ core.NotificationTargetStore = (*NotificationTargetStore)(nil)
	_ core.DispatchLedger          = (*DispatchLedger)(nil)
)
