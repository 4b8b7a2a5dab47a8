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

// JobStore implements the lease state machine as single conditional
// updates. A zero RowsAffected means another worker won.
type JobStore struct {
	db *bun.DB
}

func NewJobStore(db *bun.DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &JobStore{db: db}, nil
}

func (s *JobStore) Create(ctx context.Context, job core.AlignmentJob) (core.AlignmentJob, error) {
	if s == nil || s.db == nil {
		return core.AlignmentJob{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	if strings.TrimSpace(job.ProjectID) == "" {
		return core.AlignmentJob{}, fmt.Errorf("sqlstore: project id is required")
	}
	if strings.TrimSpace(job.URL) == "" {
		return core.AlignmentJob{}, fmt.Errorf("sqlstore: job url is required")
	}

	now := time.Now().UTC()
	record := &jobRecord{
		ID:            strings.TrimSpace(job.ID),
		ProjectID:     strings.TrimSpace(job.ProjectID),
		AdID:          strings.TrimSpace(job.AdID),
		URL:           strings.TrimSpace(job.URL),
		Ad:            job.Ad,
		Status:        string(core.JobStatusQueued),
		Trigger:       string(job.Trigger),
		CorrelationID: strings.TrimSpace(job.CorrelationID),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !job.CreatedAt.IsZero() {
		record.CreatedAt = job.CreatedAt.UTC()
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CorrelationID == "" {
		record.CorrelationID = uuid.NewString()
	}
	if record.Trigger == "" {
		record.Trigger = string(core.JobTriggerSchedule)
	}

	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.AlignmentJob{}, fmt.Errorf("sqlstore: insert job: %w", err)
	}
	return record.toDomain(), nil
}

func (s *JobStore) Get(ctx context.Context, id string) (core.AlignmentJob, error) {
	if s == nil || s.db == nil {
		return core.AlignmentJob{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &jobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.AlignmentJob{}, fmt.Errorf("sqlstore: job %q: %w", id, core.ErrNotFound)
		}
		return core.AlignmentJob{}, err
	}
	return record.toDomain(), nil
}

func (s *JobStore) Claim(ctx context.Context, claim core.LeaseClaim) (bool, error) {
	if err := s.validateClaim(claim); err != nil {
		return false, err
	}
	now := claim.Now.UTC()
	result, err := s.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("status = ?", string(core.JobStatusRunning)).
		Set("locked_by = ?", strings.TrimSpace(claim.WorkerID)).
		Set("lock_expires_at = ?", claim.ExpiresAt.UTC()).
		Set("started_at = ?", now).
		Set("attempts = attempts + 1").
		Set("updated_at = ?", now).
		Where("id = ?", strings.TrimSpace(claim.JobID)).
		Where("status = ?", string(core.JobStatusQueued)).
		Exec(ctx)
	return rowsChanged(result, err, "claim job")
}

// Reclaim takes over a running job whose lease expired before now and
// stamps the note on error_message as the audit trail.
func (s *JobStore) Reclaim(ctx context.Context, claim core.LeaseClaim) (bool, error) {
	if err := s.validateClaim(claim); err != nil {
		return false, err
	}
	now := claim.Now.UTC()
	result, err := s.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("locked_by = ?", strings.TrimSpace(claim.WorkerID)).
		Set("lock_expires_at = ?", claim.ExpiresAt.UTC()).
		Set("started_at = ?", now).
		Set("error_message = ?", core.RedactErrorMessage(claim.Note)).
		Set("attempts = attempts + 1").
		Set("updated_at = ?", now).
		Where("id = ?", strings.TrimSpace(claim.JobID)).
		Where("status = ?", string(core.JobStatusRunning)).
		Where("lock_expires_at < ?", now).
		Exec(ctx)
	return rowsChanged(result, err, "reclaim job")
}

func (s *JobStore) Heartbeat(ctx context.Context, claim core.LeaseClaim) (bool, error) {
	if err := s.validateClaim(claim); err != nil {
		return false, err
	}
	now := claim.Now.UTC()
	result, err := s.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("lock_expires_at = ?", claim.ExpiresAt.UTC()).
		Set("updated_at = ?", now).
		Where("id = ?", strings.TrimSpace(claim.JobID)).
		Where("status = ?", string(core.JobStatusRunning)).
		Where("locked_by = ?", strings.TrimSpace(claim.WorkerID)).
		Where("lock_expires_at >= ?", now).
		Exec(ctx)
	return rowsChanged(result, err, "heartbeat job")
}

func (s *JobStore) Finalize(ctx context.Context, in core.JobFinalize) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: job store is not configured")
	}
	if !in.Status.Terminal() {
		return false, fmt.Errorf("sqlstore: finalize requires a terminal status, got %q", in.Status)
	}
	if strings.TrimSpace(in.JobID) == "" || strings.TrimSpace(in.WorkerID) == "" {
		return false, fmt.Errorf("sqlstore: job id and worker id are required")
	}
	at := in.At.UTC()
	if in.At.IsZero() {
		at = time.Now().UTC()
	}

	query := s.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("status = ?", string(in.Status)).
		Set("locked_by = ?", "").
		Set("lock_expires_at = NULL").
		Set("finished_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", strings.TrimSpace(in.JobID)).
		Where("status = ?", string(core.JobStatusRunning)).
		Where("locked_by = ?", strings.TrimSpace(in.WorkerID))
	if trimmed := strings.TrimSpace(in.ReportID); trimmed != "" {
		query = query.Set("report_id = ?", trimmed)
	}
	if in.ErrorMessage != "" {
		query = query.Set("error_message = ?", core.RedactErrorMessage(in.ErrorMessage))
	}
	result, err := query.Exec(ctx)
	return rowsChanged(result, err, "finalize job")
}

func (s *JobStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]core.AlignmentJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: job store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	var records []jobRecord
	err := s.db.NewSelect().
		Model(&records).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.status = ?", string(core.JobStatusQueued)).
				WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.
						Where("?TableAlias.status = ?", string(core.JobStatusRunning)).
						Where("?TableAlias.lock_expires_at < ?", now.UTC())
				})
		}).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]core.AlignmentJob, 0, len(records))
	for i := range records {
		jobs = append(jobs, records[i].toDomain())
	}
	return jobs, nil
}

func (s *JobStore) CountCreatedSince(ctx context.Context, projectID string, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: job store is not configured")
	}
	return s.db.NewSelect().
		Model((*jobRecord)(nil)).
		Where("?TableAlias.project_id = ?", strings.TrimSpace(projectID)).
		Where("?TableAlias.created_at >= ?", since.UTC()).
		Count(ctx)
}

func (s *JobStore) HasOpen(ctx context.Context, projectID string, adID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: job store is not configured")
	}
	return s.db.NewSelect().
		Model((*jobRecord)(nil)).
		Where("?TableAlias.project_id = ?", strings.TrimSpace(projectID)).
		Where("?TableAlias.ad_id = ?", strings.TrimSpace(adID)).
		Where("?TableAlias.status IN (?)", bun.In([]string{string(core.JobStatusQueued), string(core.JobStatusRunning)})).
		Exists(ctx)
}

// LastSuccess returns the finish time of the newest completed job, or nil
// when the project never completed one.
func (s *JobStore) LastSuccess(ctx context.Context, projectID string) (*time.Time, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: job store is not configured")
	}
	record := &jobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.project_id = ?", strings.TrimSpace(projectID)).
		Where("?TableAlias.status = ?", string(core.JobStatusCompleted)).
		Where("?TableAlias.finished_at IS NOT NULL").
		OrderExpr("?TableAlias.finished_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cloneTimePointer(record.FinishedAt), nil
}

func (s *JobStore) validateClaim(claim core.LeaseClaim) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: job store is not configured")
	}
	if strings.TrimSpace(claim.JobID) == "" {
		return fmt.Errorf("sqlstore: job id is required")
	}
	if strings.TrimSpace(claim.WorkerID) == "" {
		return fmt.Errorf("sqlstore: worker id is required")
	}
	if claim.Now.IsZero() || !claim.ExpiresAt.After(claim.Now) {
		return fmt.Errorf("sqlstore: lease must expire after now")
	}
	return nil
}

func rowsChanged(result sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("sqlstore: %s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: %s: %w", op, err)
	}
	return affected > 0, nil
}

func (r *jobRecord) toDomain() core.AlignmentJob {
	if r == nil {
		return core.AlignmentJob{}
	}
	ad := r.Ad
	ad.Keywords = append([]string(nil), r.Ad.Keywords...)
	return core.AlignmentJob{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		AdID:          r.AdID,
		URL:           r.URL,
		Ad:            ad,
		Status:        core.JobStatus(r.Status),
		Trigger:       core.JobTrigger(r.Trigger),
		LockedBy:      r.LockedBy,
		LockExpiresAt: cloneTimePointer(r.LockExpiresAt),
		StartedAt:     cloneTimePointer(r.StartedAt),
		FinishedAt:    cloneTimePointer(r.FinishedAt),
		CorrelationID: r.CorrelationID,
		ReportID:      r.ReportID,
		ErrorMessage:  r.ErrorMessage,
		Attempts:      r.Attempts,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

var _ core.JobStore = (*JobStore)(nil)
