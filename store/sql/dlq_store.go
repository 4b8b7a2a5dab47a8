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

// ErrClaimNotHeld is returned by Complete when the row left the retrying
// state, or was claimed again by another poller, before the outcome was
// written.
var ErrClaimNotHeld = errors.New("sqlstore: dlq claim is no longer held")

type DLQStore struct {
	db *bun.DB
}

func NewDLQStore(db *bun.DB) (*DLQStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &DLQStore{db: db}, nil
}

func (s *DLQStore) Create(ctx context.Context, event core.DLQEvent) (core.DLQEvent, error) {
	if s == nil || s.db == nil {
		return core.DLQEvent{}, fmt.Errorf("sqlstore: dlq store is not configured")
	}
	if strings.TrimSpace(event.ConnectionID) == "" {
		return core.DLQEvent{}, fmt.Errorf("sqlstore: dlq connection id is required")
	}
	if event.DeadAfter.IsZero() {
		return core.DLQEvent{}, fmt.Errorf("sqlstore: dlq dead_after is required")
	}

	now := time.Now().UTC()
	record := &dlqEventRecord{
		ID:           strings.TrimSpace(event.ID),
		ProjectID:    strings.TrimSpace(event.ProjectID),
		ConnectionID: strings.TrimSpace(event.ConnectionID),
		Provider:     strings.TrimSpace(event.Provider),
		Topic:        strings.TrimSpace(event.Topic),
		Payload:      append([]byte(nil), event.Payload...),
		Headers:      copyStringMap(event.Headers),
		ErrorClass:   string(event.ErrorClass),
		ErrorMessage: core.RedactErrorMessage(event.ErrorMessage),
		Status:       string(core.DLQStatusPending),
		AttemptCount: 0,
		NextRetryAt:  event.NextRetryAt.UTC(),
		DeadAfter:    event.DeadAfter.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if event.NextRetryAt.IsZero() {
		record.NextRetryAt = now
	}
	if record.Payload == nil {
		record.Payload = []byte{}
	}

	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.DLQEvent{}, fmt.Errorf("sqlstore: insert dlq event: %w", err)
	}
	return record.toDomain(), nil
}

func (s *DLQStore) Get(ctx context.Context, id string) (core.DLQEvent, error) {
	if s == nil || s.db == nil {
		return core.DLQEvent{}, fmt.Errorf("sqlstore: dlq store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &dlqEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.DLQEvent{}, fmt.Errorf("sqlstore: dlq event %q: %w", id, core.ErrNotFound)
		}
		return core.DLQEvent{}, err
	}
	return record.toDomain(), nil
}

// ClaimDue flips due pending rows, and retrying rows whose previous claim
// ran out, to retrying in one statement. Every row of the batch carries a
// fresh claim token.
func (s *DLQStore) ClaimDue(ctx context.Context, now time.Time, claimUntil time.Time, limit int) ([]core.DLQEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: dlq store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now = now.UTC()
	claimUntil = claimUntil.UTC()
	if !claimUntil.After(now) {
		return nil, fmt.Errorf("sqlstore: dlq claim lease must end after now")
	}

	token := uuid.NewString()
	var records []dlqEventRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM dlq_events
	WHERE status IN (?, ?)
	  AND next_retry_at <= ?
	ORDER BY next_retry_at ASC
	LIMIT ?
)
UPDATE dlq_events
SET status = ?, claim_token = ?, next_retry_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status IN (?, ?)
RETURNING` + dlqColumns
		return tx.NewRaw(
			query,
			string(core.DLQStatusPending),
			string(core.DLQStatusRetrying),
			now,
			limit,
			string(core.DLQStatusRetrying),
			token,
			claimUntil,
			now,
			string(core.DLQStatusPending),
			string(core.DLQStatusRetrying),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: claim dlq events: %w", err)
	}

	events := make([]core.DLQEvent, 0, len(records))
	for i := range records {
		events = append(events, records[i].toDomain())
	}
	return events, nil
}

func (s *DLQStore) Complete(ctx context.Context, outcome core.DLQOutcome) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dlq store is not configured")
	}
	id := strings.TrimSpace(outcome.ID)
	if id == "" {
		return fmt.Errorf("sqlstore: dlq event id is required")
	}
	token := strings.TrimSpace(outcome.ClaimToken)
	if token == "" {
		return fmt.Errorf("sqlstore: dlq claim token is required")
	}
	switch outcome.Status {
	case core.DLQStatusPending, core.DLQStatusResolved, core.DLQStatusDead:
	default:
		return fmt.Errorf("sqlstore: invalid dlq outcome status %q", outcome.Status)
	}
	at := outcome.At.UTC()
	if outcome.At.IsZero() {
		at = time.Now().UTC()
	}

	query := s.db.NewUpdate().
		Model((*dlqEventRecord)(nil)).
		Set("status = ?", string(outcome.Status)).
		Set("attempt_count = ?", outcome.AttemptCount).
		Set("claim_token = ''").
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", string(core.DLQStatusRetrying)).
		Where("claim_token = ?", token)
	if !outcome.NextRetryAt.IsZero() {
		query = query.Set("next_retry_at = ?", outcome.NextRetryAt.UTC())
	}
	if outcome.ErrorClass != "" {
		query = query.Set("error_class = ?", string(outcome.ErrorClass))
	}
	if outcome.ErrorMessage != "" {
		query = query.Set("error_message = ?", core.RedactErrorMessage(outcome.ErrorMessage))
	}
	if outcome.Status == core.DLQStatusResolved {
		query = query.Set("resolved_at = ?", at)
	}

	result, err := query.Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: complete dlq event: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrClaimNotHeld, id)
	}
	return nil
}

func (s *DLQStore) List(ctx context.Context, status core.DLQStatus, limit int) ([]core.DLQEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: dlq store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	var records []dlqEventRecord
	query := s.db.NewSelect().
		Model(&records).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(limit)
	if trimmed := strings.TrimSpace(string(status)); trimmed != "" {
		query = query.Where("?TableAlias.status = ?", trimmed)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	events := make([]core.DLQEvent, 0, len(records))
	for i := range records {
		events = append(events, records[i].toDomain())
	}
	return events, nil
}

func (r *dlqEventRecord) toDomain() core.DLQEvent {
	if r == nil {
		return core.DLQEvent{}
	}
	return core.DLQEvent{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		ConnectionID: r.ConnectionID,
		Provider:     r.Provider,
		Topic:        r.Topic,
		Payload:      append([]byte(nil), r.Payload...),
		Headers:      copyStringMap(r.Headers),
		ErrorClass:   core.ErrorClass(r.ErrorClass),
		ErrorMessage: r.ErrorMessage,
		Status:       core.DLQStatus(r.Status),
		AttemptCount: r.AttemptCount,
		NextRetryAt:  r.NextRetryAt,
		DeadAfter:    r.DeadAfter,
		ClaimToken:   r.ClaimToken,
		ResolvedAt:   cloneTimePointer(r.ResolvedAt),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

var _ core.DLQStore = (*DLQStore)(nil)
